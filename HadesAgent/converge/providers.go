package converge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

func (r *Resource) path() string {
	return r.Attribute("path", r.Name())
}

func (r *Resource) mode(def fs.FileMode) (fs.FileMode, error) {
	raw := r.Attribute("mode", "")
	if raw == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, newError(KindInvalidResource, err, "%s has invalid mode %q", r, raw)
	}
	return fs.FileMode(m), nil
}

func fileCreate(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	path := r.path()
	mode, err := r.mode(0o644)
	if err != nil {
		return false, err
	}
	content := []byte(r.Attribute("content", ""))

	current, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(path, content, mode); err != nil {
			return false, err
		}
		log.Infof("%s created file %s", r, path)
		return true, nil
	case err != nil:
		return false, err
	}

	updated := false
	if !bytes.Equal(current, content) {
		if err := os.WriteFile(path, content, mode); err != nil {
			return false, err
		}
		log.Infof("%s updated content of %s", r, path)
		updated = true
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Mode().Perm() != mode.Perm() {
		if err := os.Chmod(path, mode); err != nil {
			return false, err
		}
		log.Infof("%s changed mode of %s to %o", r, path, mode.Perm())
		updated = true
	}
	if !updated {
		log.Debugf("%s is up to date", r)
	}
	return updated, nil
}

func fileDelete(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	path := r.path()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("%s does not exist", r)
			return false, nil
		}
		return false, err
	}
	log.Infof("%s deleted file %s", r, path)
	return true, nil
}

func fileTouch(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	path := r.path()
	mode, err := r.mode(0o644)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, mode)
	if err != nil {
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return false, err
	}
	log.Infof("%s updated atime and mtime of %s", r, path)
	return true, nil
}

func directoryCreate(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	path := r.path()
	mode, err := r.mode(0o755)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", path)
		}
		log.Debugf("%s already exists", r)
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return false, err
	}
	log.Infof("%s created directory %s", r, path)
	return true, nil
}

func directoryDelete(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	path := r.path()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Debugf("%s does not exist", r)
		return false, nil
	}
	remove := os.Remove
	if r.Attribute("recursive", "false") == "true" {
		remove = os.RemoveAll
	}
	if err := remove(path); err != nil {
		return false, err
	}
	log.Infof("%s deleted directory %s", r, path)
	return true, nil
}

func executeRun(ctx context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	if creates := r.Attribute("creates", ""); creates != "" {
		if _, err := os.Stat(creates); err == nil {
			log.Debugf("%s skipped, %s exists", r, creates)
			return false, nil
		}
	}

	command := r.Attribute("command", r.Name())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = r.Attribute("cwd", "")
	out, err := cmd.CombinedOutput()

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		log.Debugf("%s: %s", r, scanner.Text())
	}

	want := r.Attribute("returns", "0")
	got := "0"
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, err
		}
		got = strconv.Itoa(exitErr.ExitCode())
	}
	if got != want {
		return false, fmt.Errorf("%q returned %s, expected %s: %s", command, got, want, strings.TrimSpace(string(out)))
	}

	log.Infof("%s ran successfully", r)
	return true, nil
}

func logWrite(_ context.Context, r *Resource, log logrus.FieldLogger) (bool, error) {
	msg := r.Attribute("message", r.node.Expand(r.Name()))
	switch r.Attribute("level", "info") {
	case "debug":
		log.Debug(msg)
	case "info":
		log.Info(msg)
	case "warn", "warning":
		log.Warn(msg)
	case "error":
		log.Error(msg)
	default:
		return false, newError(KindInvalidResource, nil, "%s has unknown level %q", r, r.Attribute("level", ""))
	}
	return true, nil
}
