package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

const defaultWaitDelay = 5 * time.Second

// Job names a registered Func and the payload to run it with.
type Job struct {
	Kind    string
	Payload json.RawMessage
	// Stream, when set, receives every chunk the job streams, in order, on a
	// goroutine of the parent. After it returns an error, later chunks are dropped.
	Stream func(chunk string) error
	// MemoryLimit caps the child's address space in bytes. Zero leaves it unlimited.
	MemoryLimit int64
}

// Runner runs jobs in child processes. It keeps no per-job state and is safe
// for concurrent use.
type Runner struct {
	timeout    time.Duration
	scratchDir string
	waitDelay  time.Duration
	stdout     io.Writer
	stderr     io.Writer
}

type Option func(*Runner)

// WithTimeout kills jobs that run longer than d. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithScratchDir sets where per-job scratch directories are created.
func WithScratchDir(dir string) Option {
	return func(r *Runner) {
		r.scratchDir = dir
	}
}

// WithWaitDelay bounds how long Run waits for the child's stdio after it exits.
func WithWaitDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.waitDelay = d
	}
}

// WithOutput sets where the child's stdout and stderr go.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		waitDelay: defaultWaitDelay,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pipeRead struct {
	data []byte
	err  error
}

// Run executes job in a new child process and waits for it. It returns the
// job's JSON-encoded value, or one of *Failure, *AbnormalTermination and
// *CorruptResult. The child is always reaped before Run returns.
func (r *Runner) Run(ctx context.Context, job Job) (json.RawMessage, error) {
	if !Registered(job.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log := slog.With("kind", job.Kind)

	scratch, err := os.MkdirTemp(r.scratchDir, "hades-job-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("Failed to remove scratch directory", "dir", scratch, "error", err)
		}
	}()

	req := request{
		Kind:        job.Kind,
		Payload:     job.Payload,
		ScratchDir:  scratch,
		Stream:      job.Stream != nil,
		MemoryLimit: job.MemoryLimit,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var stdin bytes.Buffer
	if err := writeFrame(&stdin, frameRequest, reqBody); err != nil {
		return nil, fmt.Errorf("framing request: %w", err)
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating result pipe: %w", err)
	}
	defer resultR.Close()

	var streamR, streamW *os.File
	if job.Stream != nil {
		streamR, streamW, err = os.Pipe()
		if err != nil {
			resultW.Close()
			return nil, fmt.Errorf("creating stream pipe: %w", err)
		}
		defer streamR.Close()
	}

	cmd := reexec.Command(childName(job.Kind))
	cmd.Stdin = &stdin
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	cmd.ExtraFiles = []*os.File{resultW}
	if streamW != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, streamW)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.WaitDelay = r.waitDelay

	startErr := cmd.Start()
	resultW.Close()
	if streamW != nil {
		streamW.Close()
	}
	if startErr != nil {
		return nil, fmt.Errorf("starting child for %s: %w", job.Kind, startErr)
	}
	log = log.With("pid", cmd.Process.Pid)
	log.Debug("Started isolated job")

	streamDone := make(chan struct{})
	if streamR != nil {
		go func() {
			defer close(streamDone)
			drainStream(streamR, job.Stream, log)
		}()
	} else {
		close(streamDone)
	}

	results := make(chan pipeRead, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(resultR, headerSize+maxFrameSize+1))
		results <- pipeRead{data: data, err: err}
	}()

	var (
		res    pipeRead
		killed error
	)
	select {
	case res = <-results:
	case <-ctx.Done():
		killGroup(cmd.Process.Pid, log)
		res = <-results
	}
	// A context that ended while the child ran wins over whatever the child managed to write.
	if ctx.Err() != nil {
		killed = context.Cause(ctx)
	}

	waitErr := cmd.Wait()
	<-streamDone

	if res.err != nil {
		log.Warn("Reading result pipe failed", "error", res.err)
	}

	value, err := decodeResult(res.data)
	if killed != nil || errors.Is(err, errIncomplete) {
		abnormal := termination(cmd.ProcessState, waitErr)
		abnormal.Cause = killed
		switch {
		case killed != nil:
			abnormal.Reason = fmt.Sprintf("stopped after %v", killed)
		case len(res.data) == 0:
			abnormal.Reason = "no result written"
		default:
			abnormal.Reason = fmt.Sprintf("result truncated after %d bytes", len(res.data))
		}
		log.Warn("Isolated job terminated abnormally", "error", abnormal)
		return nil, abnormal
	}

	if waitErr != nil {
		log.Debug("Child exit after complete result", "error", waitErr)
	}
	return value, err
}

// termination describes how the child ended.
func termination(state *os.ProcessState, waitErr error) *AbnormalTermination {
	a := &AbnormalTermination{ExitCode: -1}
	if state == nil {
		if waitErr != nil {
			a.Reason = waitErr.Error()
		}
		return a
	}
	a.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		a.Signal = unix.SignalName(ws.Signal())
		if a.Signal == "" {
			a.Signal = ws.Signal().String()
		}
	}
	return a
}

// killGroup kills the child's whole process group, including anything it spawned.
func killGroup(pid int, log *slog.Logger) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warn("Failed to kill child process group", "error", err)
	}
}

// drainStream reads chunk frames until EOF and passes them on. It keeps
// reading after a callback error or a bad frame so the child never blocks.
func drainStream(r io.Reader, fn func(string) error, log *slog.Logger) {
	forward := true
	for {
		t, body, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("Log stream ended with a bad frame", "error", err)
				if _, err := io.Copy(io.Discard, r); err != nil {
					log.Debug("Discarding log stream failed", "error", err)
				}
			}
			return
		}
		if t != frameChunk || !forward {
			continue
		}
		if err := fn(string(body)); err != nil {
			forward = false
			log.Warn("Log stream callback failed, dropping later chunks", "error", err)
		}
	}
}
