// Package jobs holds the agent's job handlers. Each handler body runs inside an
// isolated child process; the Dispatcher runs them from the bus.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jsierles/opscode-agent/HadesAgent/capture"
	"github.com/jsierles/opscode-agent/HadesAgent/converge"
	"github.com/jsierles/opscode-agent/HadesAgent/isolate"
	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/sirupsen/logrus"
)

func init() {
	isolate.Register(hades.KindCollection.String(), collection)
	isolate.Register(hades.KindResource.String(), resource)
	isolate.Register(hades.KindCheckRecipe.String(), checkRecipe)
	isolate.Register(hades.KindRecipe.String(), recipe)
	isolate.Register(hades.KindConverge.String(), clientRun)
}

// Settings is the part of the agent configuration a child needs.
type Settings struct {
	// ConvergeLogLevel is the level of a converge run unless the request names a valid one.
	ConvergeLogLevel string `json:"converge_log_level,omitempty"`
	RunListDir       string `json:"run_list_dir,omitempty"`
	// Passthrough copies job logs to the child's stdout as they are captured.
	Passthrough bool `json:"passthrough,omitempty"`
}

// envelope is what the Dispatcher sends to a child.
type envelope struct {
	Settings Settings        `json:"settings"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// InvalidPayloadError is the domain failure for a request payload that does not decode.
type InvalidPayloadError struct {
	JobKind string
	Err     error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.JobKind, e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

func (e *InvalidPayloadError) Kind() string { return "InvalidPayload" }

// decode unpacks the envelope and decodes the request payload into v.
// An absent payload leaves v untouched.
func decode(env *isolate.Env, v any) (Settings, error) {
	var e envelope
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return Settings{}, &InvalidPayloadError{JobKind: env.Kind, Err: err}
	}
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return e.Settings, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return e.Settings, &InvalidPayloadError{JobKind: env.Kind, Err: err}
	}
	return e.Settings, nil
}

func captureOptions(env *isolate.Env, settings Settings, level logrus.Level) capture.Options {
	opts := capture.Options{Level: level}
	if env.Stream != nil {
		opts.OnChunk = env.Stream
	}
	if settings.Passthrough {
		opts.Passthrough = os.Stdout
	}
	return opts
}

func collection(ctx context.Context, env *isolate.Env) (any, error) {
	var req payload.CollectionPayload
	settings, err := decode(env, &req)
	if err != nil {
		return nil, err
	}

	node, err := converge.BuildNode(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]*converge.Resource, 0, len(req.Resources))
	for i, spec := range req.Resources {
		res, err := converge.NewResource(spec, node)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i+1, err)
		}
		resources = append(resources, res)
	}

	text, err := capture.LogToString(captureOptions(env, settings, logrus.InfoLevel), func(log *logrus.Logger) error {
		_, err := converge.NewRunner(node, log).Converge(ctx, resources)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload.CollectionResult{Log: text, Resource: req.Resource}, nil
}

func resource(ctx context.Context, env *isolate.Env) (any, error) {
	var req payload.ResourcePayload
	settings, err := decode(env, &req)
	if err != nil {
		return nil, err
	}

	node, err := converge.BuildNode(ctx)
	if err != nil {
		return nil, err
	}
	res, err := converge.NewResource(req.Resource, node)
	if err != nil {
		return nil, err
	}

	text, err := capture.LogToString(captureOptions(env, settings, logrus.DebugLevel), func(log *logrus.Logger) error {
		log.Infof("Processing %s action %s", res, res.Action())
		return res.RunAction(ctx, res.Action(), log)
	})
	if err != nil {
		return nil, err
	}
	return payload.ResourceResult{Log: text, Resource: res.Spec()}, nil
}

// writeRecipe stores the recipe text in the job's scratch directory. The
// returned function removes it.
func writeRecipe(env *isolate.Env, script payload.RecipePayload) (string, func(), error) {
	f, err := os.CreateTemp(env.ScratchDir, "recipe-*.yaml")
	if err != nil {
		return "", nil, fmt.Errorf("creating recipe file: %w", err)
	}
	path := f.Name()
	remove := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("Failed to remove recipe file", "path", path, "error", err)
		}
	}

	if _, err := f.WriteString(string(script)); err != nil {
		f.Close()
		remove()
		return "", nil, fmt.Errorf("writing recipe file: %w", err)
	}
	if err := f.Close(); err != nil {
		remove()
		return "", nil, fmt.Errorf("closing recipe file: %w", err)
	}
	return path, remove, nil
}

func checkRecipe(ctx context.Context, env *isolate.Env) (any, error) {
	var script payload.RecipePayload
	settings, err := decode(env, &script)
	if err != nil {
		return nil, err
	}

	node, err := converge.BuildNode(ctx)
	if err != nil {
		return nil, err
	}
	path, remove, err := writeRecipe(env, script)
	if err != nil {
		return nil, err
	}
	defer remove()

	var loaded *converge.Recipe
	_, err = capture.LogToString(captureOptions(env, settings, logrus.DebugLevel), func(log *logrus.Logger) error {
		log.Debugf("Checking recipe %s", path)
		var err error
		loaded, err = converge.LoadRecipe(path, node)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload.CheckRecipeResult{Resources: converge.Specs(loaded.Resources)}, nil
}

func recipe(ctx context.Context, env *isolate.Env) (any, error) {
	var script payload.RecipePayload
	settings, err := decode(env, &script)
	if err != nil {
		return nil, err
	}

	node, err := converge.BuildNode(ctx)
	if err != nil {
		return nil, err
	}
	path, remove, err := writeRecipe(env, script)
	if err != nil {
		return nil, err
	}
	defer remove()

	var loaded *converge.Recipe
	text, err := capture.LogToString(captureOptions(env, settings, logrus.InfoLevel), func(log *logrus.Logger) error {
		var err error
		loaded, err = converge.LoadRecipe(path, node)
		if err != nil {
			return err
		}
		log.Infof("Loaded recipe with %d resources", len(loaded.Resources))
		_, err = converge.NewRunner(node, log).Converge(ctx, loaded.Resources)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload.RecipeResult{Log: text, Resources: converge.Specs(loaded.Resources)}, nil
}

func clientRun(ctx context.Context, env *isolate.Env) (any, error) {
	var req payload.ConvergePayload
	settings, err := decode(env, &req)
	if err != nil {
		return nil, err
	}

	level := logrus.InfoLevel
	if l, err := logrus.ParseLevel(settings.ConvergeLogLevel); err == nil {
		level = l
	}

	text, err := capture.LogToString(captureOptions(env, settings, level), func(log *logrus.Logger) error {
		if req.LogLevel != "" {
			if l, err := logrus.ParseLevel(req.LogLevel); err == nil {
				log.SetLevel(l)
			} else {
				log.Debugf("Ignoring log level %q", req.LogLevel)
			}
		}
		return converge.NewClient(settings.RunListDir, log).Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return payload.ConvergeResult{Log: text}, nil
}
