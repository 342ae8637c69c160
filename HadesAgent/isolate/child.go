package isolate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

// Child file descriptors, in cmd.ExtraFiles order.
const (
	resultFD = 3
	streamFD = 4
)

// Exit codes of a child that could not deliver a result.
const (
	exitBadRequest  = 90
	exitWriteFailed = 91
)

// Func is the body of a job, run inside the child process.
type Func func(ctx context.Context, env *Env) (any, error)

// Env is what a job sees of its request.
type Env struct {
	Kind       string
	Payload    json.RawMessage
	ScratchDir string
	// Stream sends a chunk to the parent while the job runs. It is nil when the
	// caller did not ask for streaming.
	Stream func(chunk string) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// Register makes fn runnable under kind. It must be called before Init, usually from init.
func Register(kind string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("isolate: job kind %q registered twice", kind))
	}
	registry[kind] = fn
	reexec.Register(childName(kind), func() { childMain(kind, fn) })
}

// Registered reports whether kind has a registered job.
func Registered(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

// Init runs the registered job when the current process is a child. It returns
// false in the parent; the caller's main must return immediately when it is true.
func Init() bool {
	return reexec.Init()
}

func childName(kind string) string {
	return "hades-isolate-" + kind
}

// childMain never returns. It exits without running deferred functions of the caller.
func childMain(kind string, fn Func) {
	result := os.NewFile(resultFD, "hades-result")
	if _, err := unix.FcntlInt(uintptr(resultFD), unix.F_GETFD, 0); err != nil {
		fmt.Fprintf(os.Stderr, "isolate: result descriptor missing: %v\n", err)
		os.Exit(exitBadRequest)
	}
	unix.CloseOnExec(resultFD)

	req, err := readRequest()
	if err != nil {
		writeResult(result, failureOutcome(&Failure{Kind: "CorruptRequest", Message: err.Error()}))
		os.Exit(exitBadRequest)
	}

	env := &Env{Kind: kind, Payload: req.Payload, ScratchDir: req.ScratchDir}
	if req.Stream {
		unix.CloseOnExec(streamFD)
		stream := os.NewFile(streamFD, "hades-stream")
		env.Stream = func(chunk string) error {
			return writeFrame(stream, frameChunk, []byte(chunk))
		}
	}

	if req.MemoryLimit > 0 {
		if err := setMemoryLimit(req.MemoryLimit); err != nil {
			slog.Warn("Failed to apply memory limit", "kind", kind, "limit", req.MemoryLimit, "error", err)
		}
	}

	// The parent enforces deadlines by killing the process group; the child never times out on its own.
	body := runJob(context.Background(), fn, env)

	writeResult(result, boundedOutcome(body))
	os.Exit(0)
}

func readRequest() (*request, error) {
	t, body, err := readFrame(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading request frame: %w", err)
	}
	if t != frameRequest {
		return nil, fmt.Errorf("unexpected frame type %d", t)
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}

// runJob runs fn and encodes its outcome. Panics become failures of kind "panic".
func runJob(ctx context.Context, fn Func, env *Env) (body []byte) {
	defer func() {
		if r := recover(); r != nil {
			body = failureOutcome(&Failure{
				Kind:    "panic",
				Message: fmt.Sprint(r),
				Log:     string(debug.Stack()),
			})
		}
	}()

	value, err := fn(ctx, env)
	if err != nil {
		return failureOutcome(failureFromError(err))
	}
	body, err = successOutcome(value)
	if err != nil {
		return failureOutcome(failureFromError(fmt.Errorf("encoding result: %w", err)))
	}
	return body
}

func writeResult(result *os.File, body []byte) {
	if err := writeFrame(result, frameResult, body); err != nil {
		fmt.Fprintf(os.Stderr, "isolate: writing result: %v\n", err)
		os.Exit(exitWriteFailed)
	}
	result.Close()
}

// setMemoryLimit caps the child's address space and sets a matching soft limit for the GC.
func setMemoryLimit(limit int64) error {
	debug.SetMemoryLimit(limit)
	rlim := &unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
	return unix.Setrlimit(unix.RLIMIT_AS, rlim)
}
