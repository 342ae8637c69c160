package hades

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jsierles/opscode-agent/shared/payload"
)

// JobKind names one operation the agent runs in an isolated child process.
type JobKind string

const (
	KindCollection  JobKind = "collection"
	KindResource    JobKind = "resource"
	KindCheckRecipe JobKind = "check_recipe"
	KindRecipe      JobKind = "recipe"
	KindConverge    JobKind = "converge"
)

// Kinds lists every job kind the agent can execute.
var Kinds = []JobKind{KindCollection, KindResource, KindCheckRecipe, KindRecipe, KindConverge}

// BusKinds lists the kinds exposed on the message bus. check_recipe is only reachable in-process.
var BusKinds = []JobKind{KindCollection, KindResource, KindRecipe, KindConverge}

func (k JobKind) String() string {
	return string(k)
}

func (k JobKind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Exposed reports whether the kind may be requested over the bus.
func (k JobKind) Exposed() bool {
	for _, known := range BusKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error codes carried on the bus for failed jobs.
const (
	CodeDomainFailure  = "400"
	CodeNotFound       = "404"
	CodeInfrastructure = "500"
)

// JobRequest is one request for a job, as received from the bus or the gateway.
type JobRequest struct {
	ID      uuid.UUID
	Kind    JobKind
	Payload json.RawMessage
	// Timeout lowers the configured job timeout when non-zero.
	Timeout time.Duration
	// MemoryLimit lowers the configured memory limit of the child, e.g. "512M".
	MemoryLimit string
}

// JobError is returned by a JobHandler when the failure must reach the caller as a structured error.
type JobError struct {
	Code string
	Body payload.ErrorBody
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Code, e.Body.Kind, e.Body.Message)
}

// JobHandler executes one job request and returns the response body.
type JobHandler interface {
	Handle(ctx context.Context, req JobRequest) (json.RawMessage, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, req JobRequest) (json.RawMessage, error)

func (f JobHandlerFunc) Handle(ctx context.Context, req JobRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// JobRequester sends job requests to an agent and waits for the reply.
type JobRequester interface {
	Request(ctx context.Context, req JobRequest) (json.RawMessage, error)
}
