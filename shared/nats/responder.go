package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Responder exposes the bus job kinds as endpoints of a NATS micro service.
// Every request is handed to the JobHandler synchronously on the endpoint's subscription.
type Responder struct {
	svc     micro.Service
	handler hades.JobHandler
	jobs    *jobTracker
}

// stopGrace bounds how long Stop waits for cancelled jobs to reply.
const stopGrace = 15 * time.Second

// NewResponder registers one endpoint per bus kind on nc and starts serving.
func NewResponder(nc *nats.Conn, name, version string, handler hades.JobHandler) (*Responder, error) {
	svc, err := micro.AddService(nc, micro.Config{
		Name:        name,
		Version:     version,
		Description: "Runs configuration-management jobs in isolated child processes",
	})
	if err != nil {
		return nil, fmt.Errorf("creating micro service %s: %w", name, err)
	}

	r := &Responder{svc: svc, handler: handler, jobs: newJobTracker()}
	for _, kind := range hades.BusKinds {
		err := svc.AddEndpoint(kind.String(), micro.HandlerFunc(r.endpoint(kind)),
			micro.WithEndpointSubject(KindSubject(kind)))
		if err != nil {
			if stopErr := svc.Stop(); stopErr != nil {
				slog.Warn("Failed to stop micro service", "error", stopErr)
			}
			return nil, fmt.Errorf("adding endpoint for %s: %w", kind, err)
		}
		slog.Info("Registered job endpoint", "kind", kind, "subject", KindSubject(kind))
	}
	return r, nil
}

// Stop deregisters the service and waits for running jobs until ctx ends. Jobs
// still running then are cancelled; Stop waits up to stopGrace for their replies.
// The connection must stay open until Stop returns.
func (r *Responder) Stop(ctx context.Context) error {
	err := r.svc.Stop()
	return errors.Join(err, r.jobs.stop(ctx, stopGrace))
}

func (r *Responder) endpoint(kind hades.JobKind) func(micro.Request) {
	return func(req micro.Request) {
		jobID := requestJobID(req.Headers().Get(HeaderJobID))
		headers := micro.WithHeaders(micro.Headers{HeaderJobID: []string{jobID.String()}})
		log := slog.With("job_id", jobID.String(), "kind", kind)

		jobCtx, ok := r.jobs.begin()
		if !ok {
			respondError(req, &hades.JobError{
				Code: hades.CodeInfrastructure,
				Body: payload.ErrorBody{Class: payload.ClassInfrastructure, Kind: "ShuttingDown", Message: ErrShuttingDown.Error()},
			}, headers)
			return
		}
		defer r.jobs.done()

		defer func() {
			if p := recover(); p != nil {
				log.Error("Job handler panic recovered", "panic", p)
				respondError(req, fmt.Errorf("handler panic: %v", p), headers)
			}
		}()

		jobReq := hades.JobRequest{
			ID:          jobID,
			Kind:        kind,
			Payload:     req.Data(),
			Timeout:     parseTimeout(req.Headers().Get(HeaderTimeout)),
			MemoryLimit: req.Headers().Get(HeaderMemoryLimit),
		}

		ctx := otel.GetTextMapPropagator().Extract(jobCtx, propagation.HeaderCarrier(req.Headers()))
		body, err := r.handler.Handle(ctx, jobReq)
		if err != nil {
			log.Info("Job failed", "error", err)
			respondError(req, err, headers)
			return
		}

		if err := req.Respond(body, headers); err != nil {
			log.Error("Failed to respond", "error", err)
		}
	}
}

func respondError(req micro.Request, err error, headers micro.RespondOpt) {
	code, body := errorReply(err)
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		slog.Error("Failed to marshal error body", "error", marshalErr)
		data = nil
	}
	if err := req.Error(code, headerSafe(body.Message), data, headers); err != nil {
		slog.Error("Failed to respond with error", "error", err)
	}
}

// errorReply maps a handler error onto a bus error code and body.
func errorReply(err error) (string, payload.ErrorBody) {
	var jobErr *hades.JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code, jobErr.Body
	}
	return hades.CodeInfrastructure, payload.ErrorBody{
		Class:   payload.ClassInfrastructure,
		Kind:    "internal",
		Message: err.Error(),
	}
}

func requestJobID(header string) uuid.UUID {
	if id, err := uuid.Parse(header); err == nil {
		return id
	}
	return uuid.New()
}

func parseTimeout(header string) time.Duration {
	if header == "" {
		return 0
	}
	d, err := time.ParseDuration(header)
	if err != nil || d < 0 {
		slog.Warn("Ignoring invalid timeout header", "value", header)
		return 0
	}
	return d
}

// headerSafe keeps the first line of msg; header values cannot carry line breaks.
func headerSafe(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return strings.TrimSpace(line)
}
