package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jsierles/opscode-agent/HadesAgent/isolate"
	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	"github.com/jsierles/opscode-agent/shared/jobstatus"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/jsierles/opscode-agent/shared/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jsierles/opscode-agent/HadesAgent/jobs"

// publishTimeout bounds status and final log publishes, which run even after the job's context ended.
const publishTimeout = 5 * time.Second

// Executor runs a job in isolation. *isolate.Runner implements it.
type Executor interface {
	Run(ctx context.Context, job isolate.Job) (json.RawMessage, error)
}

var _ hades.JobHandler = (*Dispatcher)(nil)

// Dispatcher runs job requests through an Executor and turns the outcome into a
// bus response. It publishes status events and, when configured, streams job logs.
type Dispatcher struct {
	exec     Executor
	settings Settings
	timeout  time.Duration
	memory   string
	logs     joblogs.LogPublisher
	status   jobstatus.StatusPublisher
	tracer   trace.Tracer
}

type Option func(*Dispatcher)

func WithSettings(s Settings) Option {
	return func(d *Dispatcher) {
		d.settings = s
	}
}

// WithTimeout sets the longest a job may run. A request may ask for less.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithMemoryLimit sets the memory limit of every child, e.g. "2G". A request may ask for less.
func WithMemoryLimit(limit string) Option {
	return func(d *Dispatcher) {
		d.memory = limit
	}
}

// WithLogPublisher streams every captured chunk of every job to p.
func WithLogPublisher(p joblogs.LogPublisher) Option {
	return func(d *Dispatcher) {
		d.logs = p
	}
}

func WithStatusPublisher(p jobstatus.StatusPublisher) Option {
	return func(d *Dispatcher) {
		d.status = p
	}
}

func NewDispatcher(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:   exec,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs one job to completion. Failures are returned as *hades.JobError.
func (d *Dispatcher) Handle(ctx context.Context, req hades.JobRequest) (json.RawMessage, error) {
	if !req.Kind.IsValid() || !isolate.Registered(req.Kind.String()) {
		JobsTotal.WithLabelValues(req.Kind.String(), "rejected").Inc()
		return nil, &hades.JobError{
			Code: hades.CodeNotFound,
			Body: payload.ErrorBody{
				Class:   payload.ClassDomain,
				Kind:    "UnknownKind",
				Message: fmt.Sprintf("unknown job kind %q", req.Kind),
			},
		}
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	jobID := req.ID.String()
	kind := req.Kind.String()
	log := utils.JobLogger(jobID).With("kind", kind)

	ctx, span := d.tracer.Start(ctx, "job "+kind, trace.WithAttributes(
		attribute.String("hades.job.id", jobID),
		attribute.String("hades.job.kind", kind),
	))
	defer span.End()

	if timeout := utils.FindLimit(d.timeout, req.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(envelope{Settings: d.settings, Payload: req.Payload})
	if err != nil {
		return nil, fail(span, kind, "failed", err, &hades.JobError{
			Code: hades.CodeDomainFailure,
			Body: payload.ErrorBody{Class: payload.ClassDomain, Kind: "InvalidPayload", Message: err.Error()},
		})
	}

	job := isolate.Job{
		Kind:        kind,
		Payload:     body,
		MemoryLimit: utils.FindMemoryLimit(d.memory, req.MemoryLimit),
	}
	if d.logs != nil {
		write := joblogs.ChunkWriter(ctx, d.logs, jobID, kind)
		job.Stream = func(chunk string) error {
			LogChunksStreamed.WithLabelValues(kind).Inc()
			return write(chunk)
		}
	}

	d.publishStatus(ctx, jobstatus.StatusRunning, jobID)
	log.Info("Running job")

	JobsRunning.Inc()
	start := time.Now()
	value, err := d.exec.Run(ctx, job)
	elapsed := time.Since(start)
	JobsRunning.Dec()
	JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	d.finishLogs(ctx, jobID, kind)

	if err != nil {
		status, jobErr := classify(err)
		d.publishStatus(ctx, status, jobID)
		log.Info("Job finished", "status", status, "duration", elapsed, "error", err)
		outcome := "failed"
		if status == jobstatus.StatusStopped {
			outcome = "stopped"
		}
		return nil, fail(span, kind, outcome, err, jobErr)
	}

	JobsTotal.WithLabelValues(kind, "succeeded").Inc()
	span.SetStatus(codes.Ok, "")
	d.publishStatus(ctx, jobstatus.StatusSucceeded, jobID)
	log.Info("Job finished", "status", jobstatus.StatusSucceeded, "duration", elapsed)
	return value, nil
}

// fail records err on the span and in the metrics and returns jobErr.
func fail(span trace.Span, kind, outcome string, err error, jobErr *hades.JobError) *hades.JobError {
	JobsTotal.WithLabelValues(kind, outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, jobErr.Body.Kind)
	return jobErr
}

// classify maps an executor error onto the status event and the bus error.
func classify(err error) (jobstatus.JobStatus, *hades.JobError) {
	var (
		failure  *isolate.Failure
		abnormal *isolate.AbnormalTermination
		corrupt  *isolate.CorruptResult
	)
	switch {
	case errors.As(err, &failure):
		return jobstatus.StatusFailed, &hades.JobError{
			Code: hades.CodeDomainFailure,
			Body: payload.ErrorBody{
				Class:   payload.ClassDomain,
				Kind:    failure.Kind,
				Message: failure.Message,
				Log:     failure.Log,
			},
		}
	case errors.As(err, &abnormal):
		status := jobstatus.StatusFailed
		if abnormal.Cause != nil {
			status = jobstatus.StatusStopped
		}
		return status, infrastructureError("AbnormalTermination", err)
	case errors.As(err, &corrupt):
		return jobstatus.StatusFailed, infrastructureError("CorruptResult", err)
	default:
		return jobstatus.StatusFailed, infrastructureError("internal", err)
	}
}

func infrastructureError(kind string, err error) *hades.JobError {
	return &hades.JobError{
		Code: hades.CodeInfrastructure,
		Body: payload.ErrorBody{
			Class:   payload.ClassInfrastructure,
			Kind:    kind,
			Message: err.Error(),
		},
	}
}

func (d *Dispatcher) publishStatus(ctx context.Context, status jobstatus.JobStatus, jobID string) {
	if d.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.status.PublishJobStatus(ctx, status, jobID); err != nil {
		slog.Warn("Failed to publish job status", "job_id", jobID, "status", status, "error", err)
	}
}

// finishLogs publishes the final, empty batch that ends every log watch of the job.
func (d *Dispatcher) finishLogs(ctx context.Context, jobID, kind string) {
	if d.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.logs.PublishLog(ctx, joblogs.Log{JobID: jobID, Kind: kind, Done: true}); err != nil {
		slog.Warn("Failed to publish end of job log", "job_id", jobID, "error", err)
	}
}
