package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type JobStatus string

const (
	StatusRunning   JobStatus = "Running"
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	// StatusStopped marks a job whose child was killed on timeout or cancellation.
	StatusStopped JobStatus = "Stopped"
)

const StatusSubjectFormat = "hades.agent.jobstatus.%s"

// StatusPublisher publishes job status changes.
type StatusPublisher interface {
	PublishJobStatus(ctx context.Context, status JobStatus, jobID string) error
}

func (js JobStatus) String() string {
	return string(js)
}

func (js JobStatus) Subject() string {
	return fmt.Sprintf(StatusSubjectFormat, js)
}

func (js JobStatus) IsValid() bool {
	switch js {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

var _ StatusPublisher = (*NATSStatusPublisher)(nil)

// NATSStatusPublisher publishes the job id on the status subject over core NATS.
type NATSStatusPublisher struct {
	nc *nats.Conn
}

func NewNATSStatusPublisher(nc *nats.Conn) (*NATSStatusPublisher, error) {
	if nc == nil {
		return nil, errors.New("nil NATS connection")
	}
	return &NATSStatusPublisher{nc: nc}, nil
}

// PublishJobStatus publishes to "hades.agent.jobstatus.{status}" with the job id as body.
func (np *NATSStatusPublisher) PublishJobStatus(ctx context.Context, status JobStatus, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job ID")
	}
	if !status.IsValid() {
		return fmt.Errorf("invalid job status: %s", status)
	}

	subject := status.Subject()
	if err := np.nc.Publish(subject, []byte(jobID)); err != nil {
		return fmt.Errorf("publishing job status %s for job %s: %w", status, jobID, err)
	}

	slog.Debug("Published job status", "job_id", jobID, "status", status, "subject", subject)
	return nil
}
