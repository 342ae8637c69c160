package joblogs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// NatsLogSubject is the NATS subject pattern for job logs
	NatsLogSubject = "hades.agent.logs.%s"
	// StreamName is the JetStream stream name for job logs
	StreamName = "HADES_AGENT_LOGS"
)

var (
	// ErrNilConnection is returned when NATS connection is nil
	ErrNilConnection = errors.New("nil NATS connection")
	// ErrNilJetStream is returned when JetStream context is nil
	ErrNilJetStream = errors.New("nil JetStream context")
	// ErrInvalidJobID is returned when job ID is empty or invalid
	ErrInvalidJobID = errors.New("invalid job ID")
)

// LogPublisher defines the interface for publishing logs
type LogPublisher interface {
	PublishLog(ctx context.Context, jobLog Log) error
}

// LogConsumer defines the interface for consuming logs
type LogConsumer interface {
	WatchJobLogs(ctx context.Context, jobID string, handler func(Log)) error
}

var (
	_ LogPublisher = (*HadesLogProducer)(nil)
	_ LogConsumer  = (*HadesLogConsumer)(nil)
)

// HadesLogProducer publishes captured job output to JetStream.
type HadesLogProducer struct {
	js jetstream.JetStream
}

// HadesLogConsumer tails job output from JetStream.
type HadesLogConsumer struct {
	js jetstream.JetStream
}

// NewHadesLogProducer creates a new log producer and makes sure the log stream exists.
// Logs are kept on file storage for one day.
func NewHadesLogProducer(ctx context.Context, nc *nats.Conn) (*HadesLogProducer, error) {
	if nc == nil {
		return nil, ErrNilConnection
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{fmt.Sprintf(NatsLogSubject, "*")},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: 1 * time.Minute,
		MaxMsgs:    100000,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("creating JetStream stream: %w", err)
	}

	slog.Info("JetStream stream ready",
		"stream", stream.CachedInfo().Config.Name,
		"subjects", stream.CachedInfo().Config.Subjects)

	return &HadesLogProducer{js: js}, nil
}

// NewHadesLogConsumer creates a new log consumer for reading logs from JetStream.
func NewHadesLogConsumer(nc *nats.Conn) (*HadesLogConsumer, error) {
	if nc == nil {
		return nil, ErrNilConnection
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	return &HadesLogConsumer{js: js}, nil
}

// PublishLog publishes a log batch to the subject "hades.agent.logs.{jobID}".
func (hlp *HadesLogProducer) PublishLog(ctx context.Context, jobLog Log) error {
	if hlp.js == nil {
		return ErrNilJetStream
	}
	if jobLog.JobID == "" {
		return ErrInvalidJobID
	}

	subject := fmt.Sprintf(NatsLogSubject, jobLog.JobID)
	data, err := json.Marshal(jobLog)
	if err != nil {
		return fmt.Errorf("marshaling log for job %s: %w", jobLog.JobID, err)
	}

	if _, err := hlp.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing log to subject %s: %w", subject, err)
	}

	slog.Debug("Published log", "job_id", jobLog.JobID, "entries", len(jobLog.Logs), "done", jobLog.Done)
	return nil
}

// ChunkWriter returns a callback publishing each chunk as a single-entry batch for jobID.
func ChunkWriter(ctx context.Context, publisher LogPublisher, jobID, kind string) func(string) error {
	return func(chunk string) error {
		return publisher.PublishLog(ctx, Log{
			JobID: jobID,
			Kind:  kind,
			Logs: []LogEntry{{
				Timestamp:    time.Now(),
				Message:      chunk,
				OutputStream: StreamJob,
			}},
		})
	}
}

// WatchJobLogs replays and then follows the logs of one job, calling handler for every batch.
// It returns nil after the final batch, or the context error when ctx ends first.
func (hlc *HadesLogConsumer) WatchJobLogs(ctx context.Context, jobID string, handler func(Log)) error {
	if jobID == "" {
		return ErrInvalidJobID
	}
	if hlc.js == nil {
		return ErrNilJetStream
	}

	subject := fmt.Sprintf(NatsLogSubject, jobID)
	consumer, err := hlc.js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("creating consumer for job %s: %w", jobID, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("iterating logs for job %s: %w", jobID, err)
	}
	defer iter.Stop()

	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	slog.Info("Started watching job logs", "job_id", jobID, "subject", subject)

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading logs for job %s: %w", jobID, err)
		}

		var jobLog Log
		if err := json.Unmarshal(msg.Data(), &jobLog); err != nil {
			slog.Warn("Failed to unmarshal log message", "job_id", jobID, "error", err)
			continue
		}

		handler(jobLog)
		if jobLog.Done {
			return nil
		}
	}
}
