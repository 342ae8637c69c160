package joblogs

import "time"

type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	OutputStream string    `json:"output_stream"`
}

// Log is one batch of captured output for a job. The batch with Done set is the last one.
type Log struct {
	JobID string     `json:"job_id"`
	Kind  string     `json:"kind,omitempty"`
	Logs  []LogEntry `json:"logs"`
	Done  bool       `json:"done,omitempty"`
}

// OutputStream names the source of a log entry.
const (
	StreamJob   = "job"
	StreamAgent = "agent"
)
