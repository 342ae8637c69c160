package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jsierles/opscode-agent/HadesAgent/isolate"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	"github.com/jsierles/opscode-agent/shared/jobstatus"
)

type statusRecord struct {
	Status jobstatus.JobStatus
	JobID  string
}

type fakeStatusPublisher struct {
	mu      sync.Mutex
	records []statusRecord
}

func (f *fakeStatusPublisher) PublishJobStatus(_ context.Context, status jobstatus.JobStatus, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, statusRecord{Status: status, JobID: jobID})
	return nil
}

func (f *fakeStatusPublisher) statuses() []jobstatus.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]jobstatus.JobStatus, len(f.records))
	for i, r := range f.records {
		out[i] = r.Status
	}
	return out
}

type fakeLogPublisher struct {
	mu   sync.Mutex
	logs []joblogs.Log
}

func (f *fakeLogPublisher) PublishLog(_ context.Context, l joblogs.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeLogPublisher) batches() []joblogs.Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]joblogs.Log(nil), f.logs...)
}

// fakeExecutor streams chunks, then returns value and err.
type fakeExecutor struct {
	chunks []string
	value  json.RawMessage
	err    error

	gotCtx context.Context
	gotJob isolate.Job
}

func (f *fakeExecutor) Run(ctx context.Context, job isolate.Job) (json.RawMessage, error) {
	f.gotCtx = ctx
	f.gotJob = job
	if job.Stream != nil {
		for _, c := range f.chunks {
			if err := job.Stream(c); err != nil {
				break
			}
		}
	}
	return f.value, f.err
}
