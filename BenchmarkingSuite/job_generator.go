package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	hades "github.com/jsierles/opscode-agent/shared"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
)

// SubmittedJob is the outcome of one job sent through the gateway.
type SubmittedJob struct {
	Index       int
	JobID       string
	SubmittedAt time.Time
	Duration    time.Duration
	StatusCode  int
	Err         error
}

// JobFactory builds the kind and payload of the idx-th job.
type JobFactory func(idx int) (hades.JobKind, any)

// Submitter sends jobs to the Hades gateway.
type Submitter struct {
	baseURL string
	authKey string
	client  *http.Client
}

// NewSubmitter accepts a host such as "localhost:8080" or a full URL.
func NewSubmitter(host, authKey string, timeout time.Duration) *Submitter {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &Submitter{
		baseURL: strings.TrimSuffix(host, "/"),
		authKey: authKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitJobs submits jobCount jobs using concurrency workers and waits for every reply.
// The result is ordered by job index.
func (s *Submitter) SubmitJobs(ctx context.Context, jobCount, concurrency int, factory JobFactory) []SubmittedJob {
	var wg sync.WaitGroup
	jobs := make([]SubmittedJob, jobCount)
	jobChan := make(chan int, jobCount)

	for i := 0; i < jobCount; i++ {
		jobChan <- i
	}
	close(jobChan)

	for i := 0; i < max(concurrency, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobChan {
				// Each index is written by exactly one worker.
				jobs[idx] = s.submitJob(ctx, idx, factory)
			}
		}()
	}

	wg.Wait()
	return jobs
}

func (s *Submitter) submitJob(ctx context.Context, idx int, factory JobFactory) SubmittedJob {
	kind, body := factory(idx)
	job := SubmittedJob{Index: idx}

	data, err := json.Marshal(body)
	if err != nil {
		job.Err = fmt.Errorf("job %d: marshaling payload: %w", idx, err)
		return job
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/jobs/"+kind.String(), bytes.NewReader(data))
	if err != nil {
		job.Err = fmt.Errorf("job %d: %w", idx, err)
		return job
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authKey != "" {
		req.SetBasicAuth("hades", s.authKey)
	}

	job.SubmittedAt = time.Now()
	resp, err := s.client.Do(req)
	job.Duration = time.Since(job.SubmittedAt)
	if err != nil {
		job.Err = fmt.Errorf("job %d HTTP error: %w", idx, err)
		return job
	}
	defer resp.Body.Close()

	job.StatusCode = resp.StatusCode
	job.JobID = resp.Header.Get(hadesnats.HeaderJobID)
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		job.Err = fmt.Errorf("job %d got non-200 response: %d %s", idx, resp.StatusCode, strings.TrimSpace(string(msg)))
		return job
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		job.Err = fmt.Errorf("job %d reading response: %w", idx, err)
	}
	return job
}

// Summary aggregates the latency of successful jobs.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	P50       time.Duration
	P95       time.Duration
	Max       time.Duration
}

func Summarize(jobs []SubmittedJob) Summary {
	sum := Summary{Total: len(jobs)}
	var durations []time.Duration
	for _, j := range jobs {
		if j.Err != nil {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		durations = append(durations, j.Duration)
	}
	if len(durations) == 0 {
		return sum
	}
	slices.Sort(durations)
	sum.P50 = percentile(durations, 0.50)
	sum.P95 = percentile(durations, 0.95)
	sum.Max = durations[len(durations)-1]
	return sum
}

// percentile uses the nearest-rank method on sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}
