package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	hades "github.com/jsierles/opscode-agent/shared"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitJobs(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "hades" || pass != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/jobs/recipe" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var text string
		if err := json.NewDecoder(r.Body).Decode(&text); err != nil || !strings.Contains(text, "benchmark-job") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.Contains(text, "benchmark-job-3") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set(hadesnats.HeaderJobID, uuid.NewString())
		w.Write([]byte(`{"log":"ok"}`))
	}))
	defer server.Close()

	factory, err := jobFactory(hades.KindRecipe)
	require.NoError(t, err)

	jobs := NewSubmitter(server.URL, "key", 5*time.Second).SubmitJobs(context.Background(), 6, 3, factory)

	require.Len(t, jobs, 6)
	assert.EqualValues(t, 6, calls.Load())
	for i, job := range jobs {
		assert.Equal(t, i, job.Index)
		if i == 3 {
			assert.ErrorContains(t, job.Err, "non-200 response: 500")
			continue
		}
		require.NoError(t, job.Err)
		assert.NotEmpty(t, job.JobID)
		assert.Equal(t, http.StatusOK, job.StatusCode)
	}

	sum := Summarize(jobs)
	assert.Equal(t, Summary{Total: 6, Succeeded: 5, Failed: 1, P50: sum.P50, P95: sum.P95, Max: sum.Max}, sum)
	assert.LessOrEqual(t, sum.P50, sum.P95)
	assert.LessOrEqual(t, sum.P95, sum.Max)
}

func TestSummarize(t *testing.T) {
	var jobs []SubmittedJob
	for i := 1; i <= 20; i++ {
		jobs = append(jobs, SubmittedJob{Index: i, Duration: time.Duration(i) * time.Second})
	}

	sum := Summarize(jobs)
	assert.Equal(t, 20, sum.Succeeded)
	assert.Equal(t, 10*time.Second, sum.P50)
	assert.Equal(t, 19*time.Second, sum.P95)
	assert.Equal(t, 20*time.Second, sum.Max)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestJobFactory(t *testing.T) {
	for _, kind := range []hades.JobKind{hades.KindRecipe, hades.KindCollection, hades.KindResource} {
		factory, err := jobFactory(kind)
		require.NoError(t, err)
		got, body := factory(1)
		assert.Equal(t, kind, got)
		_, err = json.Marshal(body)
		assert.NoError(t, err)
	}

	_, err := jobFactory(hades.KindConverge)
	assert.Error(t, err)
}

func TestNewSubmitter_BaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", NewSubmitter("localhost:8080", "", time.Second).baseURL)
	assert.Equal(t, "https://hades.example.com", NewSubmitter("https://hades.example.com/", "", time.Second).baseURL)
}
