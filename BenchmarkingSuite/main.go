package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/jsierles/opscode-agent/shared/utils"
)

type BenchmarkConfig struct {
	Host        string        `env:"BENCH_HOST" envDefault:"localhost:8080"`
	AuthKey     string        `env:"AUTH_KEY"`
	Kind        string        `env:"BENCH_KIND" envDefault:"recipe"`
	JobCount    int           `env:"BENCH_JOB_COUNT" envDefault:"10"`
	Concurrency int           `env:"BENCH_CONCURRENCY" envDefault:"5"`
	Timeout     time.Duration `env:"BENCH_TIMEOUT" envDefault:"5m"`
}

func main() {
	var cfg BenchmarkConfig
	if err := utils.LoadConfig(&cfg); err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	factory, err := jobFactory(hades.JobKind(cfg.Kind))
	if err != nil {
		slog.Error("Invalid benchmark", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Submitting %d %s jobs with %d workers to %s...\n", cfg.JobCount, cfg.Kind, cfg.Concurrency, cfg.Host)
	start := time.Now()
	jobs := NewSubmitter(cfg.Host, cfg.AuthKey, cfg.Timeout).SubmitJobs(ctx, cfg.JobCount, cfg.Concurrency, factory)
	elapsed := time.Since(start)

	fmt.Println("\nSubmitted Jobs:")
	for _, job := range jobs {
		if job.Err != nil {
			fmt.Printf("Job %d | failed: %v\n", job.Index, job.Err)
			continue
		}
		fmt.Printf("Job ID: %s | Submitted at: %s | Took: %s\n", job.JobID, job.SubmittedAt.Format(time.RFC3339), job.Duration.Round(time.Millisecond))
	}

	sum := Summarize(jobs)
	fmt.Printf("\n%d/%d succeeded in %s (p50 %s, p95 %s, max %s)\n",
		sum.Succeeded, sum.Total, elapsed.Round(time.Millisecond),
		sum.P50.Round(time.Millisecond), sum.P95.Round(time.Millisecond), sum.Max.Round(time.Millisecond))
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

// jobFactory returns a generator of small, side-effect free jobs of kind.
func jobFactory(kind hades.JobKind) (JobFactory, error) {
	switch kind {
	case hades.KindRecipe:
		return func(i int) (hades.JobKind, any) {
			return kind, payload.RecipePayload(fmt.Sprintf(
				"resources:\n  - type: log\n    name: benchmark-job-%d\n  - type: execute\n    name: \"true\"\n", i))
		}, nil
	case hades.KindCollection:
		return func(i int) (hades.JobKind, any) {
			return kind, payload.CollectionPayload{
				Resources: []payload.Resource{
					{Type: "log", Name: fmt.Sprintf("benchmark-job-%d", i)},
					{Type: "execute", Name: "true"},
				},
				Resource: []byte(fmt.Sprintf(`{"benchmark":%d}`, i)),
			}
		}, nil
	case hades.KindResource:
		return func(i int) (hades.JobKind, any) {
			return kind, payload.ResourcePayload{Resource: payload.Resource{Type: "log", Name: fmt.Sprintf("benchmark-job-%d", i)}}
		}, nil
	}
	return nil, fmt.Errorf("cannot benchmark job kind %q", kind)
}
