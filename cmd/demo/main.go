// Command demo runs an in-memory scheduler for a few seconds and prints
// what happened to a one-shot job, a counted periodic job and a job whose
// fire time was missed.
//
//	go run ./cmd/demo [-duration 3s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-scheduler/internal/config"
	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/internal/logging"
	"github.com/ChuLiYu/beaver-scheduler/internal/scheduler"
	"github.com/ChuLiYu/beaver-scheduler/internal/worker"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

func main() {
	duration := flag.Duration("duration", 3*time.Second, "how long to run the scheduler")
	configPath := flag.String("config", "configs/default.yaml", "config file (log and scheduler sections are used)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, _ := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	registry := worker.NewRegistry()
	registry.MustRegister("greet", func(_ context.Context, jc *worker.JobContext) (bool, error) {
		runs, _ := strconv.Atoi(jc.JobData["runs"])
		jc.JobData["runs"] = strconv.Itoa(runs + 1)
		jc.Logger.Info().Str("who", jc.JobData["who"]).Msg("hello")
		return true, nil
	})

	store := jobstore.NewMemoryStore(jobstore.WithLogger(log))
	defer store.Close()

	sched, err := scheduler.New(store, registry, scheduler.Config{
		Name:    "demo",
		Workers: cfg.Scheduler.Workers,
	}, scheduler.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create scheduler: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	every, err := trigger.NewPeriodic(now, nil, types.DurationPtr(500*time.Millisecond), intPtr(4))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build trigger: %v\n", err)
		os.Exit(1)
	}
	late := trigger.NewOneShot(now.Add(-time.Hour))
	if err := late.SetMisfireThreshold(types.DurationPtr(time.Second)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build trigger: %v\n", err)
		os.Exit(1)
	}

	jobs := []*types.JobSpec{
		{Name: "once", Description: "runs a single time", JobKey: "greet",
			Trigger: trigger.NewOneShot(now.Add(200 * time.Millisecond)),
			JobData: types.JobData{"who": "once"}},
		{Name: "four-times", Description: "every 500ms, four runs", JobKey: "greet",
			Trigger: every, JobData: types.JobData{"who": "four-times"}},
		{Name: "missed", Description: "fire time an hour ago, 1s misfire threshold", JobKey: "greet",
			Trigger: late, JobData: types.JobData{"who": "missed"}},
	}
	for _, js := range jobs {
		if _, err := sched.CreateJob(ctx, js, types.ConflictThrow); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create job %s: %v\n", js.Name, err)
			os.Exit(1)
		}
	}
	fmt.Printf("✓ Created %d jobs\n", len(jobs))

	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start scheduler: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("⏳ Running for %s...\n", *duration)

	select {
	case <-ctx.Done():
		fmt.Println("\nReceived shutdown signal")
	case <-time.After(*duration):
	}

	printStates(store, jobs)

	if err := sched.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close scheduler: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Scheduler closed")
}

func printStates(store jobstore.JobStore, jobs []*types.JobSpec) {
	fmt.Printf("\n📊 Job states:\n")
	for _, js := range jobs {
		d, err := store.GetJobDetails(context.Background(), js.Name)
		if err != nil || d == nil {
			fmt.Printf("  %-12s <unavailable: %v>\n", js.Name, err)
			continue
		}
		runs := d.JobSpec.JobData["runs"]
		if runs == "" {
			runs = "0"
		}
		status := "-"
		if e := d.LastJobExecutionDetails; e != nil {
			status = e.StatusMessage
		}
		fmt.Printf("  %-12s %-10s runs=%-2s %s\n", js.Name, d.JobState, runs, status)
	}
}

func intPtr(n int) *int { return &n }
