package cli

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-scheduler/internal/worker"
)

// Job keys available to jobs created from the command line.
const (
	JobNoop  = "noop"
	JobLog   = "log"
	JobSleep = "sleep"
	JobHTTP  = "http"
)

// builtinJobs returns a registry holding the jobs shipped with the binary.
//
//	noop   succeeds immediately
//	log    logs job_data["message"] and counts runs in job_data["runs"]
//	sleep  waits job_data["duration"] (Go duration), honouring cancellation
//	http   GETs job_data["url"]; any 2xx status is success
func builtinJobs() *worker.Registry {
	r := worker.NewRegistry()
	r.MustRegister(JobNoop, func(context.Context, *worker.JobContext) (bool, error) {
		return true, nil
	})
	r.MustRegister(JobLog, logJob)
	r.MustRegister(JobSleep, sleepJob)
	r.MustRegister(JobHTTP, httpJob)
	return r
}

func logJob(_ context.Context, jc *worker.JobContext) (bool, error) {
	runs, _ := strconv.Atoi(jc.JobData["runs"])
	runs++
	jc.JobData["runs"] = strconv.Itoa(runs)
	jc.Logger.Info().Int("runs", runs).Msg(jc.JobData["message"])
	return true, nil
}

func sleepJob(ctx context.Context, jc *worker.JobContext) (bool, error) {
	d, err := time.ParseDuration(jc.JobData["duration"])
	if err != nil {
		return false, fmt.Errorf("sleep: job_data.duration: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

var httpClient = &http.Client{Timeout: time.Minute}

func httpJob(ctx context.Context, jc *worker.JobContext) (bool, error) {
	url := jc.JobData["url"]
	if url == "" {
		return false, fmt.Errorf("http: job_data.url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	jc.JobData["last_status"] = strconv.Itoa(resp.StatusCode)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
