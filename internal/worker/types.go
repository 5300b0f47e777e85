package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// JobContext is what a job sees while it runs. JobData is a private copy;
// changes to it are handed back in Result.JobData and persisted by the
// scheduler.
type JobContext struct {
	SchedulerID uuid.UUID
	JobSpec     *types.JobSpec
	Execution   *types.JobExecutionDetails
	JobData     types.JobData
	Logger      zerolog.Logger
}

// JobFunc runs one execution of a job. It reports success through the bool;
// a non-nil error always counts as failure.
type JobFunc func(ctx context.Context, jc *JobContext) (bool, error)

// Task is one job execution handed to the pool.
type Task struct {
	SchedulerID uuid.UUID
	Job         *types.JobDetails // snapshot taken when the job went Running
	Timeout     time.Duration     // zero means no limit
}

// Result is the outcome of a Task.
type Result struct {
	Job       *types.JobDetails
	Succeeded bool
	Err       error
	Duration  time.Duration
	JobData   types.JobData
}
