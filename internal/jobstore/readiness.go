package jobstore

import (
	"time"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// Readiness buckets in priority order. Lower ranks are handed out first.
const (
	rankOrphaned = iota
	rankPending
	rankTriggered
	rankNotReady
)

// readiness classifies d at now and returns its bucket rank and the time
// used to order it inside the bucket. A nil key sorts before any time.
func readiness(d *types.JobDetails, now time.Time) (int, *time.Time) {
	switch d.JobState {
	case types.StateOrphaned:
		if d.LastJobExecutionDetails == nil {
			return rankOrphaned, nil
		}
		return rankOrphaned, d.LastJobExecutionDetails.EndTime
	case types.StatePending:
		ct := d.CreationTime
		return rankPending, &ct
	case types.StateTriggered:
		return rankTriggered, d.NextTriggerFireTime
	case types.StateScheduled:
		if d.NextTriggerFireTime == nil || !d.NextTriggerFireTime.After(now) {
			return rankTriggered, d.NextTriggerFireTime
		}
	}
	return rankNotReady, nil
}

func keyBefore(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	}
	return a.Before(*b)
}

func keyEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// SelectReady picks the job a watcher hands out at now. Orphaned jobs come
// first ordered by last execution end time, then Pending jobs by creation
// time, then Triggered and due Scheduled jobs by fire time. Ties break on
// the job name. wake is the earliest future fire time among Scheduled jobs
// that are not yet due, or nil when there is none; a caller that found
// nothing ready should look again at that time.
//
// Completed, Running and Stopped jobs are never selected. The scheduler
// re-latches a job's trigger when it records completion, so a Completed
// job has no further occurrences to hand out.
//
// The returned job is one of the given pointers, not a copy.
func SelectReady(jobs []*types.JobDetails, now time.Time) (next *types.JobDetails, wake *time.Time) {
	bestRank := rankNotReady
	var bestKey *time.Time
	for _, d := range jobs {
		if d == nil || d.JobSpec == nil {
			continue
		}
		rank, key := readiness(d, now)
		if rank == rankNotReady {
			fire := d.NextTriggerFireTime
			if d.JobState == types.StateScheduled && fire != nil && (wake == nil || fire.Before(*wake)) {
				w := *fire
				wake = &w
			}
			continue
		}
		if next == nil || rank < bestRank ||
			(rank == bestRank && (keyBefore(key, bestKey) ||
				(keyEqual(key, bestKey) && d.JobSpec.Name < next.JobSpec.Name))) {
			next, bestRank, bestKey = d, rank, key
		}
	}
	return next, wake
}
