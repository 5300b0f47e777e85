package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// memoryWatcher blocks on the store's broadcast signal instead of polling.
type memoryWatcher struct {
	store       *MemoryStore
	schedulerID uuid.UUID

	closeOnce sync.Once
	closed    chan struct{}
}

func (w *memoryWatcher) GetNextJobToProcess(ctx context.Context) (*types.JobDetails, error) {
	for {
		select {
		case <-w.closed:
			return nil, nil
		default:
		}

		job, signal, wake, err := w.store.nextReady()
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wake != nil {
			timer = time.NewTimer(wake.Sub(w.store.now()))
			timerC = timer.C
		}

		select {
		case <-signal:
		case <-timerC:
		case <-w.closed:
			stopTimer(timer)
			return nil, nil
		case <-w.store.closedCh:
			stopTimer(timer)
			return nil, ErrClosed
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		}
		stopTimer(timer)
	}
}

func (w *memoryWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
