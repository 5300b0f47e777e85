package jobstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

// persistentWatcher polls the DAO. Storage errors never reach the caller;
// they are logged and the poll is retried on the next tick.
type persistentWatcher struct {
	store       *PersistentStore
	schedulerID uuid.UUID
	errLogs     *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func newPersistentWatcher(s *PersistentStore, id uuid.UUID) *persistentWatcher {
	return &persistentWatcher{
		store:       s,
		schedulerID: id,
		errLogs:     rate.NewLimiter(rate.Every(errorLogInterval), 1),
		closed:      make(chan struct{}),
	}
}

func (w *persistentWatcher) GetNextJobToProcess(ctx context.Context) (*types.JobDetails, error) {
	s := w.store
	ctx, cancel := w.pollContext(ctx)
	defer cancel()
	for {
		select {
		case <-w.closed:
			return nil, nil
		case <-s.closedCh:
			return nil, ErrClosed
		case <-ctx.Done():
			return w.interrupted(ctx)
		default:
		}

		cluster, poll, changed := s.pollSettings()
		now := s.now()
		job, wake, err := s.dao.GetNextJobToProcess(ctx, cluster, w.schedulerID, now)
		switch {
		case err == nil && job != nil:
			return job, nil
		case err != nil && ctx.Err() != nil:
			return w.interrupted(ctx)
		case err != nil:
			w.pollError(err)
		}

		wait := poll
		if wake != nil {
			if until := wake.Sub(now); until < wait {
				wait = max(until, 0)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-changed:
			timer.Stop()
		case <-w.closed:
			timer.Stop()
			return nil, nil
		case <-s.closedCh:
			timer.Stop()
			return nil, ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return w.interrupted(ctx)
		}
	}
}

// pollContext derives a context that is also cancelled when the watcher
// or its store closes, so Close interrupts a DAO call in flight.
func (w *persistentWatcher) pollContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.closed:
		case <-w.store.closedCh:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

// interrupted reports why a poll was cut short: watcher Close yields
// (nil, nil), store Close yields ErrClosed, otherwise the caller's ctx
// ended.
func (w *persistentWatcher) interrupted(ctx context.Context) (*types.JobDetails, error) {
	select {
	case <-w.closed:
		return nil, nil
	default:
	}
	select {
	case <-w.store.closedCh:
		return nil, ErrClosed
	default:
	}
	return nil, ctx.Err()
}

func (w *persistentWatcher) pollError(err error) {
	s := w.store
	s.metrics.RecordPollError("watcher")
	if errors.Is(err, ErrClosed) && s.isClosed() {
		return
	}
	if w.errLogs.Allow() {
		s.log.Error().Err(err).Stringer("scheduler_id", w.schedulerID).Msg("job watcher poll failed; will retry")
		return
	}
	s.log.Debug().Err(err).Stringer("scheduler_id", w.schedulerID).Msg("job watcher poll failed; will retry")
}

func (w *persistentWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}
