package orchestrator

import (
	"context"
	"time"
)

// runLoop is the engine's scheduling loop. It ticks on a poll interval,
// on completion triggers from the scheduler, and on backlog-change
// notifications from the file watcher.
func (s *Service) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First pass without waiting for the poll interval.
	s.tick(ctx)

	timer := time.NewTimer(s.sched.Config().PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Log("[engine] run loop exiting: %v", ctx.Err())
			return

		case <-timer.C:
			s.tick(ctx)

		case <-s.sched.TriggerC():
			// A run finished or the backlog changed; a slot may be free
			// or a dependent may have unblocked.
			s.tick(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

		case <-s.watchC():
			s.logger.Log("[engine] backlog changed on disk")
			s.tick(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// PollInterval is re-read so config updates take effect without
		// restarting the engine.
		timer.Reset(s.sched.Config().PollInterval)
	}
}

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.sched.Tick(ctx)
	if err != nil {
		s.logger.Log("[engine] tick: %v", err)
		s.emitter.Emit(Event{Type: EventError, Error: err})
		return
	}
	if n > 0 {
		s.logger.Log("[engine] tick dispatched %d features", n)
	}
}

// watchC returns the watcher channel, or a never-firing channel when no
// watcher is configured.
func (s *Service) watchC() <-chan struct{} {
	if s.watch != nil {
		return s.watch
	}
	return neverC
}

var neverC = make(chan struct{})
