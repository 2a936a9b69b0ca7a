package session

import (
	"sync/atomic"
	"time"

	"jobwatch/internal/mailbox"
	"jobwatch/internal/scheduler"
)

// loopScheduler runs timer callbacks on the state loop. A timer stopped after
// its deadline passed but before the loop got to it never runs.
type loopScheduler struct {
	inner scheduler.Scheduler
	loop  *mailbox.Mailbox
}

func (s *loopScheduler) Now() time.Time {
	return s.inner.Now()
}

func (s *loopScheduler) AfterFunc(d time.Duration, fn func()) scheduler.Timer {
	t := &loopTimer{}
	t.inner = s.inner.AfterFunc(d, func() {
		s.loop.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.ran.Store(true)
			fn()
		})
	})
	return t
}

type loopTimer struct {
	inner   scheduler.Timer
	stopped atomic.Bool
	ran     atomic.Bool
}

func (t *loopTimer) Stop() bool {
	already := t.stopped.Swap(true)
	t.inner.Stop()
	return !already && !t.ran.Load()
}
