package mockserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SimulationConfig drives a synthetic workload.
type SimulationConfig struct {
	Interval  time.Duration // between progress steps (default: 1s)
	Step      int           // progress increment per step (default: 20)
	FailEvery int           // every Nth job fails at half progress; 0 never fails
}

// Simulate runs jobs one after another until ctx is done. Each job starts,
// advances by Step every Interval and then completes or fails.
func (s *Server) Simulate(ctx context.Context, cfg SimulationConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Step <= 0 {
		cfg.Step = 20
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		id := "job-" + uuid.NewString()[:8]
		s.StartJob(id)
		fail := cfg.FailEvery > 0 && n%cfg.FailEvery == 0

		for progress := cfg.Step; ; progress += cfg.Step {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if fail && progress >= 50 {
				if err := s.Fail(id, fmt.Sprintf("simulated failure of job %d", n)); err != nil {
					return err
				}
				break
			}
			if progress >= 100 {
				if err := s.Complete(id, map[string]any{"text": fmt.Sprintf("transcript %d", n)}); err != nil {
					return err
				}
				break
			}
			if err := s.Progress(id, progress); err != nil {
				return err
			}
		}
		s.logger.Debug("Simulated job finished", "job_id", id, "failed", fail)
	}
}
