package mesh

import (
	"context"
	"log"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler drives periodic sync rounds against every registered peer on a
// cron schedule.
type Scheduler struct {
	engine   *Engine
	schedule string
	gron     *gronx.Gronx
}

// NewScheduler creates a sync scheduler. schedule is a cron expression; it
// is checked once per minute.
func NewScheduler(engine *Engine, schedule string) *Scheduler {
	return &Scheduler{engine: engine, schedule: schedule, gron: gronx.New()}
}

// Run syncs until ctx is cancelled. It always returns ctx.Err(), so it can
// sit directly in an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil {
				log.Printf("mesh: bad sync schedule %q: %v", s.schedule, err)
				return err
			}
			if !due {
				continue
			}
			s.engine.SyncAll(ctx)
		}
	}
}
