package team

import (
	"context"
	"log"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper applies due delayed promotions on a cron schedule.
type Sweeper struct {
	svc      *Service
	schedule string
	gron     *gronx.Gronx
}

// NewSweeper creates a promotion sweeper. schedule is a cron expression;
// it is checked once per minute.
func NewSweeper(svc *Service, schedule string) *Sweeper {
	return &Sweeper{svc: svc, schedule: schedule, gron: gronx.New()}
}

// Run sweeps until ctx is cancelled. It always returns ctx.Err(), so it can
// sit directly in an errgroup.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := w.gron.IsDue(w.schedule, now)
			if err != nil {
				log.Printf("sweeper: bad schedule %q: %v", w.schedule, err)
				return err
			}
			if !due {
				continue
			}
			n, err := w.svc.SweepPromotions(ctx)
			if err != nil {
				log.Printf("sweeper: sweep promotions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweeper: applied %d promotions", n)
			}
		}
	}
}
