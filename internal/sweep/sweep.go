// Package sweep runs the periodic safety-net pass over every tenant.
//
// The alarm service is the primary wake-up mechanism; the sweep exists so
// that due reminders are still delivered when an alarm slot was lost (failed
// re-arm, alarm store unavailable) or the fire goroutine is down. Redundant
// passes are harmless because processing is idempotent.
package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/kivohq/remindd/internal/actor"
)

// Sweeper schedules recurring ProcessAll passes.
type Sweeper struct {
	c   *cron.Cron
	reg *actor.Registry
}

// New builds a Sweeper that runs on the given cron spec (e.g. "@every 5m").
func New(spec string, reg *actor.Registry) (*Sweeper, error) {
	s := &Sweeper{
		c:   cron.New(),
		reg: reg,
	}
	_, err := s.c.AddFunc(spec, func() {
		slog.Debug("sweep starting")
		reg.ProcessAll(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("sweep: invalid spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the sweep in its own goroutine.
func (s *Sweeper) Start() {
	s.c.Start()
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.c.Stop().Done()
}
