package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/factreel/internal/storage"
)

// TriggerStore persists trigger records.
type TriggerStore interface {
	ListTriggers() ([]storage.Trigger, error)
	UpdateTriggerNextFire(id string, next time.Time) error
}

// FireFunc runs one trigger's idea batch. It is invoked on its own goroutine;
// a slow or hung batch must not delay other triggers.
type FireFunc func(ctx context.Context, t storage.Trigger)

// Scheduler evaluates all triggers on a single authoritative loop.
type Scheduler struct {
	store  TriggerStore
	fire   FireFunc
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scheduler. If tick is <= 0, it defaults to 30s.
func New(store TriggerStore, fire FireFunc, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store:  store,
		fire:   fire,
		tick:   tick,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Run evaluates triggers until ctx is cancelled. The first evaluation happens
// immediately, which is what fires catch-up triggers after a restart.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every enabled trigger whose next-fire time has passed. Each
// fired trigger's next-fire time is advanced from *now* before the next
// trigger is considered, so a backlog of missed intervals collapses into a
// single catch-up fire.
func (s *Scheduler) RunDue(ctx context.Context) {
	triggers, err := s.store.ListTriggers()
	if err != nil {
		s.logger.Error("scheduler: listing triggers", "error", err)
		return
	}

	now := s.now()
	for _, t := range triggers {
		if !t.Enabled || t.NextFire.After(now) {
			continue
		}

		sched, err := Parse(t.Schedule)
		if err != nil {
			s.logger.Error("scheduler: invalid schedule, skipping trigger",
				"trigger_id", t.ID, "schedule", t.Schedule, "error", err)
			continue
		}

		next := sched.Next(now)
		if err := s.store.UpdateTriggerNextFire(t.ID, next); err != nil {
			// Do not fire a trigger whose advance failed: a restart would
			// fire it again.
			s.logger.Error("scheduler: advancing next fire",
				"trigger_id", t.ID, "error", err)
			continue
		}

		s.logger.Info("trigger firing",
			"trigger_id", t.ID, "channel", t.Channel, "owner", t.Owner, "next_fire", next)

		go func(t storage.Trigger) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("trigger batch panicked", "trigger_id", t.ID, "panic", r)
				}
			}()
			s.fire(ctx, t)
		}(t)
	}
}
