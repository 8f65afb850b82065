package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a full pass every ten minutes.
const DefaultSchedule = "@every 10m"

// Scheduler runs periodic full passes. A run that is still going when the
// next one is due causes that one to be skipped.
type Scheduler struct {
	cron *cron.Cron
	rec  *Reconciler
	log  *slog.Logger
	spec string
}

// NewScheduler validates spec and prepares the schedule.
func NewScheduler(spec string, rec *Reconciler, log *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if log == nil {
		log = slog.Default()
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", spec, err)
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{cron: c, rec: rec, log: log, spec: spec}, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.rec.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler: full pass failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("reconcile: schedule: %w", err)
	}
	s.log.Info("scheduler: started", slog.String("schedule", s.spec))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler: stopped")
	return nil
}
