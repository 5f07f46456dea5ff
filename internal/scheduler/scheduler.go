// Package scheduler drives periodic ingestion runs from a cron expression.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Handler is the callback invoked when the schedule fires.
type Handler func()

// Scheduler fires a handler on a cron schedule. Runs do not overlap: if a
// run is still in flight when the schedule fires again, the tick is skipped.
type Scheduler struct {
	schedule string
	handler  Handler
	cron     *cron.Cron
	running  chan struct{}
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler that fires handler per the cron schedule
// expression. Descriptors like @hourly are accepted.
func New(schedule string, handler Handler) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		handler:  handler,
		cron:     cron.New(cron.WithParser(cronParser)),
		running:  make(chan struct{}, 1),
	}
}

// Start registers the schedule and starts the cron ticker.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		select {
		case s.running <- struct{}{}:
		default:
			slog.Warn("previous ingestion run still in flight, skipping tick", "schedule", s.schedule)
			return
		}
		defer func() { <-s.running }()
		s.handler()
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("ingestion scheduled", "schedule", s.schedule)
	return nil
}

// Stop stops the cron ticker. In-flight handler calls run to completion.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
