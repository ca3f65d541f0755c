package pki

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Schedule decides when the next CRL rotation runs.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Every runs at a fixed interval.
type Every time.Duration

func (d Every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(d))
}

// DailyAt runs once a day at the given wall-clock time, in UTC.
type DailyAt struct {
	Hour   int
	Minute int
}

func (s DailyAt) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DefaultSchedule rotates the CRL every day at 02:00 UTC.
var DefaultSchedule Schedule = DailyAt{Hour: 2}

// CRLScheduler periodically rebuilds the active CA's CRL using the same path
// as RebuildCRL.
type CRLScheduler struct {
	engine   *Engine
	schedule Schedule
	logger   *slog.Logger
}

// NewCRLScheduler returns a scheduler for engine. A nil schedule means
// DefaultSchedule.
func NewCRLScheduler(engine *Engine, schedule Schedule) *CRLScheduler {
	if schedule == nil {
		schedule = DefaultSchedule
	}
	return &CRLScheduler{engine: engine, schedule: schedule, logger: engine.logger}
}

// Run blocks until ctx is cancelled.
func (s *CRLScheduler) Run(ctx context.Context) {
	for {
		now := s.engine.clock()
		wait := s.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_ = s.Tick(ctx)
	}
}

// Tick rebuilds the active CA's CRL, then any CRL left stale by a failed
// rebuild, including those of former anchors. Having no active CA is not an
// error.
func (s *CRLScheduler) Tick(ctx context.Context) error {
	var errs []error
	doc, err := s.engine.RebuildCRL(ctx)
	switch {
	case errors.Is(err, ErrNoActiveCA):
		s.logger.Debug("CRL rotation skipped, no active CA")
	case err != nil:
		s.logger.Error("CRL rotation failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	default:
		s.logger.Info("CRL rotated",
			slog.String("ca_id", doc.IssuerID),
			slog.Int64("number", doc.Number),
			slog.Time("next_update", doc.NextUpdate))
	}

	recovered, err := s.engine.RebuildStaleCRLs(ctx)
	for _, d := range recovered {
		s.logger.Info("stale CRL rebuilt",
			slog.String("ca_id", d.IssuerID),
			slog.Int64("number", d.Number))
	}
	if err != nil {
		s.logger.Error("stale CRL rebuild failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
