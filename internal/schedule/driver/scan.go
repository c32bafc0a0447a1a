package driver

import (
	"context"
	"time"

	"workyard/internal/eventbus"
	logx "workyard/pkg/logx"
)

// ScanReport summarizes one scan pass for the event bus.
type ScanReport struct {
	Due     int           `json:"due"`
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// ScanNow runs one scan pass immediately, outside the cron cadence.
func (s *Service) ScanNow(ctx context.Context) {
	s.scan(ctx)
}

// scan materializes every due pattern. A pattern that fails is logged
// and skipped; one broken rule must not starve the rest.
func (s *Service) scan(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !s.scanning.CompareAndSwap(false, true) {
		s.log.Debug("scan skipped; previous run still in flight")
		return
	}
	defer s.scanning.Store(false)

	s.mu.Lock()
	limit := s.cfg.ScanLimit
	s.mu.Unlock()
	if limit <= 0 {
		limit = defaultScanLimit
	}

	started := time.Now()
	due, err := s.patterns.ListDuePatterns(ctx, s.now().UTC(), limit)
	if err != nil {
		s.log.Error("due pattern scan failed", logx.Err(err))
		return
	}

	var created, skipped, failed int
	for _, pat := range due {
		if ctx.Err() != nil {
			return
		}
		res, err := s.engine.Materialize(ctx, pat.ID, 0)
		if err != nil {
			failed++
			s.log.Warn("pattern materialization failed",
				logx.String("pattern", pat.ID),
				logx.Err(err))
			continue
		}
		created += len(res.Created)
		skipped += res.Skipped
	}

	took := time.Since(started)
	if len(due) > 0 || failed > 0 {
		s.log.Info("due pattern scan finished",
			logx.Int("due", len(due)),
			logx.Int("created", created),
			logx.Int("skipped", skipped),
			logx.Int("failed", failed),
			logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "driver.scan", Time: time.Now(), Data: ScanReport{
			Due:     len(due),
			Created: created,
			Skipped: skipped,
			Failed:  failed,
			Took:    took,
		}})
	}
}
