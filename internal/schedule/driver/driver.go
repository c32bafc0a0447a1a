// Package driver runs the periodic scan that keeps due recurrence
// patterns materialized ahead of time.
package driver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"workyard/internal/eventbus"
	"workyard/internal/schedule"
	"workyard/internal/storage"
	logx "workyard/pkg/logx"
)

const defaultSpec = "@every 1m"

const defaultScanLimit = 256

// PatternLister pulls patterns whose next-run pointer has come due.
// The sqlite store satisfies it.
type PatternLister interface {
	ListDuePatterns(ctx context.Context, due time.Time, limit int) ([]storage.RecurrencePattern, error)
}

// Materializer produces the next batch of items for one pattern. The
// schedule engine satisfies it.
type Materializer interface {
	Materialize(ctx context.Context, patternID string, batchSize int) (schedule.Result, error)
}

// Config tunes the scan cadence.
type Config struct {
	Enabled bool
	// Spec is a cron spec or "@every 1m" style interval for the scan.
	Spec string
	// Timezone shapes calendar cron specs; interval specs ignore it.
	Timezone string
	// ScanLimit caps how many due patterns one pass picks up.
	ScanLimit int
}

// Service triggers materialization scans on a cron cadence.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	patterns PatternLister
	engine   Materializer

	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entryID cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc

	scanning atomic.Bool
	now      func() time.Time
}

func New(cfg Config, patterns PatternLister, engine Materializer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		patterns: patterns,
		engine:   engine,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSpec := s.specLocked()
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if strings.TrimSpace(cfg.Timezone) != oldTZ || s.specLocked() != oldSpec {
		s.restartLocked()
	}
}

// Start begins the scan cadence. It is a no-op while disabled or when
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("driver disabled; not starting")
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	spec := s.specLocked()
	if err := s.addScanLocked(spec); err != nil {
		s.log.Error("scan schedule rejected", logx.String("spec", spec), logx.Err(err))
		s.c = nil
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		return
	}
	s.c.Start()
	s.log.Info("service started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

// Stop halts the cadence and aborts an in-flight scan.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.log.Info("stop requested")

	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) addScanLocked(spec string) error {
	runCtx := s.runCtx
	id, err := s.c.AddJob(spec, cron.FuncJob(func() { s.scan(runCtx) }))
	if err != nil {
		return err
	}
	s.entryID = id
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := s.specLocked()
	if err := s.addScanLocked(spec); err != nil {
		s.log.Error("scan schedule rejected", logx.String("spec", spec), logx.Err(err))
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) specLocked() string {
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		return defaultSpec
	}
	return spec
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
