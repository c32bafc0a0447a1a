package app

import (
	"fmt"
	"strings"
	"time"

	"workyard/internal/config"
	"workyard/internal/notify"
	"workyard/internal/observability/pprof"
	"workyard/internal/schedule"
	"workyard/internal/schedule/driver"
	"workyard/internal/storage"
)

// validateConfig gates hot-reloads: a config that fails here is rejected
// before it is committed or published.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if cfg.Schedule != nil && cfg.Schedule.MaterializeBatch < 0 {
		return fmt.Errorf("schedule.materialize_batch must be >= 0")
	}
	if cfg.Driver != nil {
		if cfg.Driver.ScanLimit < 0 {
			return fmt.Errorf("driver.scan_limit must be >= 0")
		}
		if tz := strings.TrimSpace(cfg.Driver.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("driver.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	if cfg.Notify != nil {
		if cfg.Notify.Workers < 0 {
			return fmt.Errorf("notify.workers must be >= 0")
		}
		if cfg.Notify.QueueSize < 0 {
			return fmt.Errorf("notify.queue_size must be >= 0")
		}
		if cfg.Notify.RetryMax < 0 {
			return fmt.Errorf("notify.retry_max must be >= 0")
		}
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	drv := strings.ToLower(strings.TrimSpace(sc.Driver))
	if drv == "" || drv == "none" {
		return storage.Config{}, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch drv {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: drv, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	out := schedule.Config{}
	if cfg == nil || cfg.Schedule == nil {
		return out, nil
	}
	out.MaterializeBatch = cfg.Schedule.MaterializeBatch
	horizon, err := config.ParseDurationField("schedule.expand_horizon", cfg.Schedule.ExpandHorizon)
	if err != nil {
		return schedule.Config{}, err
	}
	out.ExpandHorizon = horizon
	return out, nil
}

func mapDriverConfig(cfg *config.Config) (driver.Config, error) {
	if cfg == nil || cfg.Driver == nil {
		// Omitted section: the scan is the heartbeat that keeps patterns
		// materialized, so it defaults to on.
		return driver.Config{Enabled: true}, nil
	}
	d := cfg.Driver
	return driver.Config{
		Enabled:   d.Enabled,
		Spec:      strings.TrimSpace(d.Spec),
		Timezone:  strings.TrimSpace(d.Timezone),
		ScanLimit: d.ScanLimit,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Notify == nil {
		return notify.Config{Enabled: true}, nil
	}
	n := cfg.Notify

	retryBase, err := config.ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}

	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	p := cfg.Pprof

	readTO, err := config.ParseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeTO, err := config.ParseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTO, err := config.ParseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 || p.MemProfileRate < 0 {
		return pprof.Config{}, fmt.Errorf("pprof profiling rates must be >= 0")
	}

	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}
