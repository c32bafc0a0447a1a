package config

import (
	"reflect"
	"sort"
	"strings"

	logx "workyard/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Storage (persistence). Nil means disabled.
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPath = strings.TrimSpace(oldS.Path)
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPath = strings.TrimSpace(newS.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Schedule (engine knobs)
	oSch := derefSchedule(oldCfg.Schedule)
	nSch := derefSchedule(newCfg.Schedule)
	if (oldCfg.Schedule != nil) != (newCfg.Schedule != nil) || !reflect.DeepEqual(oSch, nSch) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Int("schedule.materialize_batch", nSch.MaterializeBatch),
			logx.String("schedule.expand_horizon", strings.TrimSpace(nSch.ExpandHorizon)),
		)
	}

	// Driver (periodic scan)
	oDrv := derefDriver(oldCfg.Driver)
	nDrv := derefDriver(newCfg.Driver)
	if (oldCfg.Driver != nil) != (newCfg.Driver != nil) || !reflect.DeepEqual(oDrv, nDrv) {
		changed = append(changed, "driver")
		attrs = append(attrs,
			logx.Bool("driver.enabled", nDrv.Enabled),
			logx.String("driver.spec", strings.TrimSpace(nDrv.Spec)),
			logx.String("driver.timezone", strings.TrimSpace(nDrv.Timezone)),
			logx.Int("driver.scan_limit", nDrv.ScanLimit),
		)
	}

	// Notify (async pipeline)
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defN := &NotifyConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupMaxEntries: 2000,
	}
	oldN := oldCfg.Notify
	newN := newCfg.Notify
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.workers", newN.Workers),
			logx.Int("notify.queue_size", newN.QueueSize),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Int("notify.retry_max", newN.RetryMax),
			logx.Bool("notify.persist_dedup", newN.PersistDedup),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefSchedule(sc *ScheduleConfig) ScheduleConfig {
	if sc == nil {
		return ScheduleConfig{}
	}
	return *sc
}

func derefDriver(dc *DriverConfig) DriverConfig {
	if dc == nil {
		return DriverConfig{}
	}
	return *dc
}
