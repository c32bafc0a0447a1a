package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Storage selects the persistence backend. The scheduling engine
	// refuses to start without one.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Schedule controls occurrence expansion and materialization.
	Schedule *ScheduleConfig `json:"schedule,omitempty"`

	// Driver controls the periodic materialization scan.
	Driver *DriverConfig `json:"driver,omitempty"`

	// Notify controls the async reminder pipeline.
	Notify *NotifyConfig `json:"notify,omitempty"`
}

// ScheduleConfig controls the recurrence engine.
//
// All durations are Go duration strings (e.g. "30s", "1m", "720h").
//
// Defaults (when fields are omitted/zero):
//   - materialize_batch: 4
//   - expand_horizon: "2160h" (90 days)
type ScheduleConfig struct {
	// MaterializeBatch is how many upcoming occurrences each pattern
	// keeps materialized ahead of time.
	MaterializeBatch int `json:"materialize_batch,omitempty"`

	// ExpandHorizon caps expansion of rules that never end.
	ExpandHorizon string `json:"expand_horizon,omitempty"`
}

// DriverConfig controls the periodic scan that tops up materialized
// occurrences and advances next-run pointers.
//
// Defaults (when fields are omitted/zero):
//   - spec: "@every 1m"
//   - timezone: "UTC"
//   - scan_limit: 256
type DriverConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is a cron expression (robfig/cron syntax, @every supported).
	Spec string `json:"spec,omitempty"`

	// Timezone for the cron spec.
	Timezone string `json:"timezone,omitempty"`

	// ScanLimit bounds how many due patterns a single scan processes.
	ScanLimit int `json:"scan_limit,omitempty"`
}

// NotifyConfig controls the async reminder pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the dispatcher defaults to enabled=true.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./workyard.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
