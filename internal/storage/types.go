package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ServiceRequest is the parent work item a recurrence pattern hangs off.
type ServiceRequest struct {
	ID          string
	CustomerID  string
	ProviderID  string // empty until a provider is assigned
	Title       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecurrencePattern stores a canonical recurrence rule for one request.
//
// NextRun caches the first future instant the rule will produce that is
// not yet materialized. Nil means the rule is exhausted.
type RecurrencePattern struct {
	ID        string
	RequestID string
	Rule      string
	NextRun   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PatternException excludes one UTC calendar date from expansion.
// Day is "YYYY-MM-DD"; matching is day-granular regardless of the
// occurrence's time of day.
type PatternException struct {
	ID        string
	PatternID string
	Day       string
	CreatedAt time.Time
}

// ScheduleItem is one concrete occurrence, either materialized from a
// pattern or created ad hoc by a user (PatternID empty).
type ScheduleItem struct {
	ID          string
	OwnerID     string
	AssigneeID  string // empty when unassigned
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      *time.Time
	Done        bool
	PatternID   string // empty for ad hoc items
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
