package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "workyard/pkg/logx"
)

// Queries groups the operations available both on the root store and
// inside a transaction. All instants are stored in UTC.
type Queries interface {
	// Service requests (parent work items).
	CreateServiceRequest(ctx context.Context, r ServiceRequest) error
	GetServiceRequest(ctx context.Context, id string) (ServiceRequest, error)

	// Recurrence patterns.
	InsertPattern(ctx context.Context, p RecurrencePattern) error
	GetPattern(ctx context.Context, id string) (RecurrencePattern, error)
	UpdatePatternRule(ctx context.Context, id, rule string, at time.Time) error
	SetPatternNextRun(ctx context.Context, id string, next *time.Time, at time.Time) error
	DeletePattern(ctx context.Context, id string) error
	// ListDuePatterns returns patterns whose next-run pointer is at or
	// before due, ordered by next-run ascending.
	ListDuePatterns(ctx context.Context, due time.Time, limit int) ([]RecurrencePattern, error)

	// Pattern exceptions.
	InsertException(ctx context.Context, e PatternException) error
	GetException(ctx context.Context, id string) (PatternException, error)
	DeleteException(ctx context.Context, id string) error
	DeleteExceptionsByPattern(ctx context.Context, patternID string) (int64, error)
	// ListExceptions returns the pattern's exceptions ordered by day ascending.
	ListExceptions(ctx context.Context, patternID string) ([]PatternException, error)

	// Schedule items.
	//
	// InsertItem reports whether a row was actually created: a conflict
	// on (pattern_id, starts_at) is the idempotent-skip case and returns
	// (false, nil).
	InsertItem(ctx context.Context, it ScheduleItem) (bool, error)
	GetItem(ctx context.Context, id string) (ScheduleItem, error)
	SetItemDone(ctx context.Context, id string, done bool, at time.Time) error
	UpdateItemWindow(ctx context.Context, id string, startsAt time.Time, endsAt *time.Time, at time.Time) error
	DeleteItem(ctx context.Context, id string) error
	ListItemsByOwner(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]ScheduleItem, error)
	ListItemsByPattern(ctx context.Context, patternID string) ([]ScheduleItem, error)
	DeleteFutureItems(ctx context.Context, patternID string, after time.Time) (int64, error)
	DeleteFutureItemsOnDay(ctx context.Context, patternID, day string, after time.Time) (int64, error)

	// Notify dedup state.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the persistence API used by the scheduling engine.
type Store interface {
	Queries

	// InTx runs fn inside one transaction. A non-nil error from fn (or
	// a panic) rolls everything back; otherwise the transaction commits.
	InTx(ctx context.Context, fn func(tx Queries) error) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
