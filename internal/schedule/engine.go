// Package schedule turns stored recurrence patterns into concrete
// schedule items and keeps each pattern's next-run pointer honest.
//
// All pattern mutations run under a per-pattern lock and inside one
// storage transaction, so a crash never leaves items without a matching
// pointer update. Materialization is idempotent: instants that already
// have an item are skipped, never duplicated.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workyard/internal/eventbus"
	"workyard/internal/recurrence"
	"workyard/internal/storage"
	"workyard/pkg/logx"
)

var (
	// ErrForbidden reports an actor touching a resource that belongs to
	// someone else.
	ErrForbidden = errors.New("schedule: forbidden")

	// ErrInvalidItem reports unusable ad hoc item fields.
	ErrInvalidItem = errors.New("schedule: invalid item")
)

// RequestSource resolves the parent request a pattern hangs off.
// The sqlite store satisfies it.
type RequestSource interface {
	GetServiceRequest(ctx context.Context, id string) (storage.ServiceRequest, error)
}

// Hook observes newly materialized items after their transaction has
// committed. Hook errors are logged and dropped: a broken observer must
// not undo persisted work.
type Hook interface {
	OnMaterialized(ctx context.Context, it storage.ScheduleItem) error
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// MaterializeBatch is how many upcoming occurrences one
	// materialization pass persists. Default 4.
	MaterializeBatch int
	// ExpandHorizon caps previews of rules that never terminate.
	// Default recurrence.DefaultHorizon.
	ExpandHorizon time.Duration
}

// Engine owns pattern lifecycle, materialization and ad hoc items.
type Engine struct {
	store    storage.Store
	requests RequestSource
	hook     Hook
	bus      eventbus.Bus
	log      logx.Logger

	batch   int
	horizon time.Duration

	locks *keyedMutex
	now   func() time.Time
}

// New builds an Engine. requests is usually the store itself; hook and
// bus may be nil.
func New(cfg Config, store storage.Store, requests RequestSource, hook Hook, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	batch := cfg.MaterializeBatch
	if batch <= 0 {
		batch = 4
	}
	horizon := cfg.ExpandHorizon
	if horizon <= 0 {
		horizon = recurrence.DefaultHorizon
	}
	return &Engine{
		store:    store,
		requests: requests,
		hook:     hook,
		bus:      bus,
		log:      log,
		batch:    batch,
		horizon:  horizon,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// PatternEvent is the bus payload for pattern activity.
type PatternEvent struct {
	PatternID string     `json:"pattern_id"`
	RequestID string     `json:"request_id,omitempty"`
	Created   int        `json:"created,omitempty"`
	Skipped   int        `json:"skipped,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	Day       string     `json:"day,omitempty"`
	At        time.Time  `json:"at"`
}

// ItemEvent is the bus payload for ad hoc item activity.
type ItemEvent struct {
	ItemID  string    `json:"item_id"`
	OwnerID string    `json:"owner_id,omitempty"`
	At      time.Time `json:"at"`
}

func (e *Engine) publish(typ string, ev PatternEvent) {
	if e.bus == nil {
		return
	}
	now := e.now()
	ev.At = now
	e.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (e *Engine) publishItem(typ, itemID, ownerID string) {
	if e.bus == nil {
		return
	}
	now := e.now()
	e.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ItemEvent{ItemID: itemID, OwnerID: ownerID, At: now}})
}

// afterMaterialize runs post-commit side effects for one pass: the hook
// once per created item, then the bus summary.
func (e *Engine) afterMaterialize(ctx context.Context, pat storage.RecurrencePattern, res Result) {
	if e.hook != nil {
		for _, it := range res.Created {
			if err := e.hook.OnMaterialized(ctx, it); err != nil {
				e.log.Warn("materialize hook failed",
					logx.Err(err),
					logx.String("pattern", pat.ID),
					logx.String("item", it.ID))
			}
		}
	}
	e.publish("pattern.materialized", PatternEvent{
		PatternID: pat.ID,
		RequestID: pat.RequestID,
		Created:   len(res.Created),
		Skipped:   res.Skipped,
		NextRun:   res.NextRun,
	})
	if res.NextRun == nil {
		e.publish("pattern.exhausted", PatternEvent{PatternID: pat.ID, RequestID: pat.RequestID})
	}
}

// authorize checks that actorID is the customer on the given request.
func (e *Engine) authorize(ctx context.Context, requestID, actorID string) error {
	req, err := e.requests.GetServiceRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if actorID != req.CustomerID {
		return fmt.Errorf("%w: request %s belongs to another customer", ErrForbidden, requestID)
	}
	return nil
}

func exceptionSet(excs []storage.PatternException) map[string]struct{} {
	out := make(map[string]struct{}, len(excs))
	for _, e := range excs {
		out[e.Day] = struct{}{}
	}
	return out
}

// anchorFor picks where expansion resumes: normally now, but never past
// an already due pointer, so occurrences that came due between scans
// are still picked up.
func anchorFor(pat storage.RecurrencePattern, now time.Time) time.Time {
	if pat.NextRun != nil && pat.NextRun.Before(now) {
		return pat.NextRun.UTC()
	}
	return now
}

// firstFrom returns the first valid occurrence at or after anchor, nil
// when the rule is exhausted.
func firstFrom(ctx context.Context, rule string, exc map[string]struct{}, anchor time.Time) (*time.Time, error) {
	instants, err := recurrence.Expand(ctx, rule, exc, recurrence.Window{Start: anchor, Count: 1})
	if err != nil {
		return nil, err
	}
	if len(instants) == 0 {
		return nil, nil
	}
	next := instants[0]
	return &next, nil
}

// refreshNextRun recomputes the pointer against the current rule and
// exceptions without materializing. The result may point at an instant
// that already has an item; the next materialization pass skips it and
// tightens the pointer again.
func (e *Engine) refreshNextRun(ctx context.Context, q storage.Queries, pat storage.RecurrencePattern, now time.Time) (*time.Time, error) {
	excs, err := q.ListExceptions(ctx, pat.ID)
	if err != nil {
		return nil, err
	}
	next, err := firstFrom(ctx, pat.Rule, exceptionSet(excs), anchorFor(pat, now))
	if err != nil {
		return nil, err
	}
	if err := q.SetPatternNextRun(ctx, pat.ID, next, now); err != nil {
		return nil, err
	}
	return next, nil
}
