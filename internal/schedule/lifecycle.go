package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workyard/internal/recurrence"
	"workyard/internal/storage"
)

// CreatePatternParams describes a new recurrence pattern.
type CreatePatternParams struct {
	// RequestID names the parent service request.
	RequestID string
	// ActorID must match the request's customer.
	ActorID string
	// Rule holds the recurrence fields. When Start is nil and Rule.Rule
	// is empty the pattern anchors at the current time.
	Rule recurrence.Patch
	// Exceptions are initial skip days, "2006-01-02" in UTC.
	Exceptions []string
}

// UpdatePatternParams describes a rule change.
type UpdatePatternParams struct {
	PatternID string
	ActorID   string
	// Rule is merged onto the stored rule; zero fields keep what is
	// there.
	Rule recurrence.Patch
	// ApplyToFuture deletes not-yet-occurred items and regenerates them
	// from now when the rule actually changed. When false, existing
	// future items stay as they were materialized and may no longer
	// match the rule.
	ApplyToFuture bool
}

// DeletePatternParams describes a pattern removal.
type DeletePatternParams struct {
	PatternID string
	ActorID   string
	// DeleteFutureItems also removes the pattern's not-yet-occurred
	// items. Past items always stay for history.
	DeleteFutureItems bool
}

// CreatePattern validates and stores a pattern, then seeds its first
// batch of items in the same transaction.
func (e *Engine) CreatePattern(ctx context.Context, p CreatePatternParams) (storage.RecurrencePattern, error) {
	req, err := e.requests.GetServiceRequest(ctx, p.RequestID)
	if err != nil {
		return storage.RecurrencePattern{}, err
	}
	if p.ActorID != req.CustomerID {
		return storage.RecurrencePattern{}, fmt.Errorf("%w: only the customer can add recurrence", ErrForbidden)
	}

	now := e.now().UTC().Truncate(time.Second)
	patch := p.Rule
	if patch.Start == nil && patch.Rule == "" {
		patch.Start = &now
	}
	rule, err := recurrence.Normalize("", patch)
	if err != nil {
		return storage.RecurrencePattern{}, err
	}
	days, err := checkDays(p.Exceptions)
	if err != nil {
		return storage.RecurrencePattern{}, err
	}

	pat := storage.RecurrencePattern{
		ID:        uuid.NewString(),
		RequestID: p.RequestID,
		Rule:      rule,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := e.locks.lock(pat.ID)
	defer unlock()

	var res Result
	err = e.store.InTx(ctx, func(tx storage.Queries) error {
		if err := tx.InsertPattern(ctx, pat); err != nil {
			return err
		}
		for _, day := range days {
			exc := storage.PatternException{
				ID:        uuid.NewString(),
				PatternID: pat.ID,
				Day:       day,
				CreatedAt: now,
			}
			if err := tx.InsertException(ctx, exc); err != nil {
				return err
			}
		}
		var err error
		res, err = e.materializeTx(ctx, tx, pat, e.batch)
		return err
	})
	if err != nil {
		return storage.RecurrencePattern{}, err
	}
	pat.NextRun = res.NextRun

	e.publish("pattern.created", PatternEvent{PatternID: pat.ID, RequestID: pat.RequestID})
	e.afterMaterialize(ctx, pat, res)
	return pat, nil
}

// UpdatePattern merges a patch into the stored rule. With ApplyToFuture
// it swaps the pattern's future items for ones produced by the new
// rule; otherwise only the rule and pointer change.
func (e *Engine) UpdatePattern(ctx context.Context, p UpdatePatternParams) (storage.RecurrencePattern, error) {
	unlock := e.locks.lock(p.PatternID)
	defer unlock()

	var (
		pat         storage.RecurrencePattern
		res         Result
		regenerated bool
	)
	err := e.store.InTx(ctx, func(tx storage.Queries) error {
		var err error
		pat, err = tx.GetPattern(ctx, p.PatternID)
		if err != nil {
			return err
		}
		req, err := tx.GetServiceRequest(ctx, pat.RequestID)
		if err != nil {
			return err
		}
		if p.ActorID != req.CustomerID {
			return fmt.Errorf("%w: only the customer can change recurrence", ErrForbidden)
		}

		rule, err := recurrence.Normalize(pat.Rule, p.Rule)
		if err != nil {
			return err
		}
		if rule == pat.Rule {
			// Stored rule already matches; items and pointer stay valid.
			return nil
		}

		now := e.now().UTC().Truncate(time.Second)
		if err := tx.UpdatePatternRule(ctx, pat.ID, rule, now); err != nil {
			return err
		}
		pat.Rule = rule
		pat.UpdatedAt = now

		if p.ApplyToFuture {
			if _, err := tx.DeleteFutureItems(ctx, pat.ID, now); err != nil {
				return err
			}
			// Regenerate from now forward; a stale due pointer must not
			// drag the new rule into the past.
			pat.NextRun = nil
			regenerated = true
			res, err = e.materializeTx(ctx, tx, pat, e.batch)
			if err != nil {
				return err
			}
			pat.NextRun = res.NextRun
			return nil
		}

		next, err := e.refreshNextRun(ctx, tx, pat, now)
		if err != nil {
			return err
		}
		pat.NextRun = next
		return nil
	})
	if err != nil {
		return storage.RecurrencePattern{}, err
	}

	e.publish("pattern.updated", PatternEvent{PatternID: pat.ID, RequestID: pat.RequestID, NextRun: pat.NextRun})
	if regenerated {
		e.afterMaterialize(ctx, pat, res)
	}
	return pat, nil
}

// DeletePattern removes the pattern row and its exceptions. Items that
// already occurred keep their pattern reference for history.
func (e *Engine) DeletePattern(ctx context.Context, p DeletePatternParams) error {
	unlock := e.locks.lock(p.PatternID)
	defer unlock()

	var requestID string
	err := e.store.InTx(ctx, func(tx storage.Queries) error {
		pat, err := tx.GetPattern(ctx, p.PatternID)
		if err != nil {
			return err
		}
		requestID = pat.RequestID
		req, err := tx.GetServiceRequest(ctx, pat.RequestID)
		if err != nil {
			return err
		}
		if p.ActorID != req.CustomerID {
			return fmt.Errorf("%w: only the customer can remove recurrence", ErrForbidden)
		}

		now := e.now().UTC().Truncate(time.Second)
		if p.DeleteFutureItems {
			if _, err := tx.DeleteFutureItems(ctx, pat.ID, now); err != nil {
				return err
			}
		}
		if _, err := tx.DeleteExceptionsByPattern(ctx, pat.ID); err != nil {
			return err
		}
		return tx.DeletePattern(ctx, pat.ID)
	})
	if err != nil {
		return err
	}

	e.publish("pattern.deleted", PatternEvent{PatternID: p.PatternID, RequestID: requestID})
	return nil
}

// AddException excludes one UTC day from a pattern. Future items
// already materialized on that day are removed; past ones happened and
// stay.
func (e *Engine) AddException(ctx context.Context, patternID, actorID, day string) error {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("%w: exception day %q", recurrence.ErrInvalidRule, day)
	}

	unlock := e.locks.lock(patternID)
	defer unlock()

	err := e.store.InTx(ctx, func(tx storage.Queries) error {
		pat, err := tx.GetPattern(ctx, patternID)
		if err != nil {
			return err
		}
		req, err := tx.GetServiceRequest(ctx, pat.RequestID)
		if err != nil {
			return err
		}
		if actorID != req.CustomerID {
			return fmt.Errorf("%w: only the customer can change recurrence", ErrForbidden)
		}

		now := e.now().UTC().Truncate(time.Second)
		exc := storage.PatternException{
			ID:        uuid.NewString(),
			PatternID: pat.ID,
			Day:       day,
			CreatedAt: now,
		}
		if err := tx.InsertException(ctx, exc); err != nil {
			return err
		}
		if _, err := tx.DeleteFutureItemsOnDay(ctx, pat.ID, day, now); err != nil {
			return err
		}
		_, err = e.refreshNextRun(ctx, tx, pat, now)
		return err
	})
	if err != nil {
		return err
	}

	e.publish("exception.added", PatternEvent{PatternID: patternID, Day: day})
	return nil
}

// RemoveException reinstates a previously excluded day.
func (e *Engine) RemoveException(ctx context.Context, patternID, actorID, day string) error {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("%w: exception day %q", recurrence.ErrInvalidRule, day)
	}

	unlock := e.locks.lock(patternID)
	defer unlock()

	err := e.store.InTx(ctx, func(tx storage.Queries) error {
		pat, err := tx.GetPattern(ctx, patternID)
		if err != nil {
			return err
		}
		req, err := tx.GetServiceRequest(ctx, pat.RequestID)
		if err != nil {
			return err
		}
		if actorID != req.CustomerID {
			return fmt.Errorf("%w: only the customer can change recurrence", ErrForbidden)
		}

		excs, err := tx.ListExceptions(ctx, pat.ID)
		if err != nil {
			return err
		}
		var target *storage.PatternException
		for i := range excs {
			if excs[i].Day == day {
				target = &excs[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%w: exception %s on %s", storage.ErrNotFound, patternID, day)
		}
		if err := tx.DeleteException(ctx, target.ID); err != nil {
			return err
		}

		now := e.now().UTC().Truncate(time.Second)
		_, err = e.refreshNextRun(ctx, tx, pat, now)
		return err
	})
	if err != nil {
		return err
	}

	e.publish("exception.removed", PatternEvent{PatternID: patternID, Day: day})
	return nil
}

// GetPattern returns one pattern after checking the actor owns its
// request.
func (e *Engine) GetPattern(ctx context.Context, patternID, actorID string) (storage.RecurrencePattern, error) {
	pat, err := e.store.GetPattern(ctx, patternID)
	if err != nil {
		return storage.RecurrencePattern{}, err
	}
	if err := e.authorize(ctx, pat.RequestID, actorID); err != nil {
		return storage.RecurrencePattern{}, err
	}
	return pat, nil
}

// ListExceptions returns a pattern's excluded days ordered by day.
func (e *Engine) ListExceptions(ctx context.Context, patternID, actorID string) ([]storage.PatternException, error) {
	pat, err := e.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, pat.RequestID, actorID); err != nil {
		return nil, err
	}
	return e.store.ListExceptions(ctx, patternID)
}

// ListOccurrences previews the instants a pattern will produce inside
// [from, to] without persisting anything. A zero from starts at now; a
// zero to stops at the engine's expand horizon.
func (e *Engine) ListOccurrences(ctx context.Context, patternID, actorID string, from, to time.Time) ([]time.Time, error) {
	pat, err := e.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, pat.RequestID, actorID); err != nil {
		return nil, err
	}
	excs, err := e.store.ListExceptions(ctx, patternID)
	if err != nil {
		return nil, err
	}
	if from.IsZero() {
		from = e.now().UTC().Truncate(time.Second)
	}
	if to.IsZero() {
		to = from.Add(e.horizon)
	}
	return recurrence.Expand(ctx, pat.Rule, exceptionSet(excs), recurrence.Window{Start: from, End: to})
}

func checkDays(days []string) ([]string, error) {
	out := make([]string, 0, len(days))
	for _, d := range days {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("%w: exception day %q", recurrence.ErrInvalidRule, d)
		}
		out = append(out, d)
	}
	return out, nil
}
