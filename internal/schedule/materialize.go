package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"workyard/internal/recurrence"
	"workyard/internal/storage"
)

// Result reports one materialization pass.
type Result struct {
	// Created holds the items this pass inserted, in occurrence order.
	Created []storage.ScheduleItem
	// Skipped counts candidate instants that already had an item.
	Skipped int
	// NextRun is the recomputed pointer, nil when the rule is
	// exhausted.
	NextRun *time.Time
}

// Materialize persists the next batchSize occurrences of a pattern and
// advances its next-run pointer, all in one transaction. Re-running it
// against an unchanged pattern creates nothing and leaves the pointer
// where it was. batchSize <= 0 uses the engine default.
func (e *Engine) Materialize(ctx context.Context, patternID string, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = e.batch
	}
	unlock := e.locks.lock(patternID)
	defer unlock()

	var (
		pat storage.RecurrencePattern
		res Result
	)
	err := e.store.InTx(ctx, func(tx storage.Queries) error {
		var err error
		pat, err = tx.GetPattern(ctx, patternID)
		if err != nil {
			return err
		}
		res, err = e.materializeTx(ctx, tx, pat, batchSize)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.afterMaterialize(ctx, pat, res)
	return res, nil
}

// materializeTx expands the rule from the pattern's anchor, inserts one
// item per instant and stores the new pointer. Callers hold the pattern
// lock and own the surrounding transaction.
func (e *Engine) materializeTx(ctx context.Context, q storage.Queries, pat storage.RecurrencePattern, batchSize int) (Result, error) {
	now := e.now().UTC().Truncate(time.Second)
	anchor := anchorFor(pat, now)

	excs, err := q.ListExceptions(ctx, pat.ID)
	if err != nil {
		return Result{}, err
	}
	exc := exceptionSet(excs)

	req, err := q.GetServiceRequest(ctx, pat.RequestID)
	if err != nil {
		return Result{}, err
	}

	instants, err := recurrence.Expand(ctx, pat.Rule, exc, recurrence.Window{Start: anchor, Count: batchSize})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, at := range instants {
		it := storage.ScheduleItem{
			ID:          uuid.NewString(),
			OwnerID:     req.CustomerID,
			AssigneeID:  req.ProviderID,
			Title:       req.Title,
			Description: req.Description,
			StartsAt:    at,
			PatternID:   pat.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		created, err := q.InsertItem(ctx, it)
		if err != nil {
			return Result{}, err
		}
		if created {
			res.Created = append(res.Created, it)
		} else {
			res.Skipped++
		}
	}

	if len(instants) > 0 {
		last := instants[len(instants)-1]
		next, ok, err := recurrence.Next(ctx, pat.Rule, exc, last)
		if err != nil {
			return Result{}, err
		}
		if ok {
			res.NextRun = &next
		}
	}
	if err := q.SetPatternNextRun(ctx, pat.ID, res.NextRun, now); err != nil {
		return Result{}, err
	}
	return res, nil
}
