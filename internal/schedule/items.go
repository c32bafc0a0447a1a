package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workyard/internal/storage"
)

// CreateItemParams describes a one-off schedule item that does not
// belong to any pattern.
type CreateItemParams struct {
	OwnerID     string
	ActorID     string
	AssigneeID  string
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      *time.Time
}

// CreateItem stores an ad hoc item for the acting owner.
func (e *Engine) CreateItem(ctx context.Context, p CreateItemParams) (storage.ScheduleItem, error) {
	if p.ActorID != p.OwnerID {
		return storage.ScheduleItem{}, fmt.Errorf("%w: items are created by their owner", ErrForbidden)
	}
	if p.Title == "" {
		return storage.ScheduleItem{}, fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	if p.StartsAt.IsZero() {
		return storage.ScheduleItem{}, fmt.Errorf("%w: start instant is required", ErrInvalidItem)
	}

	now := e.now().UTC().Truncate(time.Second)
	it := storage.ScheduleItem{
		ID:          uuid.NewString(),
		OwnerID:     p.OwnerID,
		AssigneeID:  p.AssigneeID,
		Title:       p.Title,
		Description: p.Description,
		StartsAt:    p.StartsAt.UTC().Truncate(time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.EndsAt != nil {
		end := p.EndsAt.UTC().Truncate(time.Second)
		if end.Before(it.StartsAt) {
			return storage.ScheduleItem{}, fmt.Errorf("%w: end precedes start", ErrInvalidItem)
		}
		it.EndsAt = &end
	}

	if _, err := e.store.InsertItem(ctx, it); err != nil {
		return storage.ScheduleItem{}, err
	}
	e.publishItem("item.created", it.ID, it.OwnerID)
	return it, nil
}

// GetItem returns one item. Owner and assignee may read it.
func (e *Engine) GetItem(ctx context.Context, id, actorID string) (storage.ScheduleItem, error) {
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		return storage.ScheduleItem{}, err
	}
	if !canSee(it, actorID) {
		return storage.ScheduleItem{}, fmt.Errorf("%w: item %s", ErrForbidden, id)
	}
	return it, nil
}

// ListItems returns an owner's items overlapping [from, to], ordered by
// start. A zero from means everything; a zero to stops at the engine's
// expand horizon past now. limit <= 0 defaults to 100.
func (e *Engine) ListItems(ctx context.Context, ownerID, actorID string, from, to time.Time, limit int) ([]storage.ScheduleItem, error) {
	if actorID != ownerID {
		return nil, fmt.Errorf("%w: listing another owner's items", ErrForbidden)
	}
	if to.IsZero() {
		to = e.now().UTC().Add(e.horizon)
	}
	if limit <= 0 {
		limit = 100
	}
	return e.store.ListItemsByOwner(ctx, ownerID, from.UTC(), to.UTC(), limit)
}

// SetItemDone marks an item complete or reopens it. Owner and assignee
// may both do this.
func (e *Engine) SetItemDone(ctx context.Context, id, actorID string, done bool) error {
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if !canSee(it, actorID) {
		return fmt.Errorf("%w: item %s", ErrForbidden, id)
	}
	if err := e.store.SetItemDone(ctx, id, done, e.now().UTC().Truncate(time.Second)); err != nil {
		return err
	}
	typ := "item.done"
	if !done {
		typ = "item.reopened"
	}
	e.publishItem(typ, it.ID, it.OwnerID)
	return nil
}

// RescheduleItem moves an item's start and end. Moving a materialized
// occurrence frees its original slot for regeneration; use an exception
// to actually skip a day.
func (e *Engine) RescheduleItem(ctx context.Context, id, actorID string, startsAt time.Time, endsAt *time.Time) (storage.ScheduleItem, error) {
	if startsAt.IsZero() {
		return storage.ScheduleItem{}, fmt.Errorf("%w: start instant is required", ErrInvalidItem)
	}
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		return storage.ScheduleItem{}, err
	}
	if it.OwnerID != actorID {
		return storage.ScheduleItem{}, fmt.Errorf("%w: item %s", ErrForbidden, id)
	}

	start := startsAt.UTC().Truncate(time.Second)
	var end *time.Time
	if endsAt != nil {
		v := endsAt.UTC().Truncate(time.Second)
		if v.Before(start) {
			return storage.ScheduleItem{}, fmt.Errorf("%w: end precedes start", ErrInvalidItem)
		}
		end = &v
	}

	now := e.now().UTC().Truncate(time.Second)
	if err := e.store.UpdateItemWindow(ctx, id, start, end, now); err != nil {
		return storage.ScheduleItem{}, err
	}
	it.StartsAt = start
	it.EndsAt = end
	it.UpdatedAt = now
	e.publishItem("item.rescheduled", it.ID, it.OwnerID)
	return it, nil
}

// DeleteItem removes one item. Only the owner may delete.
func (e *Engine) DeleteItem(ctx context.Context, id, actorID string) error {
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if it.OwnerID != actorID {
		return fmt.Errorf("%w: item %s", ErrForbidden, id)
	}
	if err := e.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	e.publishItem("item.deleted", it.ID, it.OwnerID)
	return nil
}

func canSee(it storage.ScheduleItem, actor string) bool {
	return actor == it.OwnerID || (it.AssigneeID != "" && actor == it.AssigneeID)
}
