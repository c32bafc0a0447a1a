package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"workyard/internal/storage"
)

func adHocParams() CreateItemParams {
	return CreateItemParams{
		OwnerID:    "cust-1",
		ActorID:    "cust-1",
		AssigneeID: "prov-1",
		Title:      "Gutter check",
		StartsAt:   monday.AddDate(0, 0, 3),
	}
}

func TestCreateItemAndVisibility(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	it, err := eng.CreateItem(ctx, adHocParams())
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if it.PatternID != "" {
		t.Fatalf("PatternID = %q, want empty for ad hoc items", it.PatternID)
	}

	for _, actor := range []string{"cust-1", "prov-1"} {
		got, err := eng.GetItem(ctx, it.ID, actor)
		if err != nil {
			t.Fatalf("GetItem as %s: %v", actor, err)
		}
		if got.ID != it.ID {
			t.Fatalf("item id = %q, want %q", got.ID, it.ID)
		}
	}
	if _, err := eng.GetItem(ctx, it.ID, "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("GetItem error = %v, want %v", err, ErrForbidden)
	}
	if _, err := eng.GetItem(ctx, "nope", "cust-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetItem error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestCreateItemRejects(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	early := monday.Add(-time.Hour)
	tests := []struct {
		name    string
		mutate  func(*CreateItemParams)
		wantErr error
	}{
		{
			name:    "actor is not the owner",
			mutate:  func(p *CreateItemParams) { p.ActorID = "prov-1" },
			wantErr: ErrForbidden,
		},
		{
			name:    "missing title",
			mutate:  func(p *CreateItemParams) { p.Title = "" },
			wantErr: ErrInvalidItem,
		},
		{
			name:    "missing start",
			mutate:  func(p *CreateItemParams) { p.StartsAt = time.Time{} },
			wantErr: ErrInvalidItem,
		},
		{
			name:    "end precedes start",
			mutate:  func(p *CreateItemParams) { p.EndsAt = &early },
			wantErr: ErrInvalidItem,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := adHocParams()
			tt.mutate(&p)
			if _, err := eng.CreateItem(ctx, p); !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateItem error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetItemDone(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it, err := eng.CreateItem(ctx, adHocParams())
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	// The assignee completes the visit.
	if err := eng.SetItemDone(ctx, it.ID, "prov-1", true); err != nil {
		t.Fatalf("SetItemDone: %v", err)
	}
	got, err := st.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !got.Done {
		t.Fatal("item not marked done")
	}

	// The owner reopens it.
	if err := eng.SetItemDone(ctx, it.ID, "cust-1", false); err != nil {
		t.Fatalf("SetItemDone: %v", err)
	}
	got, err = st.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Done {
		t.Fatal("item still done after reopen")
	}

	if err := eng.SetItemDone(ctx, it.ID, "stranger", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("SetItemDone error = %v, want %v", err, ErrForbidden)
	}
	if err := eng.SetItemDone(ctx, "nope", "cust-1", true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SetItemDone error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestRescheduleItem(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it, err := eng.CreateItem(ctx, adHocParams())
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	start := it.StartsAt.Add(48 * time.Hour)
	end := start.Add(time.Hour)
	moved, err := eng.RescheduleItem(ctx, it.ID, "cust-1", start, &end)
	if err != nil {
		t.Fatalf("RescheduleItem: %v", err)
	}
	if !moved.StartsAt.Equal(start) {
		t.Fatalf("StartsAt = %v, want %v", moved.StartsAt, start)
	}
	if moved.EndsAt == nil || !moved.EndsAt.Equal(end) {
		t.Fatalf("EndsAt = %v, want %v", moved.EndsAt, end)
	}

	stored, err := st.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !stored.StartsAt.Equal(start) {
		t.Fatalf("stored StartsAt = %v, want %v", stored.StartsAt, start)
	}

	// Only the owner may move an item; the assignee cannot.
	if _, err := eng.RescheduleItem(ctx, it.ID, "prov-1", start.Add(time.Hour), nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("RescheduleItem error = %v, want %v", err, ErrForbidden)
	}

	bad := start.Add(-time.Hour)
	if _, err := eng.RescheduleItem(ctx, it.ID, "cust-1", start, &bad); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("RescheduleItem error = %v, want %v", err, ErrInvalidItem)
	}
	if _, err := eng.RescheduleItem(ctx, it.ID, "cust-1", time.Time{}, nil); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("RescheduleItem error = %v, want %v", err, ErrInvalidItem)
	}
}

func TestDeleteItem(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	it, err := eng.CreateItem(ctx, adHocParams())
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	if err := eng.DeleteItem(ctx, it.ID, "prov-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("DeleteItem error = %v, want %v", err, ErrForbidden)
	}
	if err := eng.DeleteItem(ctx, it.ID, "cust-1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, err := eng.GetItem(ctx, it.ID, "cust-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetItem error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListItemsWindow(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := adHocParams()
		p.StartsAt = mondayN(i + 1)
		if _, err := eng.CreateItem(ctx, p); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	got, err := eng.ListItems(ctx, "cust-1", "cust-1", mondayN(1), mondayN(2), 0)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	assertInstants(t, startsOf(got), mondayN(1), mondayN(2))

	// Zero bounds default to everything up to the engine horizon.
	got, err = eng.ListItems(ctx, "cust-1", "cust-1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	assertInstants(t, startsOf(got), mondayN(1), mondayN(2), mondayN(3))

	got, err = eng.ListItems(ctx, "cust-1", "cust-1", time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("item count = %d, want 2 with limit", len(got))
	}

	if _, err := eng.ListItems(ctx, "cust-1", "prov-1", time.Time{}, time.Time{}, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ListItems error = %v, want %v", err, ErrForbidden)
	}
}
