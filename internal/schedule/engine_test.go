package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"workyard/internal/eventbus"
	"workyard/internal/recurrence"
	"workyard/internal/storage"
	"workyard/pkg/logx"
)

// monday is 2026-03-02T09:00:00Z, a Monday.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// mondayN returns the nth Monday occurrence, 1-based.
func mondayN(n int) time.Time { return monday.AddDate(0, 0, 7*(n-1)) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type hookRec struct {
	mu   sync.Mutex
	got  []storage.ScheduleItem
	fail error
}

func (h *hookRec) OnMaterialized(_ context.Context, it storage.ScheduleItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, it)
	return h.fail
}

func (h *hookRec) items() []storage.ScheduleItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.ScheduleItem(nil), h.got...)
}

// newTestEngine wires an engine against a real sqlite store with a
// frozen clock one hour before the first Monday occurrence.
func newTestEngine(t *testing.T) (*Engine, storage.Store, *fakeClock, *hookRec) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{t: monday.Add(-time.Hour)}
	hook := &hookRec{}
	eng := New(Config{MaterializeBatch: 4}, st, st, hook, logx.Nop(), eventbus.New())
	eng.now = clock.Now
	return eng, st, clock, hook
}

func seedRequest(t *testing.T, st storage.Store) storage.ServiceRequest {
	t.Helper()
	req := storage.ServiceRequest{
		ID:         "req-1",
		CustomerID: "cust-1",
		ProviderID: "prov-1",
		Title:      "Weekly cleaning",
		CreatedAt:  monday.AddDate(0, 0, -1),
		UpdatedAt:  monday.AddDate(0, 0, -1),
	}
	if err := st.CreateServiceRequest(context.Background(), req); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return req
}

func weeklyMondays(count int) recurrence.Patch {
	start := monday
	return recurrence.Patch{
		Frequency:  "weekly",
		Start:      &start,
		Count:      count,
		ByWeekdays: []string{"mo"},
	}
}

func patternItems(t *testing.T, st storage.Store, patternID string) []storage.ScheduleItem {
	t.Helper()
	items, err := st.ListItemsByPattern(context.Background(), patternID)
	if err != nil {
		t.Fatalf("ListItemsByPattern: %v", err)
	}
	return items
}

func startsOf(items []storage.ScheduleItem) []time.Time {
	out := make([]time.Time, len(items))
	for i, it := range items {
		out[i] = it.StartsAt
	}
	return out
}

func assertInstants(t *testing.T, got []time.Time, want ...time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d instants %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("instant[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func drainTypes(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestCreatePatternSeedsBatch(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	ch, unsub := eng.bus.Subscribe(16)
	defer unsub()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(4),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if pat.NextRun != nil {
		t.Fatalf("NextRun = %v, want nil after the count is spent", pat.NextRun)
	}

	items := patternItems(t, st, pat.ID)
	assertInstants(t, startsOf(items), mondayN(1), mondayN(2), mondayN(3), mondayN(4))
	for _, it := range items {
		if it.OwnerID != req.CustomerID || it.AssigneeID != req.ProviderID {
			t.Fatalf("item parties = %s/%s, want %s/%s", it.OwnerID, it.AssigneeID, req.CustomerID, req.ProviderID)
		}
		if it.Title != req.Title {
			t.Fatalf("item title = %q, want %q", it.Title, req.Title)
		}
		if it.PatternID != pat.ID {
			t.Fatalf("item pattern = %q, want %q", it.PatternID, pat.ID)
		}
	}

	types := drainTypes(ch)
	want := []string{"pattern.created", "pattern.materialized", "pattern.exhausted"}
	if len(types) != len(want) {
		t.Fatalf("bus events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("bus events = %v, want %v", types, want)
		}
	}
}

func TestCreatePatternInitialExceptionShiftsTail(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	req := seedRequest(t, st)

	pat, err := eng.CreatePattern(context.Background(), CreatePatternParams{
		RequestID:  req.ID,
		ActorID:    req.CustomerID,
		Rule:       weeklyMondays(4),
		Exceptions: []string{recurrence.DayOf(mondayN(2))},
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}

	// The excluded Monday does not spend the count budget: the four
	// items land on Mondays 1, 3, 4 and 5.
	items := patternItems(t, st, pat.ID)
	assertInstants(t, startsOf(items), mondayN(1), mondayN(3), mondayN(4), mondayN(5))
	if pat.NextRun != nil {
		t.Fatalf("NextRun = %v, want nil", pat.NextRun)
	}
}

func TestCreatePatternUnbounded(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(0),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if pat.NextRun == nil || !pat.NextRun.Equal(mondayN(5)) {
		t.Fatalf("NextRun = %v, want %v", pat.NextRun, mondayN(5))
	}

	stored, err := st.GetPattern(ctx, pat.ID)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if stored.NextRun == nil || !stored.NextRun.Equal(mondayN(5)) {
		t.Fatalf("stored NextRun = %v, want %v", stored.NextRun, mondayN(5))
	}
}

func TestCreatePatternRejects(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	tests := []struct {
		name    string
		params  CreatePatternParams
		wantErr error
	}{
		{
			name: "actor is not the customer",
			params: CreatePatternParams{
				RequestID: req.ID,
				ActorID:   "prov-1",
				Rule:      weeklyMondays(4),
			},
			wantErr: ErrForbidden,
		},
		{
			name: "unknown request",
			params: CreatePatternParams{
				RequestID: "req-missing",
				ActorID:   req.CustomerID,
				Rule:      weeklyMondays(4),
			},
			wantErr: storage.ErrNotFound,
		},
		{
			name: "unusable rule",
			params: CreatePatternParams{
				RequestID: req.ID,
				ActorID:   req.CustomerID,
				Rule:      recurrence.Patch{Frequency: "fortnightly"},
			},
			wantErr: recurrence.ErrInvalidRule,
		},
		{
			name: "bad exception day",
			params: CreatePatternParams{
				RequestID:  req.ID,
				ActorID:    req.CustomerID,
				Rule:       weeklyMondays(4),
				Exceptions: []string{"03/09/2026"},
			},
			wantErr: recurrence.ErrInvalidRule,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.CreatePattern(ctx, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreatePattern error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	t.Parallel()
	eng, st, _, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(0),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}

	res, err := eng.Materialize(ctx, pat.ID, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(res.Created) != 0 || res.Skipped != 4 {
		t.Fatalf("Created/Skipped = %d/%d, want 0/4", len(res.Created), res.Skipped)
	}
	if res.NextRun == nil || !res.NextRun.Equal(mondayN(5)) {
		t.Fatalf("NextRun = %v, want %v", res.NextRun, mondayN(5))
	}
	if got := patternItems(t, st, pat.ID); len(got) != 4 {
		t.Fatalf("item count = %d, want 4", len(got))
	}
}

func TestMaterializeTopsUpAfterTime(t *testing.T) {
	t.Parallel()
	eng, st, clock, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(0),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}

	// One hour past the first occurrence the window slides forward one
	// slot: Mondays 2..4 already exist, Monday 5 is new.
	clock.Advance(2 * time.Hour)
	res, err := eng.Materialize(ctx, pat.ID, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	assertInstants(t, startsOf(res.Created), mondayN(5))
	if res.Skipped != 3 {
		t.Fatalf("Skipped = %d, want 3", res.Skipped)
	}
	if res.NextRun == nil || !res.NextRun.Equal(mondayN(6)) {
		t.Fatalf("NextRun = %v, want %v", res.NextRun, mondayN(6))
	}

	items := patternItems(t, st, pat.ID)
	assertInstants(t, startsOf(items), mondayN(1), mondayN(2), mondayN(3), mondayN(4), mondayN(5))
}

func TestMaterializeCatchesUpFromDuePointer(t *testing.T) {
	t.Parallel()
	eng, st, clock, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(0),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}

	// Jump an hour past the pointer (Monday 5). Expansion anchors on
	// the due pointer, not on now, so Monday 5 is not lost.
	clock.Advance(4*7*24*time.Hour + 2*time.Hour)
	res, err := eng.Materialize(ctx, pat.ID, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	assertInstants(t, startsOf(res.Created), mondayN(5), mondayN(6), mondayN(7), mondayN(8))
	if res.NextRun == nil || !res.NextRun.Equal(mondayN(9)) {
		t.Fatalf("NextRun = %v, want %v", res.NextRun, mondayN(9))
	}
}

func TestMaterializeSpendsCountAcrossBatches(t *testing.T) {
	t.Parallel()
	eng, st, clock, _ := newTestEngine(t)
	req := seedRequest(t, st)
	ctx := context.Background()

	pat, err := eng.CreatePattern(ctx, CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(6),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if pat.NextRun == nil || !pat.NextRun.Equal(mondayN(5)) {
		t.Fatalf("NextRun = %v, want %v", pat.NextRun, mondayN(5))
	}

	clock.Advance(3*7*24*time.Hour + 2*time.Hour) // past Monday 4
	res, err := eng.Materialize(ctx, pat.ID, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	assertInstants(t, startsOf(res.Created), mondayN(5), mondayN(6))
	if res.NextRun != nil {
		t.Fatalf("NextRun = %v, want nil once six occurrences exist", res.NextRun)
	}
	if got := patternItems(t, st, pat.ID); len(got) != 6 {
		t.Fatalf("item count = %d, want 6", len(got))
	}
}

func TestMaterializeHookFailureDoesNotUndo(t *testing.T) {
	t.Parallel()
	eng, st, _, hook := newTestEngine(t)
	req := seedRequest(t, st)
	hook.fail = errors.New("observer down")

	pat, err := eng.CreatePattern(context.Background(), CreatePatternParams{
		RequestID: req.ID,
		ActorID:   req.CustomerID,
		Rule:      weeklyMondays(4),
	})
	if err != nil {
		t.Fatalf("CreatePattern: %v", err)
	}
	if got := len(hook.items()); got != 4 {
		t.Fatalf("hook calls = %d, want 4", got)
	}
	if got := patternItems(t, st, pat.ID); len(got) != 4 {
		t.Fatalf("item count = %d, want 4", len(got))
	}
}

func TestMaterializeMissingPattern(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.Materialize(context.Background(), "no-such-pattern", 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Materialize error = %v, want %v", err, storage.ErrNotFound)
	}
}
