package recurrence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func weeklyMondays(t *testing.T, count int) string {
	t.Helper()
	s, err := Normalize("", Patch{
		Frequency:  "weekly",
		Start:      &monday,
		ByWeekdays: []string{"mo"},
		Count:      count,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return s
}

func nthMonday(n int) time.Time {
	return monday.AddDate(0, 0, 7*(n-1))
}

func exdays(ts ...time.Time) map[string]struct{} {
	out := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		out[DayOf(t)] = struct{}{}
	}
	return out
}

func assertInstants(t *testing.T, got, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d instants %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExpandWeeklyCount(t *testing.T) {
	t.Parallel()

	got, err := Expand(context.Background(), weeklyMondays(t, 4), nil, Window{Start: monday})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	assertInstants(t, got, []time.Time{nthMonday(1), nthMonday(2), nthMonday(3), nthMonday(4)})
}

func TestExpandExclusionShiftsTail(t *testing.T) {
	t.Parallel()

	// Excluding the second Monday must not shrink a count-bounded set:
	// the budget is spent on surviving occurrences only.
	exc := exdays(nthMonday(2))
	got, err := Expand(context.Background(), weeklyMondays(t, 4), exc, Window{Start: monday, Count: 4})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	assertInstants(t, got, []time.Time{nthMonday(1), nthMonday(3), nthMonday(4), nthMonday(5)})
}

func TestExpandWindowInclusiveBounds(t *testing.T) {
	t.Parallel()

	rule := weeklyMondays(t, 0)
	got, err := Expand(context.Background(), rule, nil, Window{Start: nthMonday(2), End: nthMonday(4)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	assertInstants(t, got, []time.Time{nthMonday(2), nthMonday(3), nthMonday(4)})
}

func TestExpandRuleBudgetSpentBeforeWindow(t *testing.T) {
	t.Parallel()

	// A rule bounded at two occurrences has nothing left for a window
	// that opens after them.
	got, err := Expand(context.Background(), weeklyMondays(t, 2), nil, Window{Start: nthMonday(3)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestExpandStartAfterWindowEnd(t *testing.T) {
	t.Parallel()

	late := monday.AddDate(1, 0, 0)
	rule, err := Normalize("", Patch{Frequency: "daily", Start: &late})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got, err := Expand(context.Background(), rule, nil, Window{Start: monday, End: monday.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestExpandDefaultHorizon(t *testing.T) {
	t.Parallel()

	rule, err := Normalize("", Patch{Frequency: "daily", Start: &monday})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got, err := Expand(context.Background(), rule, nil, Window{Start: monday})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(got) != 91 {
		t.Fatalf("len = %d, want 91 daily instants across the default horizon", len(got))
	}
	if last := got[len(got)-1]; !last.Equal(monday.Add(DefaultHorizon)) {
		t.Fatalf("last = %v, want %v", last, monday.Add(DefaultHorizon))
	}
}

func TestExpandMonthlyLastWorkday(t *testing.T) {
	t.Parallel()

	rule, err := Normalize("", Patch{
		Frequency:  "monthly",
		Start:      &monday,
		ByWeekdays: []string{"mo", "tu", "we", "th", "fr"},
		BySetPos:   []int{-1},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got, err := Expand(context.Background(), rule, nil, Window{Start: monday, Count: 3})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	assertInstants(t, got, []time.Time{
		time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 29, 9, 0, 0, 0, time.UTC),
	})
}

func TestExpandMonthlyByMonthDay(t *testing.T) {
	t.Parallel()

	rule, err := Normalize("", Patch{
		Frequency:   "monthly",
		Start:       &monday,
		ByMonthDays: []int{1, 15},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got, err := Expand(context.Background(), rule, nil, Window{Start: monday, Count: 4})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	assertInstants(t, got, []time.Time{
		time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 15, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	})
}

func TestExpandDeterministic(t *testing.T) {
	t.Parallel()

	rule := weeklyMondays(t, 10)
	exc := exdays(nthMonday(3), nthMonday(7))
	w := Window{Start: monday, Count: 6}

	first, err := Expand(context.Background(), rule, exc, w)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	second, err := Expand(context.Background(), rule, exc, w)
	if err != nil {
		t.Fatalf("Expand again: %v", err)
	}
	assertInstants(t, second, first)
}

func TestExpandCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Expand(ctx, weeklyMondays(t, 4), nil, Window{Start: monday}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expand err = %v, want context.Canceled", err)
	}
}

func TestExpandInvalidRule(t *testing.T) {
	t.Parallel()

	if _, err := Expand(context.Background(), "nonsense", nil, Window{Start: monday}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Expand err = %v, want ErrInvalidRule", err)
	}
}

func TestNextStrictlyAfter(t *testing.T) {
	t.Parallel()

	rule := weeklyMondays(t, 4)
	got, ok, err := Next(context.Background(), rule, nil, nthMonday(1))
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v, %v), want hit", got, ok, err)
	}
	if !got.Equal(nthMonday(2)) {
		t.Fatalf("Next = %v, want %v", got, nthMonday(2))
	}
}

func TestNextSkipsExcludedDays(t *testing.T) {
	t.Parallel()

	rule := weeklyMondays(t, 4)
	exc := exdays(nthMonday(2))
	got, ok, err := Next(context.Background(), rule, exc, nthMonday(1))
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v, %v), want hit", got, ok, err)
	}
	if !got.Equal(nthMonday(3)) {
		t.Fatalf("Next = %v, want %v", got, nthMonday(3))
	}
}

func TestNextExhausted(t *testing.T) {
	t.Parallel()

	rule := weeklyMondays(t, 4)
	if _, ok, err := Next(context.Background(), rule, nil, nthMonday(4)); err != nil || ok {
		t.Fatalf("Next = (ok=%v, err=%v), want exhausted", ok, err)
	}

	// With an exclusion the budget stretches one Monday further.
	exc := exdays(nthMonday(2))
	got, ok, err := Next(context.Background(), rule, exc, nthMonday(4))
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v, %v), want hit", got, ok, err)
	}
	if !got.Equal(nthMonday(5)) {
		t.Fatalf("Next = %v, want %v", got, nthMonday(5))
	}
}
