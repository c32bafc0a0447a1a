package recurrence

import (
	"context"
	"fmt"
	"time"

	rrule "github.com/teambition/rrule-go"
)

// DefaultHorizon bounds an expansion window that has neither an end
// instant nor an item count.
const DefaultHorizon = 90 * 24 * time.Hour

// Window selects which occurrences Expand returns. Start and End are
// inclusive. Count, when positive, caps the number of returned
// instants. A window with a zero End and no Count runs DefaultHorizon
// past Start.
type Window struct {
	Start time.Time
	End   time.Time
	Count int
}

// DayOf is the calendar date of t in UTC, the granularity at which
// exception dates suppress occurrences.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Expand evaluates a canonical rule inside w and returns the ordered,
// deduplicated occurrence instants in UTC at second precision, skipping
// every instant whose calendar date is in exceptions. The output is a
// pure function of the inputs. Occurrences before w.Start still spend
// the rule's COUNT budget, so a window never resets a bounded rule.
func Expand(ctx context.Context, rule string, exceptions map[string]struct{}, w Window) ([]time.Time, error) {
	end := w.End
	if end.IsZero() && w.Count <= 0 {
		end = w.Start.Add(DefaultHorizon)
	}

	var out []time.Time
	err := walk(ctx, rule, exceptions, func(t time.Time) bool {
		if t.Before(w.Start) {
			return true
		}
		if !end.IsZero() && t.After(end) {
			return false
		}
		if n := len(out); n > 0 && !t.After(out[n-1]) {
			return true
		}
		out = append(out, t)
		return w.Count <= 0 || len(out) < w.Count
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Next returns the first rule-valid, non-excluded instant strictly
// after the given instant. ok is false when the rule is exhausted
// before producing one.
func Next(ctx context.Context, rule string, exceptions map[string]struct{}, after time.Time) (time.Time, bool, error) {
	var (
		hit   time.Time
		found bool
	)
	err := walk(ctx, rule, exceptions, func(t time.Time) bool {
		if !t.After(after) {
			return true
		}
		hit, found = t, true
		return false
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return hit, found, nil
}

// walk iterates the rule's non-excluded occurrences in ascending order
// and feeds them to visit until visit returns false or the rule is
// exhausted. The rule's COUNT is applied here, after exception
// filtering, so an excluded occurrence never spends the budget.
// Cancellation is checked between candidates.
func walk(ctx context.Context, rule string, exceptions map[string]struct{}, visit func(time.Time) bool) error {
	o, err := Decode(rule)
	if err != nil {
		return err
	}
	budget := o.Count
	o.Count = 0
	opt, err := toROption(o)
	if err != nil {
		return err
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	counted := 0
	next := r.Iterator()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok := next()
		if !ok {
			return nil
		}
		t = t.UTC().Truncate(time.Second)
		if _, skip := exceptions[DayOf(t)]; skip {
			continue
		}
		if budget > 0 {
			if counted == budget {
				return nil
			}
			counted++
		}
		if !visit(t) {
			return nil
		}
	}
}
