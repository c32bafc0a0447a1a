// Package recurrence converts declarative recurrence fields to and from
// a canonical rule string and expands rules into concrete instants.
//
// Canonical rule strings are RFC 5545 style, two lines, anchored in UTC:
//
//	DTSTART:20260302T090000Z
//	RRULE:FREQ=WEEKLY;INTERVAL=1;COUNT=4;BYDAY=MO
//
// Encoding a decoded canonical string reproduces it byte for byte.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	rrule "github.com/teambition/rrule-go"
)

// ErrInvalidRule reports malformed or contradictory recurrence fields.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

var frequencies = map[string]rrule.Frequency{
	"daily":   rrule.DAILY,
	"weekly":  rrule.WEEKLY,
	"monthly": rrule.MONTHLY,
	"yearly":  rrule.YEARLY,
}

var frequencyTokens = map[rrule.Frequency]string{
	rrule.DAILY:   "daily",
	rrule.WEEKLY:  "weekly",
	rrule.MONTHLY: "monthly",
	rrule.YEARLY:  "yearly",
}

var weekdays = map[string]rrule.Weekday{
	"mo": rrule.MO,
	"tu": rrule.TU,
	"we": rrule.WE,
	"th": rrule.TH,
	"fr": rrule.FR,
	"sa": rrule.SA,
	"su": rrule.SU,
}

// Indexed by rrule.Weekday.Day(), Monday first.
var weekdayTokens = [...]string{"mo", "tu", "we", "th", "fr", "sa", "su"}

// Options is the decoded, typed form of a canonical rule string. The
// zero value is not a valid rule: Frequency and Start are required.
type Options struct {
	// Frequency is one of "daily", "weekly", "monthly" or "yearly".
	Frequency string

	// Interval is the step between occurrences in units of Frequency.
	// Zero encodes as 1.
	Interval int

	// Start anchors the rule, UTC at second precision.
	Start time.Time

	// Until is the inclusive end instant. Mutually exclusive with
	// Count.
	Until time.Time

	// Count caps how many occurrences the rule produces. The budget is
	// spent after exception filtering, so excluding an occurrence
	// shifts the tail outward instead of shrinking the set.
	Count int

	// ByWeekdays restricts occurrences to the named weekdays, "mo"
	// through "su".
	ByWeekdays []string

	// ByMonthDays restricts occurrences to days of the month, 1..31 or
	// -31..-1 counting back from the last day.
	ByMonthDays []int

	// BySetPos selects the nth matching occurrence inside each
	// interval, -366..366 excluding zero.
	BySetPos []int
}

// Patch is a partial set of recurrence fields applied on top of an
// existing rule. Zero-valued fields keep whatever the existing rule
// holds; a non-nil empty list clears the matching constraint. When Rule
// is set it replaces the whole rule and every other field is ignored.
type Patch struct {
	Frequency   string
	Interval    int
	Start       *time.Time
	Until       *time.Time
	Count       int
	ByWeekdays  []string
	ByMonthDays []int
	BySetPos    []int

	// Rule is a raw canonical rule string used verbatim.
	Rule string
}

// Normalize merges p onto the decoded form of existing and returns the
// canonical encoding of the result. An empty existing starts from a
// blank rule, in which case p must carry at least a frequency and a
// start instant.
func Normalize(existing string, p Patch) (string, error) {
	if p.Rule != "" {
		o, err := Decode(p.Rule)
		if err != nil {
			return "", err
		}
		return Encode(o)
	}

	var o Options
	if existing != "" {
		var err error
		o, err = Decode(existing)
		if err != nil {
			return "", err
		}
	}

	if p.Frequency != "" {
		o.Frequency = strings.ToLower(p.Frequency)
	}
	if p.Interval != 0 {
		o.Interval = p.Interval
	}
	if p.Start != nil {
		o.Start = p.Start.UTC().Truncate(time.Second)
	}

	// Exactly one termination mode survives a patch: an explicit count
	// beats an until supplied alongside it.
	switch {
	case p.Count != 0:
		o.Count = p.Count
		o.Until = time.Time{}
	case p.Until != nil:
		o.Until = p.Until.UTC().Truncate(time.Second)
		o.Count = 0
	}

	if p.ByWeekdays != nil {
		o.ByWeekdays = p.ByWeekdays
	}
	if p.ByMonthDays != nil {
		o.ByMonthDays = p.ByMonthDays
	}
	if p.BySetPos != nil {
		o.BySetPos = p.BySetPos
	}

	return Encode(o)
}

// Decode parses a canonical rule string into Options. Rules produced by
// Encode always carry a DTSTART line; anything without one is rejected
// so that expansion never falls back to an implicit anchor.
func Decode(rule string) (Options, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if opt.Dtstart.IsZero() {
		return Options{}, fmt.Errorf("%w: missing DTSTART", ErrInvalidRule)
	}
	return fromROption(opt)
}

// Encode validates o and returns its canonical string form. List fields
// are deduplicated and sorted so equal option sets encode equally.
func Encode(o Options) (string, error) {
	opt, err := toROption(o)
	if err != nil {
		return "", err
	}
	if _, err := rrule.NewRRule(*opt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return opt.String(), nil
}

func fromROption(opt *rrule.ROption) (Options, error) {
	tok, ok := frequencyTokens[opt.Freq]
	if !ok {
		return Options{}, fmt.Errorf("%w: unsupported frequency %v", ErrInvalidRule, opt.Freq)
	}
	if opt.Wkst.Day() != 0 {
		return Options{}, fmt.Errorf("%w: WKST is not supported", ErrInvalidRule)
	}
	for _, u := range []struct {
		name string
		vals []int
	}{
		{"BYMONTH", opt.Bymonth},
		{"BYYEARDAY", opt.Byyearday},
		{"BYWEEKNO", opt.Byweekno},
		{"BYHOUR", opt.Byhour},
		{"BYMINUTE", opt.Byminute},
		{"BYSECOND", opt.Bysecond},
		{"BYEASTER", opt.Byeaster},
	} {
		if len(u.vals) > 0 {
			return Options{}, fmt.Errorf("%w: %s is not supported", ErrInvalidRule, u.name)
		}
	}

	o := Options{
		Frequency:   tok,
		Interval:    opt.Interval,
		Start:       opt.Dtstart.UTC().Truncate(time.Second),
		Count:       opt.Count,
		ByMonthDays: append([]int(nil), opt.Bymonthday...),
		BySetPos:    append([]int(nil), opt.Bysetpos...),
	}
	if !opt.Until.IsZero() {
		o.Until = opt.Until.UTC().Truncate(time.Second)
	}
	for _, wd := range opt.Byweekday {
		if wd.N() != 0 {
			return Options{}, fmt.Errorf("%w: ordinal weekdays are not supported", ErrInvalidRule)
		}
		o.ByWeekdays = append(o.ByWeekdays, weekdayTokens[wd.Day()])
	}
	return o, nil
}

func toROption(o Options) (*rrule.ROption, error) {
	f, ok := frequencies[o.Frequency]
	if !ok {
		if o.Frequency == "" {
			return nil, fmt.Errorf("%w: frequency is required", ErrInvalidRule)
		}
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, o.Frequency)
	}
	if o.Start.IsZero() {
		return nil, fmt.Errorf("%w: start instant is required", ErrInvalidRule)
	}
	if o.Interval < 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidRule, o.Interval)
	}
	if o.Count < 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidRule, o.Count)
	}
	if o.Count > 0 && !o.Until.IsZero() {
		return nil, fmt.Errorf("%w: COUNT and UNTIL are mutually exclusive", ErrInvalidRule)
	}

	interval := o.Interval
	if interval == 0 {
		interval = 1
	}
	wds, err := parseWeekdays(o.ByWeekdays)
	if err != nil {
		return nil, err
	}
	mds, err := checkMonthDays(o.ByMonthDays)
	if err != nil {
		return nil, err
	}
	sps, err := checkSetPos(o.BySetPos)
	if err != nil {
		return nil, err
	}

	opt := &rrule.ROption{
		Freq:       f,
		Interval:   interval,
		Dtstart:    o.Start.UTC().Truncate(time.Second),
		Count:      o.Count,
		Byweekday:  wds,
		Bymonthday: mds,
		Bysetpos:   sps,
	}
	if !o.Until.IsZero() {
		opt.Until = o.Until.UTC().Truncate(time.Second)
	}
	return opt, nil
}

// parseWeekdays maps weekday tokens to their RFC 5545 form, dropping
// duplicates and ordering Monday first so equal inputs encode equally.
func parseWeekdays(tokens []string) ([]rrule.Weekday, error) {
	out := make([]rrule.Weekday, 0, len(tokens))
	seen := make(map[int]bool, len(tokens))
	for _, tok := range tokens {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(tok))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRule, tok)
		}
		if seen[wd.Day()] {
			continue
		}
		seen[wd.Day()] = true
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day() < out[j].Day() })
	return out, nil
}

func checkMonthDays(days []int) ([]int, error) {
	out := make([]int, 0, len(days))
	seen := make(map[int]bool, len(days))
	for _, d := range days {
		if d == 0 || d < -31 || d > 31 {
			return nil, fmt.Errorf("%w: month day %d out of range", ErrInvalidRule, d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

func checkSetPos(positions []int) ([]int, error) {
	out := make([]int, 0, len(positions))
	seen := make(map[int]bool, len(positions))
	for _, p := range positions {
		if p == 0 || p < -366 || p > 366 {
			return nil, fmt.Errorf("%w: set position %d out of range", ErrInvalidRule, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
