package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workyard/internal/eventbus"
	"workyard/internal/schedule"
	"workyard/internal/storage"
	"workyard/pkg/logx"
)

type fakeLister struct {
	mu  sync.Mutex
	due []storage.RecurrencePattern
	n   int
}

func (f *fakeLister) ListDuePatterns(_ context.Context, _ time.Time, limit int) ([]storage.RecurrencePattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	out := append([]storage.RecurrencePattern(nil), f.due...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLister) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeMaterializer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	res   map[string]schedule.Result
	gate  chan struct{} // when set, Materialize blocks until closed
}

func (f *fakeMaterializer) Materialize(_ context.Context, patternID string, _ int) (schedule.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, patternID)
	gate := f.gate
	fail := f.fail[patternID]
	res := f.res[patternID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		return schedule.Result{}, fail
	}
	return res, nil
}

func (f *fakeMaterializer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func pattern(id string) storage.RecurrencePattern {
	return storage.RecurrencePattern{ID: id, RequestID: "req-1"}
}

func item(at time.Time) storage.ScheduleItem {
	return storage.ScheduleItem{ID: "it-" + at.Format("0102"), StartsAt: at}
}

func TestScanMaterializesDuePatterns(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lister := &fakeLister{due: []storage.RecurrencePattern{pattern("p1"), pattern("p2")}}
	mat := &fakeMaterializer{
		res: map[string]schedule.Result{
			"p1": {Created: []storage.ScheduleItem{item(start), item(start.AddDate(0, 0, 7))}, Skipped: 1},
		},
		fail: map[string]error{"p2": errors.New("rule gone sideways")},
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true}, lister, mat, logx.Nop(), bus)
	s.ScanNow(context.Background())

	got := mat.called()
	if len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Fatalf("materialize calls = %v, want [p1 p2]", got)
	}

	select {
	case ev := <-ch:
		if ev.Type != "driver.scan" {
			t.Fatalf("event type = %q, want driver.scan", ev.Type)
		}
		rep, ok := ev.Data.(ScanReport)
		if !ok {
			t.Fatalf("event data = %T, want ScanReport", ev.Data)
		}
		if rep.Due != 2 || rep.Created != 2 || rep.Skipped != 1 || rep.Failed != 1 {
			t.Fatalf("report = %+v, want due 2 created 2 skipped 1 failed 1", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no scan report on the bus")
	}
}

func TestScanHonorsLimit(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{due: []storage.RecurrencePattern{pattern("p1"), pattern("p2"), pattern("p3")}}
	mat := &fakeMaterializer{}

	s := New(Config{Enabled: true, ScanLimit: 2}, lister, mat, logx.Nop(), nil)
	s.ScanNow(context.Background())

	if got := mat.called(); len(got) != 2 {
		t.Fatalf("materialize calls = %v, want two with ScanLimit 2", got)
	}
}

func TestScanSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{due: []storage.RecurrencePattern{pattern("p1")}}
	mat := &fakeMaterializer{gate: make(chan struct{})}

	s := New(Config{Enabled: true}, lister, mat, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		s.ScanNow(context.Background())
		close(done)
	}()

	// Wait for the first scan to be inside Materialize, then try again.
	deadline := time.After(2 * time.Second)
	for len(mat.called()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first scan never reached the materializer")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.ScanNow(context.Background())

	close(mat.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first scan did not finish")
	}

	if got := mat.called(); len(got) != 1 {
		t.Fatalf("materialize calls = %v, want the overlapping scan skipped", got)
	}
}

func TestScanCanceledContext(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{due: []storage.RecurrencePattern{pattern("p1")}}
	mat := &fakeMaterializer{}

	s := New(Config{Enabled: true}, lister, mat, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.ScanNow(ctx)

	if lister.calls() != 0 {
		t.Fatal("scan ran against a canceled context")
	}
}

func TestStartStopCadence(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{}
	mat := &fakeMaterializer{}

	s := New(Config{Enabled: true, Spec: "@every 25ms"}, lister, mat, logx.Nop(), nil)
	s.Start(context.Background())

	deadline := time.After(3 * time.Second)
	for lister.calls() < 2 {
		select {
		case <-deadline:
			t.Fatalf("scan ran %d times, want at least 2", lister.calls())
		case <-time.After(10 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	settled := lister.calls()
	time.Sleep(100 * time.Millisecond)
	if got := lister.calls(); got != settled {
		t.Fatalf("scan count moved from %d to %d after Stop", settled, got)
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{}
	s := New(Config{Enabled: false, Spec: "@every 10ms"}, lister, &fakeMaterializer{}, logx.Nop(), nil)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	if lister.calls() != 0 {
		t.Fatal("disabled driver still scanned")
	}
	if s.Enabled() {
		t.Fatal("Enabled() = true, want false")
	}
}

func TestApplyChangesLimit(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{due: []storage.RecurrencePattern{pattern("p1"), pattern("p2"), pattern("p3")}}
	mat := &fakeMaterializer{}

	s := New(Config{Enabled: true}, lister, mat, logx.Nop(), nil)
	s.Apply(Config{Enabled: true, ScanLimit: 1})
	s.ScanNow(context.Background())

	if got := mat.called(); len(got) != 1 {
		t.Fatalf("materialize calls = %v, want one after Apply", got)
	}
}
