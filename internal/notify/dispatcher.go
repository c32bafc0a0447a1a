package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"workyard/internal/eventbus"
	rtsup "workyard/internal/runtime/supervisor"
	"workyard/internal/storage"
	logx "workyard/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

type job struct {
	e Event
	// dedupKey is computed at dispatch time for cheap per-worker processing.
	dedupKey string
}

// Dispatcher implements an async reminder pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log       logx.Logger
	transport Transport
	bus       eventbus.Bus
	store     storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, transport Transport, log logx.Logger, bus eventbus.Bus, store storage.Store) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		transport: transport,
		log:       log,
		bus:       bus,
		store:     store,
		dedup:     map[string]time.Time{},
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	en := d.cfg.Enabled
	d.mu.Unlock()
	return en
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	d.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	// Optional persistent dedup writes.
	if d.cfg.PersistDedup && d.store != nil {
		d.persistCh = make(chan dedupWrite, 1024)
	}

	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "notify"))),
		// Reminder failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	pch := d.persistCh
	st := d.store
	d.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			d.persistLoop(c, pch, st)
			// Clean exits happen on shutdown.
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			d.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q := d.queue
	pch := d.persistCh
	sup := d.sup
	// If not running, nothing to do.
	if q == nil {
		d.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	d.stopDone = done
	// Block new dispatches.
	d.accepting = false
	d.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight dispatches to finish, then close the queue so workers can drain.
		d.sendWG.Wait()
		if pch != nil {
			func() {
				defer func() { _ = recover() }()
				close(pch)
			}()
		}
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		d.mu.Lock()
		d.queue = nil
		d.persistCh = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

// Dispatch queues one reminder. It never blocks on delivery: a full
// queue is reported as ErrQueueFull and the event is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	// Capture current config snapshot for dedup computation.
	dedupWindow := d.cfg.DedupWindow
	dedupMax := d.cfg.DedupMaxEntries
	persistDedup := d.cfg.PersistDedup
	st := d.store
	pch := d.persistCh
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	// Build dedup key and apply suppression.
	key := dedupKey(e)
	if dedupWindow > 0 && key != "" {
		if !d.dedupAllow(ctx, key, dedupWindow, dedupMax, persistDedup, st, pch) {
			d.publish("notify.deduped", e, key, "")
			return nil
		}
	}

	d.publish("notify.queued", e, key, "")

	select {
	case q <- job{e: e, dedupKey: key}:
		return nil
	default:
		d.publish("notify.dropped", e, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (d *Dispatcher) publish(typ string, e Event, key, errText string) {
	if d.bus == nil {
		return
	}
	now := time.Now()
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: DeliveryEvent{
		RecipientID: e.RecipientID,
		ItemID:      e.ItemID,
		Key:         key,
		At:          now,
		Error:       errText,
	}})
}

func (d *Dispatcher) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.deliverWithRetry(ctx, j)
		}
	}
}

func (d *Dispatcher) deliverWithRetry(runCtx context.Context, j job) {
	// config snapshot for this delivery
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	tr := d.transport
	log := d.log
	d.mu.Unlock()

	if tr == nil {
		return
	}

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			wctx := runCtx
			if wctx == nil {
				wctx = context.Background()
			}
			if err := lim.Wait(wctx); err != nil {
				return
			}
		}

		// Bound per-delivery call. Keep tight to avoid hanging workers.
		callCtx := runCtx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, 10*time.Second)
		err := tr.Deliver(callCtx, j.e)
		cancel()
		if err == nil {
			d.publish("notify.sent", j.e, j.dedupKey, "")
			return
		}
		lastErr = err
		log.Debug("reminder delivery failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		d.publish("notify.failed", j.e, j.dedupKey, lastErr.Error())
	}
}

// dedupKey identifies a reminder by who gets it and which occurrence it
// is about. The item id stays out on purpose: regenerating future items
// after a rule edit re-creates the same occurrence under a fresh id,
// and the recipient should not be pinged twice for it.
func dedupKey(e Event) string {
	// Without a recipient there is nothing to suppress against.
	if e.RecipientID == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.RecipientID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d|", e.At.UTC().Unix())))
	_, _ = h.Write([]byte(e.Title))
	return fmt.Sprintf("%x", h.Sum64())
}

func (d *Dispatcher) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	d.dmu.Lock()
	if d.dedup == nil {
		d.dedup = map[string]time.Time{}
	}
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		d.dmu.Unlock()
		return false
	}
	d.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.dmu.Lock()
			d.dedup[key] = until
			d.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	d.dmu.Lock()
	d.dedup[key] = until

	// Prune expired and cap.
	for k, u := range d.dedup {
		if !now.Before(u) {
			delete(d.dedup, k)
		}
	}
	if max > 0 && len(d.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		for len(d.dedup) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, u := range d.dedup {
				if !set || u.Before(minT) {
					minKey, minT, set = k, u, true
				}
			}
			if minKey == "" {
				break
			}
			delete(d.dedup, minKey)
		}
	}
	d.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
