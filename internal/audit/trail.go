package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/metrics"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

const (
	DefaultQueueSize         = 1024
	DefaultBacklogSize       = 10000
	DefaultWriteTimeout      = 2 * time.Second
	DefaultReconcileSchedule = "@every 1m"
)

// Config tunes the trail's queue, backlog and write timeout.
type Config struct {
	QueueSize         int
	BacklogSize       int
	WriteTimeout      time.Duration
	ReconcileSchedule string
}

// Trail writes audit entries to a Store without ever failing or stalling
// the caller. Entries that cannot be written are kept in a bounded backlog
// and retried by Reconcile.
type Trail struct {
	store Store
	log   *logger.Logger
	cfg   Config
	now   func() time.Time

	queue   chan Entry
	mu      sync.RWMutex
	stopped bool
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64

	backlogMu sync.Mutex
	backlog   []Entry

	cron *cron.Cron

	subsMu  sync.Mutex
	subs    map[int]chan Entry
	nextSub int
}

// NewTrail builds a trail over store. Call Start to run the background
// worker and reconciler.
func NewTrail(store Store, log *logger.Logger, cfg Config) *Trail {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = DefaultBacklogSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Trail{
		store: store,
		log:   log.Component("audit"),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		queue: make(chan Entry, cfg.QueueSize),
	}
}

// Start launches the async writer and, when a schedule is configured, the
// cron-driven reconciler.
func (t *Trail) Start() error {
	if t == nil {
		return nil
	}
	var err error
	t.once.Do(func() {
		if t.cfg.ReconcileSchedule != "" {
			c := cron.New()
			if _, err = c.AddFunc(t.cfg.ReconcileSchedule, t.reconcileJob); err != nil {
				err = fmt.Errorf("audit reconcile schedule %q: %w", t.cfg.ReconcileSchedule, err)
				return
			}
			c.Start()
			t.cron = c
		}
		t.wg.Add(1)
		go t.run()
	})
	return err
}

// Stop drains the queue and stops the reconciler.
func (t *Trail) Stop(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.queue)
	t.mu.Unlock()
	t.closeSubscribers()

	if t.cron != nil {
		<-t.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit stop: %w", ctx.Err())
	}
}

// Dropped returns how many entries were discarded.
func (t *Trail) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Backlog returns the number of entries awaiting reconciliation.
func (t *Trail) Backlog() int {
	if t == nil {
		return 0
	}
	t.backlogMu.Lock()
	defer t.backlogMu.Unlock()
	return len(t.backlog)
}

func (t *Trail) prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	e.Parameters = Sanitize(e.Parameters)
	return e
}

// Append writes e synchronously, bounded by the write timeout. It returns
// false when the store rejected the write; the entry is then kept for
// reconciliation.
func (t *Trail) Append(ctx context.Context, e Entry) bool {
	if t == nil {
		return false
	}
	e = t.prepare(e)
	t.publish(e)
	ok := t.write(ctx, e) == nil
	metrics.RecordAuditWrite("sync", ok)
	if !ok {
		t.keep(e)
	}
	return ok
}

// Enqueue hands e to the background writer. It never blocks; entries are
// dropped and counted when the queue is full or the trail is stopped.
func (t *Trail) Enqueue(e Entry) bool {
	if t == nil {
		return false
	}
	e = t.prepare(e)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped {
		t.drop(e, "trail stopped")
		return false
	}
	select {
	case t.queue <- e:
		t.publish(e)
		return true
	default:
		t.drop(e, "queue full")
		return false
	}
}

// Query returns entries matching f, most recent first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if t == nil || t.store == nil {
		return nil, nil
	}
	if f.EventType != "" && !f.EventType.Valid() {
		return nil, svcerrors.InvalidArgument("unknown audit event type %q", f.EventType)
	}
	entries, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, svcerrors.StoreUnavailable(err)
	}
	return entries, nil
}

// Reconcile retries backlog entries in order and returns how many were
// written. Entries that still fail stay in the backlog.
func (t *Trail) Reconcile(ctx context.Context) int {
	if t == nil {
		return 0
	}
	t.backlogMu.Lock()
	pending := t.backlog
	t.backlog = nil
	t.backlogMu.Unlock()

	written := 0
	var failed []Entry
	for i, e := range pending {
		if ctx.Err() != nil {
			failed = append(failed, pending[i:]...)
			break
		}
		if err := t.write(ctx, e); err != nil {
			metrics.RecordAuditWrite("reconcile", false)
			failed = append(failed, e)
			continue
		}
		metrics.RecordAuditWrite("reconcile", true)
		written++
	}

	if len(failed) > 0 {
		t.backlogMu.Lock()
		t.backlog = append(failed, t.backlog...)
		t.trimBacklogLocked()
		t.backlogMu.Unlock()
	}
	metrics.SetAuditBacklog(t.Backlog())
	return written
}

// Subscribe returns a channel receiving every sanitized entry accepted from
// now on, and a function that ends the subscription. Slow subscribers miss
// entries instead of delaying writers. The channel closes on cancel or Stop.
func (t *Trail) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	if t == nil {
		close(ch)
		return ch, func() {}
	}

	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		close(ch)
		return ch, func() {}
	}

	t.subsMu.Lock()
	if t.subs == nil {
		t.subs = make(map[int]chan Entry)
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
			t.subsMu.Unlock()
		})
	}
}

func (t *Trail) publish(e Entry) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (t *Trail) closeSubscribers() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (t *Trail) reconcileJob() {
	if t.Backlog() == 0 {
		return
	}
	n := t.Reconcile(context.Background())
	t.log.WithField("written", n).WithField("remaining", t.Backlog()).Info("audit backlog reconciled")
}

func (t *Trail) run() {
	defer t.wg.Done()
	for e := range t.queue {
		ok := t.write(context.Background(), e) == nil
		metrics.RecordAuditWrite("async", ok)
		if !ok {
			t.keep(e)
		}
	}
}

// write performs one bounded store insert. Store panics are converted to
// errors.
func (t *Trail) write(ctx context.Context, e Entry) (err error) {
	if t.store == nil {
		return svcerrors.New(svcerrors.CodeAuditWriteFailed, "no audit store configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit store panic: %v", r)
		}
	}()
	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err = t.store.Insert(wctx, e); err != nil {
		t.log.WithError(err).
			WithField("audit_id", e.ID).
			WithField("event_type", e.EventType).
			Warn("audit write failed")
		return svcerrors.Wrap(svcerrors.CodeAuditWriteFailed, "audit write failed", err)
	}
	return nil
}

func (t *Trail) keep(e Entry) {
	t.backlogMu.Lock()
	t.backlog = append(t.backlog, e)
	t.trimBacklogLocked()
	n := len(t.backlog)
	t.backlogMu.Unlock()
	metrics.SetAuditBacklog(n)
}

// trimBacklogLocked discards the oldest entries beyond the backlog bound.
func (t *Trail) trimBacklogLocked() {
	over := len(t.backlog) - t.cfg.BacklogSize
	if over <= 0 {
		return
	}
	for _, e := range t.backlog[:over] {
		t.drop(e, "backlog full")
	}
	t.backlog = append([]Entry(nil), t.backlog[over:]...)
}

func (t *Trail) drop(e Entry, reason string) {
	t.dropped.Add(1)
	metrics.RecordAuditDropped()
	t.log.WithField("audit_id", e.ID).
		WithField("event_type", e.EventType).
		WithField("reason", reason).
		Error("audit entry dropped")
}
