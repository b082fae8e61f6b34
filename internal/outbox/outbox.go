package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lumohealth/agentlink/internal/logger"
)

// pollLadder is the fixed backoff used while the remote holds an idempotency
// lock and keeps answering "pending". With the initial call this allows 7
// commit attempts per flush before the draft is parked for the next cycle.
var pollLadder = []time.Duration{
	600 * time.Millisecond,
	1000 * time.Millisecond,
	1600 * time.Millisecond,
	2600 * time.Millisecond,
	4200 * time.Millisecond,
	6800 * time.Millisecond,
}

// Phase of a commit attempt, reported through the result callback
type Phase string

const (
	PhaseCommitting Phase = "committing"
	PhaseSuccess    Phase = "success"
	PhasePending    Phase = "pending"
	PhaseFailed     Phase = "failed"
)

// Result describes the outcome of one commit attempt for one draft
type Result struct {
	DraftID string
	Phase   Phase
	Summary string
	Err     string
}

// Committer is the remote commit call. *CommitClient implements it; tests
// substitute fakes.
type Committer interface {
	Commit(ctx context.Context, draftID string, payload json.RawMessage, contextText string) (*CommitResponse, error)
}

// Outbox drives the durable queue: enqueue on mutation-tool output, flush
// periodically and after reconnect, commit strictly one draft at a time.
type Outbox struct {
	store     *Store
	committer Committer
	log       *logger.Logger
	ladder    []time.Duration

	mu            sync.Mutex // serializes flushes
	lastCommitted *CommitRecord

	notifyMu sync.Mutex
	notify   func(Result)

	kick chan struct{}
}

// New creates an Outbox over the given store and committer. The last
// committed record is restored from the store so the caller can show the
// most recent sync across restarts.
func New(store *Store, committer Committer, log *logger.Logger) (*Outbox, error) {
	last, err := store.LastCommitted()
	if err != nil {
		return nil, fmt.Errorf("failed to load last committed record: %w", err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Outbox{
		store:         store,
		committer:     committer,
		log:           log.WithPrefix("outbox"),
		ladder:        pollLadder,
		lastCommitted: last,
		kick:          make(chan struct{}, 1),
	}, nil
}

// OnResult registers a callback invoked for every commit phase change.
// Called from the flush goroutine; keep it fast.
func (o *Outbox) OnResult(fn func(Result)) {
	o.notifyMu.Lock()
	o.notify = fn
	o.notifyMu.Unlock()
}

func (o *Outbox) emit(r Result) {
	o.notifyMu.Lock()
	fn := o.notify
	o.notifyMu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// LastCommitted returns the most recent successful commit, or nil
func (o *Outbox) LastCommitted() *CommitRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCommitted
}

// Pending returns the drafts currently queued
func (o *Outbox) Pending() ([]*Draft, error) {
	return o.store.List()
}

// Enqueue durably queues a new draft. Re-enqueueing an existing draft_id is
// a no-op, so a re-delivered tool output after resume cannot duplicate work.
func (o *Outbox) Enqueue(d Draft) error {
	if d.DraftID == "" {
		return fmt.Errorf("outbox: draft without draft_id")
	}
	d.Status = StatusPending
	d.Attempts = 0
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if err := o.store.Insert(&d); err != nil {
		return err
	}
	o.log.Info("queued draft %s (%s)", d.DraftID, d.SummaryText)
	return nil
}

// FlushNow requests an immediate flush from the Run loop
func (o *Outbox) FlushNow() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run flushes the queue every interval and whenever FlushNow is called,
// until the context is cancelled
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.kick:
		}
		if err := o.Flush(ctx); err != nil {
			o.log.Warn("flush aborted: %v", err)
		}
	}
}

// Flush re-attempts every pending or failed draft, strictly sequentially.
// One draft committing at a time avoids contending on the remote
// idempotency lock and bounds load on weak networks.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	drafts, err := o.store.List()
	if err != nil {
		return fmt.Errorf("failed to list drafts: %w", err)
	}

	for _, d := range drafts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.commitDraft(ctx, d)
	}
	return nil
}

// commitDraft runs the commit protocol for one draft: initial call, then
// the poll ladder while the remote reports pending. It is the only code
// that mutates a draft after creation.
func (o *Outbox) commitDraft(ctx context.Context, d *Draft) {
	d.Status = StatusCommitting
	if err := o.store.UpdateStatus(d.DraftID, d.Status, d.Attempts, d.LastError); err != nil {
		o.log.Error("failed to mark draft %s committing: %v", d.DraftID, err)
		return
	}
	o.emit(Result{DraftID: d.DraftID, Phase: PhaseCommitting})

	resp, err := o.committer.Commit(ctx, d.DraftID, d.Payload, d.ContextText)
	d.Attempts++

	for rung := 0; err == nil && resp.Status == RemotePending && rung < len(o.ladder); rung++ {
		select {
		case <-ctx.Done():
			o.parkPending(d)
			return
		case <-time.After(o.ladder[rung]):
		}

		// The draft may have been removed underneath us, e.g. by an
		// overlapping successful snapshot update. Stop polling if so.
		existing, getErr := o.store.Get(d.DraftID)
		if getErr != nil || existing == nil {
			o.log.Info("draft %s removed during poll, abandoning", d.DraftID)
			return
		}

		resp, err = o.committer.Commit(ctx, d.DraftID, d.Payload, d.ContextText)
		d.Attempts++
	}

	switch {
	case err != nil:
		o.fail(d, err.Error())

	case resp.Status == RemoteSuccess:
		if err := o.store.Delete(d.DraftID); err != nil {
			o.log.Error("failed to remove committed draft %s: %v", d.DraftID, err)
			return
		}
		rec := &CommitRecord{DraftID: d.DraftID, Summary: resp.Summary, CommittedAt: time.Now()}
		if err := o.store.SetLastCommitted(rec.DraftID, rec.Summary, rec.CommittedAt); err != nil {
			o.log.Warn("failed to persist last committed record: %v", err)
		}
		o.lastCommitted = rec
		o.log.Info("committed draft %s: %s", d.DraftID, resp.Summary)
		o.emit(Result{DraftID: d.DraftID, Phase: PhaseSuccess, Summary: resp.Summary})

	case resp.Status == RemotePending:
		// Ladder exhausted with the lock still held. Not a failure; the
		// next flush cycle picks it up again.
		o.parkPending(d)

	default:
		reason := resp.Error
		if reason == "" {
			reason = fmt.Sprintf("commit returned status %q", resp.Status)
		}
		o.fail(d, reason)
	}
}

func (o *Outbox) parkPending(d *Draft) {
	d.Status = StatusPending
	if err := o.store.UpdateStatus(d.DraftID, d.Status, d.Attempts, d.LastError); err != nil {
		o.log.Error("failed to park draft %s: %v", d.DraftID, err)
		return
	}
	o.log.Info("draft %s still pending after %d attempts", d.DraftID, d.Attempts)
	o.emit(Result{DraftID: d.DraftID, Phase: PhasePending})
}

func (o *Outbox) fail(d *Draft, reason string) {
	d.Status = StatusFailed
	d.LastError = reason
	if err := o.store.UpdateStatus(d.DraftID, d.Status, d.Attempts, d.LastError); err != nil {
		o.log.Error("failed to mark draft %s failed: %v", d.DraftID, err)
		return
	}
	o.log.Warn("draft %s commit failed (attempt %d): %s", d.DraftID, d.Attempts, reason)
	o.emit(Result{DraftID: d.DraftID, Phase: PhaseFailed, Err: reason})
}

// SetLadder overrides the poll ladder. Used by tests.
func (o *Outbox) SetLadder(ladder []time.Duration) {
	o.ladder = ladder
}
