package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

type Config struct {
	GroupIdle       time.Duration
	ApprovalTimeout time.Duration
	TickInterval    time.Duration
	PublishTimeout  time.Duration
	DefaultCaption  string
}

func (c Config) withDefaults() Config {
	if c.GroupIdle <= 0 {
		c.GroupIdle = 1500 * time.Millisecond
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 2 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Minute
	}
	return c
}

// Deps are the collaborators of Engine. Store and Publisher are required.
type Deps struct {
	Store     storage.Store
	Publisher Publisher
	Notifier  Notifier
	Bus       eventbus.Bus
	Log       logx.Logger
	Slot      *DispatchSlot

	// Release is handed the items of every submission that reached a
	// terminal state, so their local files can be removed.
	Release func([]MediaItem)

	Clock func() time.Time
	NewID func() string
}

type pendingCommit struct {
	submissionID string
	fps          []string
	at           time.Time
}

// Engine owns the live submissions and the timing goroutine.
type Engine struct {
	store     storage.Store
	publisher Publisher
	notifier  Notifier
	bus       eventbus.Bus
	log       logx.Logger
	slot      *DispatchSlot
	release   func([]MediaItem)
	clock     func() time.Time
	newID     func() string
	resolver  Resolver
	agg       *Aggregator

	mu      sync.Mutex
	cfg     Config
	q       *queue
	commits []pendingCommit
	seq     uint64
	closed  bool

	wake chan struct{}
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("relay: publisher is required")
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		store:     deps.Store,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		bus:       deps.Bus,
		log:       deps.Log,
		slot:      deps.Slot,
		release:   deps.Release,
		clock:     deps.Clock,
		newID:     deps.NewID,
		resolver:  Resolver{Published: deps.Store},
		cfg:       cfg,
		q:         newQueue(),
		wake:      make(chan struct{}, 1),
	}
	if e.notifier == nil {
		e.notifier = NotifierFunc(func(context.Context, Notice) {})
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.slot == nil {
		e.slot = NewDispatchSlot()
	}
	if e.release == nil {
		e.release = func([]MediaItem) {}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.agg = NewAggregator(cfg.GroupIdle, e.onGroupTimeout)
	return e, nil
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// Slot exposes the last dispatch record for the query surface.
func (e *Engine) Slot() *DispatchSlot { return e.slot }

// Apply swaps the hot-reloadable settings.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.agg.SetIdle(cfg.GroupIdle)
	e.poke()
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Restore loads persisted live submissions and the dispatch record.
// Submissions that were being published when the process stopped are
// scheduled again and fire on the next tick if due.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.store.LoadSubmissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rec, ok, err := e.store.GetDispatch(ctx); err != nil {
		e.log.Warn("dispatch record load failed", logx.Err(err))
	} else if ok {
		e.slot.Set(DispatchRecord{Ref: rec.Ref, Caption: rec.Caption, SubmissionID: rec.SubmissionID, PublishedAt: rec.PublishedAt})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, rec := range recs {
		var sub Submission
		if err := json.Unmarshal(rec.Payload, &sub); err != nil {
			e.log.Warn("skipping unreadable submission", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		if sub.ID == "" {
			sub.ID = rec.ID
		}
		if sub.State.Terminal() || len(sub.Items) == 0 {
			_ = e.store.DeleteSubmission(ctx, sub.ID)
			continue
		}
		if sub.State == StateCreated {
			sub.State = StateScheduled
		}
		if sub.State == StateAwaitingApproval && sub.Approval == nil {
			sub.Approval = &DuplicateApproval{ID: e.newID(), SubmissionID: sub.ID, CreatedAt: e.now(), Resolution: ResolutionPending}
		}
		if sub.Seq > e.seq {
			e.seq = sub.Seq
		}
		s := sub
		e.q.insert(&s)
		n++
	}
	if n > 0 {
		e.log.Info("restored queue", logx.Int("submissions", n))
	}
	e.poke()
	return n, nil
}

// Ingest accepts one inbound item. It returns the new submission id, or ""
// while the item's album is still buffering.
func (e *Engine) Ingest(ctx context.Context, ev Event) (string, error) {
	kind, err := ParseKind(string(ev.Kind))
	if err != nil {
		return "", err
	}
	at := ev.ArrivedAt
	if at.IsZero() {
		at = e.now()
	}
	item := MediaItem{
		Kind:        kind,
		Payload:     ev.Payload,
		Fingerprint: ev.Fingerprint,
		GroupID:     ev.GroupID,
		MIME:        ev.MIME,
		ArrivedAt:   at.UTC(),
	}
	if item.Fingerprint == "" && item.Payload != "" {
		if item.Fingerprint, err = FingerprintFile(item.Payload); err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", item.Payload, err)
		}
	}
	asm, ok := e.agg.Ingest(item, ev.Caption, ev.Final)
	if !ok {
		return "", nil
	}
	return e.Submit(ctx, asm)
}

func (e *Engine) onGroupTimeout(asm Assembled) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.Submit(ctx, asm); err != nil {
		e.log.Error("group submit failed", logx.String("group", asm.GroupID), logx.Err(err))
	}
}

// Submit turns an assembled group into a submission and admits it.
func (e *Engine) Submit(ctx context.Context, asm Assembled) (string, error) {
	if len(asm.Items) == 0 {
		return "", ErrEmptySubmission
	}
	now := e.now()
	sched := ParseSchedule(asm.Caption, now)
	if len(sched.Ignored) > 0 {
		e.log.Warn("schedule directive ignored",
			logx.Strings("directives", sched.Ignored),
			logx.Err(ErrParseAmbiguous),
		)
	}
	if asm.Partial {
		// Sources rarely mark the last album item, so the idle timer is the
		// usual way a group closes.
		e.log.Debug("group closed by idle timer",
			logx.String("group", asm.GroupID),
			logx.Int("items", len(asm.Items)),
		)
	}

	e.mu.Lock()
	caption := sched.Caption
	if caption == "" {
		caption = e.cfg.DefaultCaption
	}
	e.mu.Unlock()

	sub := &Submission{
		ID:        e.newID(),
		Items:     asm.Items,
		Caption:   caption,
		FireAt:    sched.FireAt,
		State:     StateCreated,
		CreatedAt: now,
	}
	return e.admit(ctx, sub)
}

// admit runs the duplicate check, persists and enqueues sub in one critical
// section so two identical submissions can never both clear.
func (e *Engine) admit(ctx context.Context, sub *Submission) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.release(sub.Items)
		return "", ErrClosed
	}
	e.seq++
	sub.Seq = e.seq

	queued := e.q.fingerprints()
	for _, c := range e.commits {
		for _, fp := range c.fps {
			queued[fp] = c.submissionID
		}
	}
	dec, err := e.resolver.Check(ctx, sub, queued)
	if err != nil {
		e.mu.Unlock()
		e.release(sub.Items)
		return "", err
	}
	if dec.Clear {
		sub.State = StateScheduled
	} else {
		sub.State = StateAwaitingApproval
		sub.Approval = &DuplicateApproval{
			ID:           e.newID(),
			SubmissionID: sub.ID,
			Colliding:    dec.Colliding,
			CreatedAt:    sub.CreatedAt,
			Resolution:   ResolutionPending,
		}
	}
	if err := e.persist(ctx, sub); err != nil {
		e.mu.Unlock()
		e.release(sub.Items)
		return "", err
	}
	e.q.insert(sub)
	snap := snapshot(sub)
	e.mu.Unlock()

	e.log.Info("submission admitted",
		logx.String("id", snap.ID),
		logx.String("state", string(snap.State)),
		logx.Int("items", len(snap.Items)),
		logx.Time("fire_at", snap.FireAt),
	)
	e.publishEvent(snap, "", "", 0)
	if snap.State == StateAwaitingApproval {
		e.notifier.Notify(ctx, Notice{
			Kind:         NoticeApprovalRequested,
			SubmissionID: snap.ID,
			ApprovalID:   snap.Approval.ID,
			Caption:      snap.Caption,
			Fingerprint:  snap.Approval.Colliding[0],
			ItemCount:    len(snap.Items),
			At:           snap.CreatedAt,
		})
	}
	e.poke()
	return snap.ID, nil
}

func (e *Engine) persist(ctx context.Context, sub *Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	rec := storage.SubmissionRecord{
		ID:        sub.ID,
		State:     string(sub.State),
		FireAt:    sub.FireAt,
		CreatedAt: sub.CreatedAt,
		Seq:       sub.Seq,
		Payload:   payload,
	}
	if err := e.store.SaveSubmission(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (e *Engine) forget(ctx context.Context, id string) error {
	if err := e.store.DeleteSubmission(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func snapshot(s *Submission) Submission {
	out := *s
	out.Items = append([]MediaItem(nil), s.Items...)
	if s.Approval != nil {
		a := *s.Approval
		a.Colliding = append([]string(nil), s.Approval.Colliding...)
		out.Approval = &a
	}
	return out
}

// Run is the timing goroutine. It sleeps until the next fire time, the next
// approval deadline or the tick interval, whichever is first, and ticks.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-e.wake:
		}
		e.Tick(ctx, e.now())

		d := e.nextWait(e.now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}
}

func (e *Engine) nextWait(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	wait := e.cfg.TickInterval
	if at, ok := e.q.nextFire(); ok {
		if d := at.Sub(now); d < wait {
			wait = d
		}
	}
	if pending := e.q.approvals(); len(pending) > 0 {
		if d := pending[0].Approval.CreatedAt.Add(e.cfg.ApprovalTimeout).Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Tick retries pending fingerprint commits, expires stale approvals and then
// publishes every scheduled submission due at now, one at a time, in queue
// order. It returns the number of dispatch attempts.
func (e *Engine) Tick(ctx context.Context, now time.Time) int {
	e.retryCommits(ctx)
	e.expireApprovals(ctx, now)

	n := 0
	for ctx.Err() == nil {
		e.mu.Lock()
		sub := e.q.nextDue(now)
		if sub == nil {
			e.mu.Unlock()
			break
		}
		sub.inFlight = true
		plan, err := Assemble(sub)
		timeout := e.cfg.PublishTimeout
		e.mu.Unlock()

		n++
		start := time.Now()
		var res PublishResult
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			res, err = e.publisher.Publish(pctx, plan)
			cancel()
		}
		if err != nil && ctx.Err() != nil {
			// Shutting down mid-publish: keep it scheduled so it fires after restart.
			e.mu.Lock()
			sub.inFlight = false
			e.mu.Unlock()
			break
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrPublish, err)
		}
		e.finish(ctx, sub, res, err, time.Since(start))
	}
	return n
}

func (e *Engine) finish(ctx context.Context, sub *Submission, res PublishResult, perr error, took time.Duration) {
	var storeErrs []error

	e.mu.Lock()
	sub.inFlight = false
	at := e.now()
	if perr == nil {
		sub.State = StatePublished
		fps := sub.Fingerprints()
		if err := e.store.AddFingerprints(ctx, fps, at); err != nil {
			e.commits = append(e.commits, pendingCommit{submissionID: sub.ID, fps: fps, at: at})
			storeErrs = append(storeErrs, fmt.Errorf("%w: commit fingerprints: %v", ErrStoreUnavailable, err))
		}
		rec := DispatchRecord{Ref: res.RootRef, Caption: sub.Caption, SubmissionID: sub.ID, PublishedAt: at}
		e.slot.Set(rec)
		if err := e.store.PutDispatch(ctx, storage.DispatchRecord{
			Ref: rec.Ref, Caption: rec.Caption, SubmissionID: rec.SubmissionID, PublishedAt: rec.PublishedAt,
		}); err != nil {
			storeErrs = append(storeErrs, fmt.Errorf("%w: dispatch record: %v", ErrStoreUnavailable, err))
		}
	} else {
		sub.State = StateFailed
		sub.LastError = perr.Error()
	}
	e.q.remove(sub.ID)
	if err := e.forget(ctx, sub.ID); err != nil {
		storeErrs = append(storeErrs, err)
	}
	snap := snapshot(sub)
	e.mu.Unlock()

	if perr == nil {
		e.log.Info("submission published",
			logx.String("id", snap.ID),
			logx.String("ref", res.RootRef),
			logx.Int("replies", len(res.ReplyRefs)),
			logx.Duration("took", took),
		)
		e.publishEvent(snap, res.RootRef, "", took)
		e.notifier.Notify(ctx, Notice{Kind: NoticePublished, SubmissionID: snap.ID, Caption: snap.Caption, Ref: res.RootRef, ItemCount: len(snap.Items), At: at})
	} else {
		e.log.Error("submission failed", logx.String("id", snap.ID), logx.Err(perr))
		e.publishEvent(snap, "", perr.Error(), took)
		e.notifier.Notify(ctx, Notice{Kind: NoticePublishFailed, SubmissionID: snap.ID, Caption: snap.Caption, ItemCount: len(snap.Items), Err: perr.Error(), At: at})
	}
	e.reportStoreErrors(ctx, snap.ID, storeErrs)
	e.release(snap.Items)
}

func (e *Engine) reportStoreErrors(ctx context.Context, id string, errs []error) {
	if len(errs) == 0 {
		return
	}
	err := errors.Join(errs...)
	e.log.Error("store write failed", logx.String("id", id), logx.Err(err))
	e.notifier.Notify(ctx, Notice{Kind: NoticeStoreError, SubmissionID: id, Err: err.Error(), At: e.now()})
}

func (e *Engine) retryCommits(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.commits) == 0 {
		return
	}
	kept := e.commits[:0]
	for _, c := range e.commits {
		if err := e.store.AddFingerprints(ctx, c.fps, c.at); err != nil {
			e.log.Warn("fingerprint commit retry failed", logx.String("id", c.submissionID), logx.Err(err))
			kept = append(kept, c)
			continue
		}
		e.log.Info("fingerprint commit recovered", logx.String("id", c.submissionID))
	}
	e.commits = kept
}

func (e *Engine) expireApprovals(ctx context.Context, now time.Time) {
	var (
		expired   []Submission
		storeErrs []error
	)
	e.mu.Lock()
	for _, s := range e.q.approvals() {
		if s.Approval.CreatedAt.Add(e.cfg.ApprovalTimeout).After(now) {
			break
		}
		s.State = StateDiscarded
		s.Approval.Resolution = ResolutionRejected
		e.q.remove(s.ID)
		if err := e.forget(ctx, s.ID); err != nil {
			storeErrs = append(storeErrs, err)
		}
		expired = append(expired, snapshot(s))
	}
	e.mu.Unlock()

	for _, s := range expired {
		e.log.Info("approval expired", logx.String("id", s.ID), logx.String("approval", s.Approval.ID))
		e.publishEvent(s, "", "", 0)
		e.notifier.Notify(ctx, Notice{Kind: NoticeApprovalExpired, SubmissionID: s.ID, ApprovalID: s.Approval.ID, Caption: s.Caption, ItemCount: len(s.Items), At: now})
		e.release(s.Items)
	}
	if len(storeErrs) > 0 {
		e.reportStoreErrors(ctx, "", storeErrs)
	}
}

// CancelAll cancels every scheduled or awaiting submission except one that
// is being published right now. It returns how many were cancelled.
func (e *Engine) CancelAll(ctx context.Context) (int, error) {
	var (
		cancelled []Submission
		storeErrs []error
	)
	e.mu.Lock()
	for _, s := range append([]*Submission(nil), e.q.items...) {
		if s.inFlight {
			continue
		}
		s.State = StateCancelled
		e.q.remove(s.ID)
		if err := e.forget(ctx, s.ID); err != nil {
			storeErrs = append(storeErrs, err)
		}
		cancelled = append(cancelled, snapshot(s))
	}
	e.mu.Unlock()

	for _, s := range cancelled {
		e.publishEvent(s, "", "", 0)
		e.release(s.Items)
	}
	e.log.Info("queue cleared", logx.Int("cancelled", len(cancelled)))
	return len(cancelled), errors.Join(storeErrs...)
}

// ResolveApproval approves (back to scheduled) or rejects (discarded) a
// pending duplicate. id may be an approval id, a submission id, a unique
// prefix of either, or empty for the oldest request.
func (e *Engine) ResolveApproval(ctx context.Context, id string, approve bool) (Submission, error) {
	e.mu.Lock()
	sub, err := e.q.findApproval(id)
	if err != nil {
		e.mu.Unlock()
		return Submission{}, err
	}
	approval := *sub.Approval

	if approve {
		sub.State = StateScheduled
		sub.Approval = nil
		if err := e.persist(ctx, sub); err != nil {
			sub.State = StateAwaitingApproval
			sub.Approval = &approval
			e.mu.Unlock()
			return Submission{}, err
		}
	} else {
		sub.State = StateDiscarded
		sub.Approval.Resolution = ResolutionRejected
		e.q.remove(sub.ID)
		if err := e.forget(ctx, sub.ID); err != nil {
			e.log.Warn("discarded submission not removed from store", logx.String("id", sub.ID), logx.Err(err))
		}
	}
	snap := snapshot(sub)
	e.mu.Unlock()

	e.log.Info("approval resolved",
		logx.String("id", snap.ID),
		logx.String("approval", approval.ID),
		logx.Bool("approved", approve),
	)
	e.publishEvent(snap, "", "", 0)
	if approve {
		e.poke()
	} else {
		e.release(snap.Items)
	}
	return snap, nil
}

// ListPending returns scheduled submissions in dispatch order.
func (e *Engine) ListPending() []Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshots(e.q.byState(StateScheduled))
}

// ListAwaiting returns submissions blocked on approval, oldest first.
func (e *Engine) ListAwaiting() []Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshots(e.q.approvals())
}

func snapshots(in []*Submission) []Submission {
	out := make([]Submission, 0, len(in))
	for _, s := range in {
		out = append(out, snapshot(s))
	}
	return out
}

// Uses reports whether payload belongs to a live submission or a buffered
// album item. The media sweep keeps such files.
func (e *Engine) Uses(payload string) bool {
	for _, p := range e.agg.Payloads() {
		if p == payload {
			return true
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.q.items {
		for _, it := range s.Items {
			if it.Payload == payload {
				return true
			}
		}
	}
	return false
}

// ApprovalDeadline is when an awaiting submission will be discarded.
func (e *Engine) ApprovalDeadline(a DuplicateApproval) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return a.CreatedAt.Add(e.cfg.ApprovalTimeout)
}

func (e *Engine) LastDispatch() (DispatchRecord, bool) { return e.slot.Get() }

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{PendingCommits: len(e.commits)}
	for _, s := range e.q.items {
		switch s.State {
		case StateScheduled:
			st.Scheduled++
		case StateAwaitingApproval:
			st.AwaitingApproval++
		}
		if s.inFlight {
			st.InFlight++
		}
	}
	if at, ok := e.q.nextFire(); ok {
		st.NextFire = at
	}
	st.Groups = e.agg.Len()
	return st
}

// Close flushes buffered albums into the queue and stops admitting new
// submissions.
func (e *Engine) Close() {
	if n := e.agg.Flush(); n > 0 {
		e.log.Info("flushed buffered groups", logx.Int("groups", n))
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
