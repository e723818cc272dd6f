package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

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

type recordingPublisher struct {
	mu    sync.Mutex
	plans []PublishPlan
	fail  map[string]bool // by caption
}

func (p *recordingPublisher) Publish(ctx context.Context, plan PublishPlan) (PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, plan)
	if p.fail[plan.Caption] {
		return PublishResult{}, errors.New("remote rejected")
	}
	return PublishResult{RootRef: "https://x.com/i/web/status/" + plan.SubmissionID}, nil
}

func (p *recordingPublisher) captions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.plans))
	for _, pl := range p.plans {
		out = append(out, pl.Caption)
	}
	return out
}

type noticeLog struct {
	mu   sync.Mutex
	list []Notice
}

func (n *noticeLog) Notify(_ context.Context, no Notice) {
	n.mu.Lock()
	n.list = append(n.list, no)
	n.mu.Unlock()
}

func (n *noticeLog) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, 0, len(n.list))
	for _, no := range n.list {
		out = append(out, no.Kind)
	}
	return out
}

// flakyStore fails fingerprint writes while failAdd is set.
type flakyStore struct {
	storage.Store
	failAdd atomic.Bool
}

func (s *flakyStore) AddFingerprints(ctx context.Context, fps []string, at time.Time) error {
	if s.failAdd.Load() {
		return errors.New("disk full")
	}
	return s.Store.AddFingerprints(ctx, fps, at)
}

type harness struct {
	eng      *Engine
	store    storage.Store
	pub      *recordingPublisher
	notices  *noticeLog
	clock    *fakeClock
	released atomic.Int64
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	h := &harness{
		store:   store,
		pub:     &recordingPublisher{fail: map[string]bool{}},
		notices: &noticeLog{},
		clock:   &fakeClock{t: time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)},
	}
	var ids atomic.Int64
	eng, err := New(Config{ApprovalTimeout: 2 * time.Minute}, Deps{
		Store:     store,
		Publisher: h.pub,
		Notifier:  h.notices,
		Bus:       eventbus.New(),
		Clock:     h.clock.Now,
		NewID:     func() string { return fmt.Sprintf("id%04d", ids.Add(1)) },
		Release:   func(items []MediaItem) { h.released.Add(int64(len(items))) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) ingest(t *testing.T, caption string, fps ...string) string {
	t.Helper()
	items := make([]MediaItem, 0, len(fps))
	for _, fp := range fps {
		items = append(items, MediaItem{Kind: KindPhoto, Fingerprint: fp, Payload: "/tmp/" + fp})
	}
	id, err := h.eng.Submit(context.Background(), Assembled{Items: items, Caption: caption})
	if err != nil {
		t.Fatalf("Submit(%q): %v", caption, err)
	}
	return id
}

func TestEngineCancelAllCountsScheduledAndAwaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ingest(t, "a #in 10m", "fa")
	h.ingest(t, "b #in 20m", "fb")
	h.ingest(t, "c #in 30m", "fc")
	h.ingest(t, "dup of a", "fa")

	if got := len(h.eng.ListAwaiting()); got != 1 {
		t.Fatalf("awaiting = %d, want 1", got)
	}
	n, err := h.eng.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if n != 4 {
		t.Fatalf("CancelAll = %d, want 4", n)
	}
	if len(h.eng.ListPending()) != 0 || len(h.eng.ListAwaiting()) != 0 {
		t.Fatal("queue not empty after CancelAll")
	}
	recs, _ := h.store.LoadSubmissions(context.Background())
	if len(recs) != 0 {
		t.Fatalf("store still holds %d submissions", len(recs))
	}
	if h.released.Load() != 4 {
		t.Fatalf("released %d items, want 4", h.released.Load())
	}
}

func TestEngineDispatchOrderDeterministic(t *testing.T) {
	t.Parallel()
	for run := 0; run < 20; run++ {
		h := newHarness(t, nil)
		h.ingest(t, "A #in 5m", "a")
		h.ingest(t, "B #in 5m", "b")
		h.ingest(t, "early #in 1m", "e")
		h.clock.Advance(10 * time.Minute)

		if n := h.eng.Tick(context.Background(), h.clock.Now()); n != 3 {
			t.Fatalf("Tick dispatched %d, want 3", n)
		}
		got := h.pub.captions()
		want := []string{"early", "A", "B"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: dispatch order = %v, want %v", run, got, want)
			}
		}
	}
}

func TestEngineNeverPublishesEarly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ingest(t, "later #in 30m", "x")
	h.clock.Advance(29 * time.Minute)
	if n := h.eng.Tick(context.Background(), h.clock.Now()); n != 0 {
		t.Fatalf("Tick dispatched %d before fire time", n)
	}
	h.clock.Advance(time.Minute)
	if n := h.eng.Tick(context.Background(), h.clock.Now()); n != 1 {
		t.Fatalf("Tick dispatched %d at fire time, want 1", n)
	}
}

func TestEngineFingerprintsCommittedOnlyOnPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.pub.fail["bad"] = true
	h.ingest(t, "good", "g1", "g2")
	h.ingest(t, "bad", "b1")

	for _, fp := range []string{"g1", "g2", "b1"} {
		if ok, _ := h.store.HasFingerprint(ctx, fp); ok {
			t.Fatalf("fingerprint %s committed before publish", fp)
		}
	}
	h.eng.Tick(ctx, h.clock.Now())

	for _, fp := range []string{"g1", "g2"} {
		if ok, _ := h.store.HasFingerprint(ctx, fp); !ok {
			t.Fatalf("fingerprint %s not committed after publish", fp)
		}
	}
	if ok, _ := h.store.HasFingerprint(ctx, "b1"); ok {
		t.Fatal("failed submission committed its fingerprint")
	}

	rec, ok := h.eng.LastDispatch()
	if !ok || rec.Caption != "good" {
		t.Fatalf("LastDispatch = %+v, %v", rec, ok)
	}
	kinds := h.notices.kinds()
	if len(kinds) != 2 || kinds[0] != NoticePublished || kinds[1] != NoticePublishFailed {
		t.Fatalf("notices = %v", kinds)
	}

	// A failed submission is not retried.
	if n := h.eng.Tick(ctx, h.clock.Now()); n != 0 {
		t.Fatalf("failed submission retried: %d dispatches", n)
	}
	// Content that failed to publish clears the duplicate check again.
	h.ingest(t, "bad again", "b1")
	if len(h.eng.ListAwaiting()) != 0 {
		t.Fatal("fingerprint of a failed submission blocked a new one")
	}
}

func TestEngineDuplicateRaceSafety(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Submit(context.Background(), Assembled{
				Items:   []MediaItem{{Kind: KindPhoto, Fingerprint: "same"}},
				Caption: fmt.Sprintf("copy %d", i),
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := len(h.eng.ListPending()); got != 1 {
		t.Fatalf("scheduled = %d, want exactly 1", got)
	}
	if got := len(h.eng.ListAwaiting()); got != n-1 {
		t.Fatalf("awaiting = %d, want %d", got, n-1)
	}
}

func TestEngineDuplicateOfPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, "first", "fp")
	h.eng.Tick(ctx, h.clock.Now())

	h.ingest(t, "again", "fp")
	aw := h.eng.ListAwaiting()
	if len(aw) != 1 {
		t.Fatalf("awaiting = %d, want 1", len(aw))
	}
	if aw[0].Approval == nil || aw[0].Approval.Colliding[0] != "fp" {
		t.Fatalf("approval record missing collision: %+v", aw[0].Approval)
	}
	kinds := h.notices.kinds()
	if kinds[len(kinds)-1] != NoticeApprovalRequested {
		t.Fatalf("last notice = %v, want approval request", kinds[len(kinds)-1])
	}
}

func TestEngineResolveApproval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, "orig #in 1h", "fp")
	h.ingest(t, "copy one", "fp")
	h.ingest(t, "copy two", "fp")

	aw := h.eng.ListAwaiting()
	if len(aw) != 2 {
		t.Fatalf("awaiting = %d, want 2", len(aw))
	}

	// Empty id resolves the oldest request.
	sub, err := h.eng.ResolveApproval(ctx, "", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if sub.Caption != "copy one" || sub.State != StateScheduled || sub.Approval != nil {
		t.Fatalf("unexpected approved submission: %+v", sub)
	}

	prefix := aw[1].Approval.ID[:6]
	sub, err = h.eng.ResolveApproval(ctx, prefix, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if sub.State != StateDiscarded {
		t.Fatalf("State = %s, want discarded", sub.State)
	}
	if _, err := h.eng.ResolveApproval(ctx, "", true); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("err = %v, want ErrApprovalNotFound", err)
	}

	h.eng.Tick(ctx, h.clock.Now())
	if got := h.pub.captions(); len(got) != 1 || got[0] != "copy one" {
		t.Fatalf("published = %v, want [copy one]", got)
	}
}

func TestEngineApprovalTimeoutDiscards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ingest(t, "orig #in 1h", "fp")
	h.ingest(t, "copy", "fp")

	h.clock.Advance(time.Minute)
	h.eng.Tick(ctx, h.clock.Now())
	if len(h.eng.ListAwaiting()) != 1 {
		t.Fatal("approval expired too early")
	}
	h.clock.Advance(time.Minute)
	h.eng.Tick(ctx, h.clock.Now())
	if len(h.eng.ListAwaiting()) != 0 {
		t.Fatal("approval not expired after timeout")
	}
	kinds := h.notices.kinds()
	if kinds[len(kinds)-1] != NoticeApprovalExpired {
		t.Fatalf("last notice = %v, want approval expired", kinds[len(kinds)-1])
	}
	if len(h.pub.captions()) != 0 {
		t.Fatal("expired submission was published")
	}
}

func TestEngineRecoveryDispatchesPastDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/relay.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	first := newHarness(t, store)
	first.ingest(t, "persisted #in 5m", "p1")
	first.ingest(t, "awaiting", "p1")

	second := newHarness(t, store)
	second.clock.Advance(time.Hour)
	n, err := second.eng.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d, want 2", n)
	}
	if got := second.eng.Tick(ctx, second.clock.Now()); got != 1 {
		t.Fatalf("first tick after restart dispatched %d, want 1", got)
	}
	if got := second.pub.captions(); len(got) != 1 || got[0] != "persisted" {
		t.Fatalf("published = %v", got)
	}
	if len(second.eng.ListAwaiting()) != 0 {
		t.Fatal("stale approval survived restart past its deadline")
	}
}

func TestEngineRetriesFailedFingerprintCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemory()}
	store.failAdd.Store(true)
	h := newHarness(t, store)
	h.ingest(t, "post", "fp")
	h.eng.Tick(ctx, h.clock.Now())

	if st := h.eng.Stats(); st.PendingCommits != 1 {
		t.Fatalf("PendingCommits = %d, want 1", st.PendingCommits)
	}
	// The uncommitted fingerprint still blocks a duplicate.
	h.ingest(t, "again", "fp")
	if len(h.eng.ListAwaiting()) != 1 {
		t.Fatal("uncommitted fingerprint did not block duplicate")
	}

	store.failAdd.Store(false)
	h.eng.Tick(ctx, h.clock.Now())
	if st := h.eng.Stats(); st.PendingCommits != 0 {
		t.Fatalf("PendingCommits = %d after recovery", st.PendingCommits)
	}
	if ok, _ := store.HasFingerprint(ctx, "fp"); !ok {
		t.Fatal("fingerprint not committed after retry")
	}
}

func TestEngineDefaultCaptionAndEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.eng.Apply(Config{DefaultCaption: "Sent from Telegram"})
	h.ingest(t, "#in 1m", "x")
	p := h.eng.ListPending()
	if len(p) != 1 || p[0].Caption != "Sent from Telegram" {
		t.Fatalf("pending = %+v", p)
	}
	if _, err := h.eng.Submit(context.Background(), Assembled{}); !errors.Is(err, ErrEmptySubmission) {
		t.Fatalf("err = %v, want ErrEmptySubmission", err)
	}
}

func TestEngineIngestGroupsAlbum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	id, err := h.eng.Ingest(ctx, Event{GroupID: "album", Kind: KindPhoto, Fingerprint: "1", Caption: "album #in 2m"})
	if err != nil || id != "" {
		t.Fatalf("first album item: id=%q err=%v", id, err)
	}
	id, err = h.eng.Ingest(ctx, Event{GroupID: "album", Kind: KindVideo, Fingerprint: "2", Final: true})
	if err != nil || id == "" {
		t.Fatalf("final album item: id=%q err=%v", id, err)
	}
	p := h.eng.ListPending()
	if len(p) != 1 || len(p[0].Items) != 2 || p[0].Caption != "album" {
		t.Fatalf("pending = %+v", p)
	}
	if _, err := h.eng.Ingest(ctx, Event{Kind: "sticker"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestEngineRunPublishesWhenDue(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	pub := &recordingPublisher{fail: map[string]bool{}}
	eng, err := New(Config{TickInterval: 10 * time.Millisecond}, Deps{Store: store, Publisher: pub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	if _, err := eng.Submit(ctx, Assembled{Items: []MediaItem{{Kind: KindPhoto, Fingerprint: "r"}}, Caption: "now"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for len(pub.captions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never published the due submission")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestEngineUsesTracksLivePayloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.eng.Ingest(ctx, Event{GroupID: "g", Kind: KindPhoto, Fingerprint: "1", Payload: "/media/a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Ingest(ctx, Event{Kind: KindPhoto, Fingerprint: "2", Payload: "/media/b", Caption: "#in 5m"}); err != nil {
		t.Fatal(err)
	}
	if !h.eng.Uses("/media/a") || !h.eng.Uses("/media/b") {
		t.Fatal("live payload reported unused")
	}
	if h.eng.Uses("/media/c") {
		t.Fatal("unknown payload reported in use")
	}
	if _, err := h.eng.CancelAll(ctx); err != nil {
		t.Fatal(err)
	}
	if h.eng.Uses("/media/b") {
		t.Fatal("cancelled payload still in use")
	}
}

func TestEngineCancelAllDuringPublishSparesInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)}
	started := make(chan struct{})
	unblock := make(chan struct{})
	var (
		mu        sync.Mutex
		published []string
	)
	pub := PublisherFunc(func(ctx context.Context, plan PublishPlan) (PublishResult, error) {
		mu.Lock()
		published = append(published, plan.Caption)
		mu.Unlock()
		if plan.Caption == "slow" {
			close(started)
			<-unblock
		}
		return PublishResult{RootRef: "ref-" + plan.SubmissionID}, nil
	})
	var ids atomic.Int64
	eng, err := New(Config{}, Deps{
		Store:     storage.NewMemory(),
		Publisher: pub,
		Bus:       eventbus.New(),
		Clock:     clock.Now,
		NewID:     func() string { return fmt.Sprintf("id%04d", ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	submit := func(caption, fp string) {
		t.Helper()
		asm := Assembled{Items: []MediaItem{{Kind: KindPhoto, Fingerprint: fp}}, Caption: caption}
		if _, err := eng.Submit(ctx, asm); err != nil {
			t.Fatalf("Submit(%q): %v", caption, err)
		}
	}
	submit("slow", "s")
	submit("later #in 10m", "l")

	ticked := make(chan int, 1)
	go func() { ticked <- eng.Tick(ctx, clock.Now()) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher never called")
	}

	submit("during", "d")
	n, err := eng.CancelAll(ctx)
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("CancelAll = %d, want 2", n)
	}
	close(unblock)

	select {
	case got := <-ticked:
		if got != 1 {
			t.Fatalf("Tick dispatched %d, want 1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tick did not return")
	}
	mu.Lock()
	got := append([]string(nil), published...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "slow" {
		t.Fatalf("published = %v, want [slow]", got)
	}
	if p := eng.ListPending(); len(p) != 0 {
		t.Fatalf("pending = %d, want 0", len(p))
	}
	rec, ok := eng.LastDispatch()
	if !ok || rec.Caption != "slow" {
		t.Fatalf("LastDispatch = %+v, %v; want slow", rec, ok)
	}
}

func TestEngineTimerClosedGroupIsNotAWarning(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.FromZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel))
	var ids atomic.Int64
	eng, err := New(Config{}, Deps{
		Store:     storage.NewMemory(),
		Publisher: &recordingPublisher{fail: map[string]bool{}},
		Bus:       eventbus.New(),
		Log:       log,
		NewID:     func() string { return fmt.Sprintf("id%04d", ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	asm := Assembled{
		GroupID: "album",
		Items: []MediaItem{
			{Kind: KindPhoto, Fingerprint: "p1", GroupID: "album"},
			{Kind: KindPhoto, Fingerprint: "p2", GroupID: "album"},
		},
		Caption: "#in 5m",
		Partial: true,
	}
	if _, err := eng.Submit(context.Background(), asm); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte(`"level":"warn"`)) {
		t.Fatalf("timer-closed group logged a warning: %s", buf.String())
	}
	if got := len(eng.ListPending()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}
