package console

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tgrelay/internal/relay"
	kit "tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/router"
	logx "tgrelay/pkg/logx"
)

type fakeEngine struct {
	pending  []relay.Submission
	awaiting []relay.Submission
	cleared  int
	resolved []string
	resolve  error
	last     *relay.DispatchRecord
}

func (f *fakeEngine) ListPending() []relay.Submission  { return f.pending }
func (f *fakeEngine) ListAwaiting() []relay.Submission { return f.awaiting }

func (f *fakeEngine) CancelAll(context.Context) (int, error) {
	n := len(f.pending) + len(f.awaiting)
	f.cleared += n
	f.pending, f.awaiting = nil, nil
	return n, nil
}

func (f *fakeEngine) ResolveApproval(_ context.Context, id string, approve bool) (relay.Submission, error) {
	f.resolved = append(f.resolved, id)
	if f.resolve != nil {
		return relay.Submission{}, f.resolve
	}
	return relay.Submission{ID: "sub-123456789", FireAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)}, nil
}

func (f *fakeEngine) LastDispatch() (relay.DispatchRecord, bool) {
	if f.last == nil {
		return relay.DispatchRecord{}, false
	}
	return *f.last, true
}

func (f *fakeEngine) ApprovalDeadline(a relay.DuplicateApproval) time.Time {
	return a.CreatedAt.Add(2 * time.Minute)
}

func (f *fakeEngine) Stats() relay.Stats { return relay.Stats{Scheduled: len(f.pending)} }

type replies struct {
	sent   []string
	edited []string
}

func (r *replies) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *replies) Stop(context.Context) error                     { return nil }
func (r *replies) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.sent = append(r.sent, text)
	return kit.MessageRef{}, nil
}
func (r *replies) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	r.edited = append(r.edited, text)
	return nil
}
func (r *replies) AnswerCallback(context.Context, string, string) error { return nil }

func newReq(ad kit.Adapter, args ...string) *router.Request {
	return &router.Request{Args: args, Adapter: ad, Logger: logx.Nop()}
}

func command(t *testing.T, c *Console, name string) router.Command {
	t.Helper()
	for _, cmd := range c.Commands() {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %q not registered", name)
	return router.Command{}
}

func TestQueueCommand(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	eng := &fakeEngine{
		pending: []relay.Submission{{ID: "aaaaaaaa-1", Caption: "sunrise <3", FireAt: at, Items: make([]relay.MediaItem, 2)}},
		awaiting: []relay.Submission{{
			ID: "bbbbbbbb-1", Caption: "again", Items: make([]relay.MediaItem, 1),
			Approval: &relay.DuplicateApproval{ID: "cccccccc-1", CreatedAt: at},
		}},
	}
	c := New(eng, nil, time.UTC)
	ad := &replies{}
	if err := command(t, c, "queue").Handle(context.Background(), newReq(ad)); err != nil {
		t.Fatal(err)
	}
	out := ad.sent[0]
	for _, want := range []string{"2026-03-01 09:30", "aaaaaaaa", "2 item(s)", "sunrise &lt;3", "cccccccc", "2026-03-01 09:32"} {
		if !strings.Contains(out, want) {
			t.Fatalf("queue output missing %q:\n%s", want, out)
		}
	}
}

func TestQueueEmpty(t *testing.T) {
	t.Parallel()
	c := New(&fakeEngine{}, nil, time.UTC)
	ad := &replies{}
	_ = command(t, c, "queue").Handle(context.Background(), newReq(ad))
	if ad.sent[0] != "queue empty" {
		t.Fatalf("got %q", ad.sent[0])
	}
}

func TestClearCommand(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{pending: make([]relay.Submission, 3), awaiting: make([]relay.Submission, 1)}
	c := New(eng, nil, time.UTC)
	ad := &replies{}
	if err := command(t, c, "clear").Handle(context.Background(), newReq(ad)); err != nil {
		t.Fatal(err)
	}
	if ad.sent[0] != "cancelled 4 post(s)" {
		t.Fatalf("got %q", ad.sent[0])
	}
}

func TestResolveCommands(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	c := New(eng, nil, time.UTC)
	ad := &replies{}

	_ = command(t, c, "ok").Handle(context.Background(), newReq(ad))
	_ = command(t, c, "no").Handle(context.Background(), newReq(ad, "abc"))
	if len(eng.resolved) != 2 || eng.resolved[0] != "" || eng.resolved[1] != "abc" {
		t.Fatalf("resolved ids = %q", eng.resolved)
	}
	if !strings.Contains(ad.sent[0], "approved") || !strings.Contains(ad.sent[1], "discarded") {
		t.Fatalf("replies = %q", ad.sent)
	}

	eng.resolve = relay.ErrApprovalNotFound
	if err := command(t, c, "ok").Handle(context.Background(), newReq(ad, "zzz")); err != nil {
		t.Fatalf("not-found should not fail the request: %v", err)
	}
	if ad.sent[2] != "no pending approval with that id" {
		t.Fatalf("got %q", ad.sent[2])
	}

	eng.resolve = errors.Join(relay.ErrStoreUnavailable, errors.New("disk full"))
	if err := command(t, c, "ok").Handle(context.Background(), newReq(ad)); err == nil {
		t.Fatal("store failure should fail the request")
	}
}

func TestResolveCallbackEditsMessage(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	c := New(eng, nil, time.UTC)
	ad := &replies{}
	req := newReq(ad)
	req.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ChatID: 1, MessageID: 5}}

	var handle router.CallbackHandlerFunc
	for _, r := range c.Callbacks() {
		if r.Action == "ok" {
			handle = r.Handle
		}
	}
	if err := handle(context.Background(), req, "appr-1"); err != nil {
		t.Fatal(err)
	}
	if eng.resolved[0] != "appr-1" || req.Answer != "approved" {
		t.Fatalf("resolved=%q answer=%q", eng.resolved, req.Answer)
	}
	if len(ad.edited) != 1 || !strings.Contains(ad.edited[0], "approved") {
		t.Fatalf("edited = %q", ad.edited)
	}
}

func TestLastCommand(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	c := New(eng, nil, time.UTC)
	ad := &replies{}
	_ = command(t, c, "last").Handle(context.Background(), newReq(ad))
	if ad.sent[0] != "none yet" {
		t.Fatalf("got %q", ad.sent[0])
	}
	eng.last = &relay.DispatchRecord{Ref: "https://x.com/i/web/status/1", Caption: "hello"}
	_ = command(t, c, "last").Handle(context.Background(), newReq(ad))
	if !strings.Contains(ad.sent[1], "https://x.com/i/web/status/1") || !strings.Contains(ad.sent[1], "hello") {
		t.Fatalf("got %q", ad.sent[1])
	}
}

func TestApprovalKeyboard(t *testing.T) {
	t.Parallel()
	rows := ApprovalKeyboard("0b6e0a4c-6d1f-4a43-9a3a-1b2c3d4e5f60")
	if len(rows) != 1 || len(rows[0]) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0][0].Data != "relay:ok:0b6e0a4c-6d1f-4a43-9a3a-1b2c3d4e5f60" {
		t.Fatalf("data = %q", rows[0][0].Data)
	}
}
