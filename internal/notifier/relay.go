package notifier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tgrelay/internal/relay"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/tgui"
)

// Enqueuer is the part of Service RelayNotifier needs.
type Enqueuer interface {
	Notify(ctx context.Context, n Notification) error
}

// RelayNotifier turns relay notices into admin chat messages.
type RelayNotifier struct {
	q        Enqueuer
	log      logx.Logger
	keyboard func(approvalID string) [][]kit.Button

	target atomic.Value // kit.ChatTarget
	loc    atomic.Pointer[time.Location]
}

// NewRelayNotifier sends through q. keyboard, when set, attaches approve
// and reject buttons to approval requests.
func NewRelayNotifier(q Enqueuer, log logx.Logger, keyboard func(approvalID string) [][]kit.Button) *RelayNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &RelayNotifier{q: q, log: log, keyboard: keyboard}
	r.target.Store(kit.ChatTarget{})
	r.loc.Store(time.Local)
	return r
}

func (r *RelayNotifier) SetTarget(t kit.ChatTarget) { r.target.Store(t) }

func (r *RelayNotifier) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	r.loc.Store(loc)
}

// Notify never blocks on Telegram; delivery failures are logged.
func (r *RelayNotifier) Notify(ctx context.Context, n relay.Notice) {
	to := r.target.Load().(kit.ChatTarget)
	if to.ChatID == 0 {
		r.log.Debug("notice dropped, no admin chat", logx.String("kind", string(n.Kind)))
		return
	}
	msg := Notification{
		Channel:  "relay." + string(n.Kind),
		Key:      noticeKey(n),
		Priority: priorityOf(n.Kind),
		Target:   to,
		Text:     r.render(n).String(),
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: n.Kind != relay.NoticePublished},
	}
	if n.Kind == relay.NoticeApprovalRequested && r.keyboard != nil && n.ApprovalID != "" {
		msg.Options.Keyboard = r.keyboard(n.ApprovalID)
	}
	if err := r.q.Notify(context.WithoutCancel(ctx), msg); err != nil {
		r.log.Warn("notice not queued", logx.String("kind", string(n.Kind)), logx.String("submission", n.SubmissionID), logx.Err(err))
	}
}

// noticeKey collapses repeats about the same submission, such as a store
// failure reported on every retry. Each approval request stays distinct.
func noticeKey(n relay.Notice) string {
	if n.Kind == relay.NoticeApprovalRequested && n.ApprovalID != "" {
		return n.ApprovalID
	}
	return n.SubmissionID
}

func priorityOf(k relay.NoticeKind) int {
	switch k {
	case relay.NoticeStoreError:
		return 9
	case relay.NoticePublishFailed:
		return 7
	default:
		return 0
	}
}

func (r *RelayNotifier) render(n relay.Notice) tgui.H {
	loc := r.loc.Load()
	caption := tgui.Esc(tgui.TruncRunes(n.Caption, 200))
	if n.Caption == "" {
		caption = tgui.I("no caption")
	}
	switch n.Kind {
	case relay.NoticeApprovalRequested:
		return tgui.JoinH("\n",
			tgui.B("Possible duplicate"),
			tgui.Raw(fmt.Sprintf("%d item(s), first match %s", n.ItemCount, tgui.Code(short(n.Fingerprint, 12)))),
			caption,
			tgui.Raw("approve: "+tgui.Code("/ok "+short(n.ApprovalID, 8)).String()+"  reject: "+tgui.Code("/no "+short(n.ApprovalID, 8)).String()),
		)
	case relay.NoticeApprovalExpired:
		return tgui.JoinH("\n",
			tgui.B("Approval expired, post discarded"),
			tgui.Raw(fmt.Sprintf("%s, %d item(s)", tgui.Code(short(n.SubmissionID, 8)), n.ItemCount)),
			caption,
		)
	case relay.NoticePublished:
		return tgui.JoinH("\n",
			tgui.B("Published"),
			tgui.Link(n.Ref, n.Ref),
			tgui.Raw(fmt.Sprintf("%d item(s) at %s", n.ItemCount, n.At.In(loc).Format("2006-01-02 15:04"))),
			caption,
		)
	case relay.NoticePublishFailed:
		return tgui.JoinH("\n",
			tgui.B("Publish failed"),
			tgui.Raw(fmt.Sprintf("%s, %d item(s)", tgui.Code(short(n.SubmissionID, 8)), n.ItemCount)),
			tgui.Code(tgui.TruncRunes(n.Err, 500)),
		)
	case relay.NoticeStoreError:
		return tgui.JoinH("\n",
			tgui.B("Store write failed"),
			tgui.Raw("submission "+tgui.Code(short(n.SubmissionID, 8)).String()),
			tgui.Code(tgui.TruncRunes(n.Err, 500)),
		)
	default:
		return tgui.Esc(string(n.Kind))
	}
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
