// Package console implements the operator commands of the relay bot.
package console

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tgrelay/internal/relay"
	kit "tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/router"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/tgui"
)

// CallbackPrefix is the callback data prefix of approval buttons.
const CallbackPrefix = "relay"

// Engine is the part of relay.Engine the console drives.
type Engine interface {
	ListPending() []relay.Submission
	ListAwaiting() []relay.Submission
	CancelAll(ctx context.Context) (int, error)
	ResolveApproval(ctx context.Context, id string, approve bool) (relay.Submission, error)
	LastDispatch() (relay.DispatchRecord, bool)
	ApprovalDeadline(a relay.DuplicateApproval) time.Time
	Stats() relay.Stats
}

type Console struct {
	eng     Engine
	sups    *router.SupervisorRegistry
	loc     atomic.Pointer[time.Location]
	started time.Time
	now     func() time.Time
}

func New(eng Engine, sups *router.SupervisorRegistry, loc *time.Location) *Console {
	c := &Console{eng: eng, sups: sups, started: time.Now(), now: time.Now}
	c.SetLocation(loc)
	return c
}

// SetLocation changes the timezone used to render times.
func (c *Console) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	c.loc.Store(loc)
}

func (c *Console) location() *time.Location { return c.loc.Load() }

func (c *Console) Commands() []router.Command {
	return []router.Command{
		{Name: "queue", Aliases: []string{"q"}, Description: "list scheduled and awaiting posts", Usage: "/queue", Access: router.AccessOwnerOnly, Handle: c.handleQueue},
		{Name: "clear", Description: "cancel every queued post", Usage: "/clear", Access: router.AccessOwnerOnly, Handle: c.handleClear},
		{Name: "ok", Aliases: []string{"approve"}, Description: "approve a duplicate", Usage: "/ok [id]", Access: router.AccessOwnerOnly, Handle: c.resolveCommand(true)},
		{Name: "no", Aliases: []string{"reject"}, Description: "reject a duplicate", Usage: "/no [id]", Access: router.AccessOwnerOnly, Handle: c.resolveCommand(false)},
		{Name: "last", Description: "show the last published post", Usage: "/last", Access: router.AccessOwnerOnly, Handle: c.handleLast},
		{Name: "status", Description: "runtime status", Usage: "/status", Access: router.AccessOwnerOnly, Handle: c.handleStatus},
		{Name: "ping", Description: "liveness check", Usage: "/ping", Access: router.AccessEveryone, Handle: func(ctx context.Context, req *router.Request) error {
			return req.Reply(ctx, "pong", nil)
		}},
	}
}

func (c *Console) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: CallbackPrefix, Action: "ok", Handle: c.resolveCallback(true)},
		{Prefix: CallbackPrefix, Action: "no", Handle: c.resolveCallback(false)},
	}
}

// ApprovalKeyboard is attached to approval requests.
func ApprovalKeyboard(approvalID string) [][]kit.Button {
	return tgui.ConfirmInline("✅ Post anyway", "🗑 Discard",
		tgui.Data(CallbackPrefix, "ok", approvalID),
		tgui.Data(CallbackPrefix, "no", approvalID),
	).Rows()
}

func (c *Console) handleQueue(ctx context.Context, req *router.Request) error {
	text := renderQueue(c.eng.ListPending(), c.eng.ListAwaiting(), c.eng.ApprovalDeadline, c.location())
	return req.Reply(ctx, text, nil)
}

func (c *Console) handleClear(ctx context.Context, req *router.Request) error {
	n, err := c.eng.CancelAll(ctx)
	text := renderCleared(n, err)
	if rerr := req.Reply(ctx, text, nil); rerr != nil {
		return rerr
	}
	return err
}

func (c *Console) resolveCommand(approve bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		id := ""
		if len(req.Args) > 0 {
			id = req.Args[0]
		}
		sub, err := c.eng.ResolveApproval(ctx, id, approve)
		if rerr := req.Reply(ctx, renderResolved(sub, approve, err, c.location()), nil); rerr != nil {
			return rerr
		}
		return expected(err)
	}
}

func (c *Console) resolveCallback(approve bool) router.CallbackHandlerFunc {
	return func(ctx context.Context, req *router.Request, payload string) error {
		sub, err := c.eng.ResolveApproval(ctx, payload, approve)
		text := renderResolved(sub, approve, err, c.location())
		switch {
		case err == nil && approve:
			req.Answer = "approved"
		case err == nil:
			req.Answer = "discarded"
		default:
			req.Answer = "not pending"
		}
		if cb := req.Update.Callback; cb != nil {
			ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
			if eerr := req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); eerr != nil {
				req.Logger.Debug("approval message not edited", logx.Err(eerr))
			}
		}
		return expected(err)
	}
}

func (c *Console) handleLast(ctx context.Context, req *router.Request) error {
	rec, ok := c.eng.LastDispatch()
	return req.Reply(ctx, renderLast(rec, ok, c.location()), nil)
}

func (c *Console) handleStatus(ctx context.Context, req *router.Request) error {
	text := renderStatus(c.eng.Stats(), c.sups.Snapshots(), c.now().Sub(c.started), c.location())
	return req.Reply(ctx, text, nil)
}

// expected hides operator mistakes from the request log; they were already
// answered in chat.
func expected(err error) error {
	if errors.Is(err, relay.ErrApprovalNotFound) || errors.Is(err, relay.ErrAmbiguousID) {
		return nil
	}
	return err
}
