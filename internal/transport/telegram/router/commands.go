package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "tgrelay/internal/runtime/supervisor"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline button data "<Prefix>:<Action>[:payload]".
// Callbacks are always owner-only.
type CallbackRoute struct {
	Prefix  string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

// PostSink receives channel posts. Offer must not block.
type PostSink interface {
	Offer(p kit.ChannelPost) bool
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Payload      string
	ReqID        string
	Audited      bool
	// Answer is the toast shown for a callback once the handler returns.
	Answer string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Target is the first argument or the callback payload, for audit records.
func (r *Request) Target() string {
	if r.Payload != "" {
		return r.Payload
	}
	if len(r.Args) > 0 {
		return r.Args[0]
	}
	return ""
}

// Reply sends HTML text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, kb [][]kit.Button) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb})
	return err
}

// CommandManager routes updates: commands and callbacks go to a bounded
// worker pool, channel posts go to the PostSink.
type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command
	alias    map[string]*Command
	order    []string

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	auditor Auditor
	posts   PostSink
	sups    *SupervisorRegistry

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type Options struct {
	Auditor     Auditor
	Posts       PostSink
	Supervisors *SupervisorRegistry
	QueueSize   int
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &CommandManager{
		commands:  map[string]*Command{},
		alias:     map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log,
		adapter:   adapter,
		auditor:   opt.Auditor,
		posts:     opt.Posts,
		sups:      opt.Supervisors,
		jobs:      make(chan func(), opt.QueueSize),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue reports false when the queue is full or already closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetRegistry installs commands and callback routes. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start", "h"},
		Description: "show commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.FromID), nil)
		},
	})

	commands := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]string, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = &c
		order = append(order, name)
		for _, a := range c.Aliases {
			if sa := sanitizeCommand(a); sa != "" && sa != name {
				alias[sa] = &c
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		p := strings.TrimSpace(r.Prefix)
		a := strings.TrimSpace(r.Action)
		if p == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[p] == nil {
			cb[p] = map[string]CallbackRoute{}
		}
		cb[p][a] = r
	}

	m.mu.Lock()
	m.commands = commands
	m.alias = alias
	m.order = order
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// MenuCommands is the command list for the Telegram menu.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildMenu(m.order, m.commands)
}

func (m *CommandManager) lookup(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.commands[name]; ok {
		return c, true
	}
	c, ok := m.alias[name]
	return c, ok
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.sups.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.sups.Delete("telegram.router")
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(idx int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	case kit.UpdateChannelPost:
		m.routePost(up)
	}
}

func (m *CommandManager) routePost(up kit.Update) {
	if up.Post == nil || m.posts == nil {
		return
	}
	if !m.posts.Offer(*up.Post) {
		m.log.Warn("channel post dropped (source busy)",
			logx.Int64("chat_id", up.Post.ChatID),
			logx.Int("message_id", up.Post.MessageID),
		)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(name)
	if !ok {
		// Groups see many commands meant for other bots.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, m.ownersSnapshot()) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := m.newRequest(up, chat, msg.FromID, msg.FromUsername, cmd.Name)
	req.Args = args
	req.Audited = cmd.Access == AccessOwnerOnly

	final := m.chain(cmd.Handle, cmd.Timeout)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	prefix, action, payload := parts[0], parts[1], ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[prefix][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !isOwner(cb.FromID, m.ownersSnapshot()) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "", "cb:"+prefix+":"+action)
	req.Payload = payload
	req.Audited = true

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := m.chain(h, route.Timeout)
	if !m.tryEnqueue(func() {
		if err := final(ctx, req); err != nil && req.Answer == "" {
			req.Answer = "failed"
		}
		_ = m.adapter.AnswerCallback(ctx, cb.ID, req.Answer)
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, from int64, username, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         chat,
		FromID:       from,
		FromUsername: username,
		Command:      command,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (m *CommandManager) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWAudit(m.auditor, m.log),
		MWTimeout(timeout),
	)
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
