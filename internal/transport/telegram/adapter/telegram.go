package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tgrelay/internal/runtime/supervisor"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// MaxDownload rejects files above this size before fetching them.
	MaxDownload int64
}

// Adapter is the telebot-backed transport: long polling in, Bot API calls out.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and helpers; created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = 20 << 20
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, http: &http.Client{}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's supervisor (nil if not started), for /status.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Dropped reports updates lost because the consumer was slower than polling.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.forward(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.forward(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if p := channelPost(c.Message()); p != nil {
			a.forward(kit.Update{Kind: kit.UpdateChannelPost, Post: p})
		}
		return nil
	})
}

// channelPost flattens a telebot channel message into the transport shape.
func channelPost(m *tele.Message) *kit.ChannelPost {
	if m == nil || m.Chat == nil {
		return nil
	}
	p := &kit.ChannelPost{
		ChatID:       m.Chat.ID,
		ChatUsername: m.Chat.Username,
		MessageID:    m.ID,
		AlbumID:      m.AlbumID,
		Caption:      m.Caption,
		Text:         m.Text,
	}
	switch {
	case m.Photo != nil:
		p.Kind = kit.MediaPhoto
		p.FileID = m.Photo.FileID
		p.FileSize = int64(m.Photo.FileSize)
		p.MIME = "image/jpeg"
	case m.Video != nil:
		p.Kind = kit.MediaVideo
		p.FileID = m.Video.FileID
		p.FileSize = int64(m.Video.FileSize)
		p.FileName = m.Video.FileName
		p.MIME = m.Video.MIME
	case m.Animation != nil:
		p.Kind = kit.MediaVideo
		p.FileID = m.Animation.FileID
		p.FileSize = int64(m.Animation.FileSize)
		p.FileName = m.Animation.FileName
		p.MIME = m.Animation.MIME
	case m.Document != nil:
		p.Kind = kit.MediaDocument
		p.FileID = m.Document.FileID
		p.FileSize = int64(m.Document.FileSize)
		p.FileName = m.Document.FileName
		p.MIME = m.Document.MIME
	}
	return p
}

func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var last uint64
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.dropped.Load(); n != last {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("total", n), logx.Int("chan_cap", cap(out)))
					last = n
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until bot.Stop. It can return early on some network
	// failures, so it runs under a restart loop.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartOnCleanExit(true),
	)
	return nil
}

// Stop never blocks shutdown for longer than a short grace window, since a
// getUpdates long poll may still be in flight.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates", a.dropped.Load()))
	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
