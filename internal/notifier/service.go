package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgrelay/internal/eventbus"
	rtsup "tgrelay/internal/runtime/supervisor"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historyLimit = 300
	sendTimeout  = 10 * time.Second
)

type job struct {
	n   Notification
	key string
}

// Service queues admin chat messages and sends them from a small worker
// pool, rate limited and retried with jittered backoff. Messages sharing a
// dedup key inside DedupWindow are sent once. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	now     func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	inflight  sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu     sync.Mutex
	recent  map[string]time.Time // dedup key -> suppressed until
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		now:     time.Now,
		recent:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and waits out a pending Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.sup, s.accepting = q, sup, true
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, q)
			if s.stopping() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop refuses new notices and drains the queue until ctx is done, then
// cancels whatever is still sending.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Notify callers past the accepting check may still be enqueueing.
		s.inflight.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue, s.stopDone, s.sup = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues n without waiting for delivery. A notice whose dedup key
// was seen within DedupWindow is dropped silently.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting || s.queue == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, limit := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.firstWithin(key, window, limit) {
		s.emit("notifier.deduped", n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.emit("notifier.queued", n, key, nil)
		return nil
	default:
		s.emit("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) emit(topic string, n Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	at := s.now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: at}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: ev})
}

// Snapshot returns the most recent delivered notices, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return slices.Clone(s.history)
}

func (s *Service) remember(channel, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Channel: channel, Text: text})
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.hmu.Unlock()
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad, log := s.cfg, s.limiter, s.adapter, s.log
	s.mu.Unlock()
	if ad == nil {
		return
	}
	text := severityMark(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := ad.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(j.n.Channel, text)
			s.emit("notifier.sent", j.n, j.key, nil)
			return
		}
		lastErr = err
		log.Debug("notice send failed", logx.String("channel", j.n.Channel), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	log.Warn("notice not delivered", logx.String("channel", j.n.Channel), logx.Err(lastErr))
	s.emit("notifier.failed", j.n, j.key, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// severityMark prefixes store failures and publish failures so they stand
// out in a busy admin chat.
func severityMark(p int) string {
	switch {
	case p >= 9:
		return "\U0001F6A8 "
	case p >= 7:
		return "\u26A0\uFE0F "
	default:
		return ""
	}
}

// dedupKey prefers the caller's Key. Without one, identical text on the
// same channel and chat counts as a repeat. Notices with no channel are
// never deduplicated.
func dedupKey(n Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID)
	if n.Key != "" {
		_, _ = h.Write([]byte(n.Key))
	} else {
		fmt.Fprintf(h, "%d|%s", n.Priority, n.Text)
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// firstWithin records key and reports whether it was not already seen in
// the last window. At most limit keys are kept; the ones expiring soonest
// go first.
func (s *Service) firstWithin(key string, window time.Duration, limit int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.recent[key]; ok && now.Before(until) {
		return false
	}
	s.recent[key] = now.Add(window)
	for k, until := range s.recent {
		if !now.Before(until) {
			delete(s.recent, k)
		}
	}
	if over := len(s.recent) - limit; limit > 0 && over > 0 {
		keys := make([]string, 0, len(s.recent))
		for k := range s.recent {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(a, b string) int { return s.recent[a].Compare(s.recent[b]) })
		for _, k := range keys[:over] {
			delete(s.recent, k)
		}
	}
	return true
}

// retryDelay is the pause before attempt+1: RetryBase doubled per attempt,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base, ceil := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceil <= 0 {
		ceil = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	d = min(d, ceil)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), ceil)
}
