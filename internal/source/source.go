// Package source turns channel posts into relay events: it filters the
// configured channel, downloads media and hands items to the engine one at
// a time.
package source

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"tgrelay/internal/media"
	"tgrelay/internal/relay"
	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

var (
	ErrUnsupported = errors.New("source: unsupported media")
	ErrTextOnly    = errors.New("source: text-only post")
)

type Config struct {
	ChannelID       int64
	ChannelUsername string
	QueueSize       int
	// DownloadTimeout bounds a single file transfer.
	DownloadTimeout time.Duration
}

type Ingester interface {
	Ingest(ctx context.Context, ev relay.Event) (string, error)
}

type Listener struct {
	cfg   Config
	dl    kit.Downloader
	media *media.Store
	eng   Ingester
	log   logx.Logger
	now   func() time.Time

	in chan kit.ChannelPost

	accepted atomic.Uint64
	skipped  atomic.Uint64
}

func New(cfg Config, dl kit.Downloader, store *media.Store, eng Ingester, log logx.Logger) *Listener {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	cfg.ChannelUsername = strings.TrimPrefix(strings.TrimSpace(cfg.ChannelUsername), "@")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{
		cfg:   cfg,
		dl:    dl,
		media: store,
		eng:   eng,
		log:   log,
		now:   time.Now,
		in:    make(chan kit.ChannelPost, cfg.QueueSize),
	}
}

// Offer queues a post without blocking. Posts from other chats are accepted
// and dropped so the caller does not log them as overflow.
func (l *Listener) Offer(p kit.ChannelPost) bool {
	if !l.watches(p) {
		return true
	}
	select {
	case l.in <- p:
		return true
	default:
		return false
	}
}

func (l *Listener) watches(p kit.ChannelPost) bool {
	if l.cfg.ChannelID != 0 {
		return p.ChatID == l.cfg.ChannelID
	}
	if l.cfg.ChannelUsername != "" {
		return strings.EqualFold(p.ChatUsername, l.cfg.ChannelUsername)
	}
	return false
}

// Counters reports how many posts were handed to the engine and skipped.
func (l *Listener) Counters() (accepted, skipped uint64) {
	return l.accepted.Load(), l.skipped.Load()
}

// Run handles posts in arrival order until ctx is done. Album items must
// reach the aggregator in order, so there is a single worker.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-l.in:
			if err := l.handle(ctx, p); err != nil {
				l.skipped.Add(1)
				fields := []logx.Field{logx.Int("message_id", p.MessageID), logx.String("album", p.AlbumID), logx.Err(err)}
				if errors.Is(err, ErrTextOnly) {
					l.log.Info("channel post skipped", fields...)
				} else {
					l.log.Warn("channel post skipped", fields...)
				}
				continue
			}
			l.accepted.Add(1)
		}
	}
}

func (l *Listener) handle(ctx context.Context, p kit.ChannelPost) error {
	kind, err := kindOf(p)
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, l.cfg.DownloadTimeout)
	defer cancel()
	body, err := l.dl.Download(dctx, p.FileID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	saved, err := l.media.Save(dctx, body, extOf(p, kind))
	_ = body.Close()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	ev := relay.Event{
		GroupID:     p.AlbumID,
		Kind:        kind,
		Payload:     saved.Path,
		Fingerprint: saved.Fingerprint,
		MIME:        p.MIME,
		Caption:     p.Caption,
		ArrivedAt:   l.now(),
	}
	id, err := l.eng.Ingest(ctx, ev)
	if err != nil {
		l.media.Release([]relay.MediaItem{{Payload: saved.Path}})
		return fmt.Errorf("ingest: %w", err)
	}
	l.log.Debug("channel post ingested",
		logx.Int("message_id", p.MessageID),
		logx.String("album", p.AlbumID),
		logx.String("kind", string(kind)),
		logx.Int64("bytes", saved.Size),
		logx.String("submission", id),
	)
	return nil
}

// kindOf maps a post to a relay media kind. Documents qualify when their
// MIME type is an image or a video.
func kindOf(p kit.ChannelPost) (relay.MediaKind, error) {
	switch p.Kind {
	case kit.MediaPhoto:
		return relay.KindPhoto, nil
	case kit.MediaVideo:
		return relay.KindVideo, nil
	case kit.MediaDocument:
		m := strings.ToLower(p.MIME)
		switch {
		case strings.HasPrefix(m, "image/"):
			return relay.KindPhoto, nil
		case strings.HasPrefix(m, "video/"):
			return relay.KindVideo, nil
		}
		return "", fmt.Errorf("%w: document %q", ErrUnsupported, p.MIME)
	case kit.MediaNone:
		return "", ErrTextOnly
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, p.Kind)
}

func extOf(p kit.ChannelPost, kind relay.MediaKind) string {
	if ext := filepath.Ext(p.FileName); ext != "" && len(ext) <= 6 {
		return ext
	}
	if p.MIME != "" {
		if exts, err := mime.ExtensionsByType(p.MIME); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if kind == relay.KindVideo {
		return ".mp4"
	}
	return ".jpg"
}
