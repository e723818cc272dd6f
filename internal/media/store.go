// Package media keeps downloaded channel files on local disk until their
// submission reaches a terminal state.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
)

type Store struct {
	dir string
	log logx.Logger
}

// Saved describes a file written by Save.
type Saved struct {
	Path        string
	Fingerprint string
	Size        int64
}

func NewStore(dir string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("media dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: abs, log: log}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save copies r into a new uuid-named file with extension ext and returns
// its sha256 fingerprint. A partial file is removed on error.
func (s *Store) Save(ctx context.Context, r io.Reader, ext string) (Saved, error) {
	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return Saved{}, err
	}
	tmpName := tmp.Name()
	fail := func(err error) (Saved, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Saved{}, err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	final := filepath.Join(s.dir, uuid.NewString()+strings.ToLower(ext))
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return Saved{}, err
	}
	return Saved{Path: final, Fingerprint: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Release deletes the files of items. Paths outside the media dir are left
// alone.
func (s *Store) Release(items []relay.MediaItem) {
	for _, it := range items {
		if !s.owns(it.Payload) {
			continue
		}
		if err := os.Remove(it.Payload); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("media file not removed", logx.String("path", it.Payload), logx.Err(err))
		}
	}
}

func (s *Store) owns(path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Sweep removes files older than maxAge that inUse does not claim. It
// catches files left behind by a crash between download and admission.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration, inUse func(path string) bool) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if inUse != nil && inUse(path) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("stale media not removed", logx.String("path", path), logx.Err(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("stale media swept", logx.Int("removed", removed))
	}
	return removed, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
