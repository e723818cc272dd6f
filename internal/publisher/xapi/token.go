package xapi

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	logx "tgrelay/pkg/logx"
)

// savingSource writes every newly issued token to path. X rotates the
// refresh token on each refresh, so the old one stops working.
type savingSource struct {
	src  oauth2.TokenSource
	path string
	log  logx.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		s.log.Info("x token refreshed", logx.Time("expiry", tok.Expiry))
		if err := saveToken(s.path, tok); err != nil {
			s.log.Warn("x token not saved", logx.String("path", s.path), logx.Err(err))
		}
	}
	return tok, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if path == "" {
		return nil
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
