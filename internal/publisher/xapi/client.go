// Package xapi publishes relay threads to X through the v2 API.
package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	logx "tgrelay/pkg/logx"
)

const (
	DefaultAPIBase  = "https://api.x.com"
	DefaultTokenURL = "https://api.x.com/2/oauth2/token"
)

type Config struct {
	APIBase      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// TokenFile keeps the latest rotated token across restarts. Optional.
	TokenFile string

	RequestTimeout    time.Duration
	ProcessingTimeout time.Duration
	ChunkSize         int
	// UploadRate limits APPEND requests per second; 0 disables pacing.
	UploadRate float64

	// HTTPClient is the transport under the OAuth2 layer (tests).
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	c.APIBase = strings.TrimRight(c.APIBase, "/")
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4 << 20
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("x api: http %d", e.Status)
	}
	return fmt.Sprintf("x api: http %d: %s", e.Status, e.Detail)
}

// Retryable reports whether a later attempt may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	tok := &oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken, TokenType: "Bearer"}
	if saved, err := loadToken(cfg.TokenFile); err != nil {
		log.Warn("x token file unreadable; using configured token", logx.String("path", cfg.TokenFile), logx.Err(err))
	} else if saved != nil {
		tok = saved
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("x: access_token or refresh_token is required")
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	octx := context.WithValue(ctx, oauth2.HTTPClient, base)

	var src oauth2.TokenSource
	if tok.RefreshToken != "" && cfg.ClientID != "" {
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		src = &savingSource{src: conf.TokenSource(octx, tok), path: cfg.TokenFile, last: tok.AccessToken, log: log}
	} else {
		src = oauth2.StaticTokenSource(tok)
	}

	hc := oauth2.NewClient(octx, src)
	hc.Timeout = cfg.RequestTimeout

	c := &Client{cfg: cfg, http: hc, log: log, sleep: sleepCtx}
	if cfg.UploadRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), 1)
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("x api: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// errorDetail extracts the message of a v2 problem or v1.1 error body.
func errorDetail(body []byte) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &p) == nil {
		switch {
		case p.Detail != "":
			return p.Detail
		case len(p.Errors) > 0 && p.Errors[0].Message != "":
			return p.Errors[0].Message
		case p.Title != "":
			return p.Title
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
