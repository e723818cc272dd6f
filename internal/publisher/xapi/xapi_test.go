package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
)

type fakeX struct {
	mu        sync.Mutex
	auth      []string
	appends   map[string]int
	statusHit int
	tweets    []tweetRequest
	failTweet int // fail the n-th tweet (1-based), 0 = never
	nextID    int
}

func newFakeX() *fakeX { return &fakeX{appends: map[string]int{}} }

func (f *fakeX) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "r1" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","token_type":"bearer","refresh_token":"r2","expires_in":7200}`)
	})
	mux.HandleFunc("/2/media/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("command") {
		case "INIT":
			f.nextID++
			id := fmt.Sprintf("m%d", f.nextID)
			_, _ = fmt.Fprintf(w, `{"data":{"id":%q}}`, id)
		case "APPEND":
			file, _, err := r.FormFile("media")
			if err != nil {
				t.Errorf("append without media: %v", err)
				http.Error(w, "bad", http.StatusBadRequest)
				return
			}
			_ = file.Close()
			f.appends[r.FormValue("media_id")]++
			w.WriteHeader(http.StatusNoContent)
		case "FINALIZE":
			id := r.FormValue("media_id")
			if id == "m1" {
				_, _ = fmt.Fprintf(w, `{"data":{"id":%q,"processing_info":{"state":"pending","check_after_secs":1}}}`, id)
				return
			}
			_, _ = fmt.Fprintf(w, `{"data":{"id":%q}}`, id)
		case "STATUS":
			f.statusHit++
			_, _ = fmt.Fprintf(w, `{"data":{"id":%q,"processing_info":{"state":"succeeded"}}}`, r.FormValue("media_id"))
		default:
			http.Error(w, "unknown command", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		var req tweetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.tweets = append(f.tweets, req)
		if f.failTweet == len(f.tweets) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"title":"Too Many Requests","detail":"rate limited"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"data":{"id":"t%d"}}`, len(f.tweets))
	})
	return mux
}

func writeMedia(t *testing.T, name string, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.APIBase = srv.URL
	cfg.TokenURL = srv.URL + "/2/oauth2/token"
	cfg.HTTPClient = srv.Client()
	c, err := New(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestPublishThread(t *testing.T) {
	t.Parallel()
	fx := newFakeX()
	srv := httptest.NewServer(fx.handler(t))
	defer srv.Close()
	c := newClient(t, srv, Config{AccessToken: "a1", ChunkSize: 4})

	plan := relay.PublishPlan{
		SubmissionID: "s1",
		Root:         relay.MediaItem{Kind: relay.KindVideo, Payload: writeMedia(t, "v.mp4", 10), MIME: "video/mp4"},
		Caption:      "hello",
		Replies: []relay.MediaItem{
			{Kind: relay.KindPhoto, Payload: writeMedia(t, "a.jpg", 3)},
			{Kind: relay.KindPhoto, Payload: writeMedia(t, "b.jpg", 4)},
		},
	}
	res, err := c.Publish(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.RootRef != "https://x.com/i/web/status/t1" || len(res.ReplyRefs) != 2 {
		t.Fatalf("result = %+v", res)
	}

	fx.mu.Lock()
	defer fx.mu.Unlock()
	if fx.appends["m1"] != 3 || fx.appends["m2"] != 1 || fx.appends["m3"] != 1 {
		t.Fatalf("appends = %v", fx.appends)
	}
	if fx.statusHit != 1 {
		t.Fatalf("status polls = %d, want 1", fx.statusHit)
	}
	if fx.tweets[0].Text != "hello" || fx.tweets[0].Reply != nil {
		t.Fatalf("root tweet = %+v", fx.tweets[0])
	}
	if fx.tweets[1].Text != "" || fx.tweets[1].Reply.InReplyToTweetID != "t1" {
		t.Fatalf("first reply = %+v", fx.tweets[1])
	}
	if fx.tweets[2].Reply.InReplyToTweetID != "t2" {
		t.Fatalf("replies must chain: %+v", fx.tweets[2])
	}
	for _, a := range fx.auth {
		if a != "Bearer a1" {
			t.Fatalf("authorization = %q", a)
		}
	}
}

func TestPublishPartialFailure(t *testing.T) {
	t.Parallel()
	fx := newFakeX()
	fx.failTweet = 2
	srv := httptest.NewServer(fx.handler(t))
	defer srv.Close()
	c := newClient(t, srv, Config{AccessToken: "a1"})

	plan := relay.PublishPlan{
		Root:    relay.MediaItem{Kind: relay.KindPhoto, Payload: writeMedia(t, "a.jpg", 3)},
		Replies: []relay.MediaItem{{Kind: relay.KindPhoto, Payload: writeMedia(t, "b.jpg", 3)}},
	}
	res, err := c.Publish(context.Background(), plan)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests || !apiErr.Retryable() {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("detail missing: %v", err)
	}
	if res.RootRef == "" || len(res.ReplyRefs) != 0 {
		t.Fatalf("partial result = %+v", res)
	}
}

func TestRefreshSavesRotatedToken(t *testing.T) {
	t.Parallel()
	fx := newFakeX()
	srv := httptest.NewServer(fx.handler(t))
	defer srv.Close()
	tokenFile := filepath.Join(t.TempDir(), "x-token.json")
	c := newClient(t, srv, Config{RefreshToken: "r1", ClientID: "cid", TokenFile: tokenFile})

	plan := relay.PublishPlan{Root: relay.MediaItem{Kind: relay.KindPhoto, Payload: writeMedia(t, "a.jpg", 3)}, Caption: "x"}
	if _, err := c.Publish(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	fx.mu.Lock()
	first := fx.auth[0]
	fx.mu.Unlock()
	if first != "Bearer a2" {
		t.Fatalf("authorization = %q, want refreshed token", first)
	}
	saved, err := loadToken(tokenFile)
	if err != nil || saved == nil || saved.RefreshToken != "r2" {
		t.Fatalf("saved token = %+v, %v", saved, err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error without tokens")
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()
	cases := []struct {
		it   relay.MediaItem
		want string
	}{
		{relay.MediaItem{Kind: relay.KindPhoto}, "tweet_image"},
		{relay.MediaItem{Kind: relay.KindPhoto, MIME: "image/gif"}, "tweet_gif"},
		{relay.MediaItem{Kind: relay.KindVideo}, "tweet_video"},
	}
	for _, tc := range cases {
		if got := category(tc.it); got != tc.want {
			t.Fatalf("category(%+v) = %q, want %q", tc.it, got, tc.want)
		}
	}
}
