package xapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
)

var ErrProcessing = errors.New("x api: media processing failed")

type processingInfo struct {
	State          string `json:"state"`
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type mediaResponse struct {
	Data struct {
		ID             string          `json:"id"`
		ProcessingInfo *processingInfo `json:"processing_info,omitempty"`
	} `json:"data"`
}

func category(it relay.MediaItem) string {
	switch {
	case strings.EqualFold(it.MIME, "image/gif"):
		return "tweet_gif"
	case it.Kind == relay.KindVideo:
		return "tweet_video"
	}
	return "tweet_image"
}

func mediaType(it relay.MediaItem) string {
	if it.MIME != "" {
		return it.MIME
	}
	if it.Kind == relay.KindVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// upload sends one file with the chunked INIT / APPEND / FINALIZE flow and
// waits for server-side processing when the API asks for it.
func (c *Client) upload(ctx context.Context, it relay.MediaItem) (string, error) {
	f, err := os.Open(it.Payload)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}

	var init mediaResponse
	form := url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(st.Size(), 10)},
		"media_type":     {mediaType(it)},
		"media_category": {category(it)},
	}
	if err := c.postForm(ctx, form, &init); err != nil {
		return "", fmt.Errorf("upload init: %w", err)
	}
	id := init.Data.ID
	if id == "" {
		return "", errors.New("upload init: empty media id")
	}

	buf := make([]byte, c.cfg.ChunkSize)
	for seg := 0; ; seg++ {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return "", err
				}
			}
			if err := c.appendChunk(ctx, id, seg, buf[:n]); err != nil {
				return "", fmt.Errorf("upload append %d: %w", seg, err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}

	var fin mediaResponse
	if err := c.postForm(ctx, url.Values{"command": {"FINALIZE"}, "media_id": {id}}, &fin); err != nil {
		return "", fmt.Errorf("upload finalize: %w", err)
	}
	if err := c.awaitProcessing(ctx, id, fin.Data.ProcessingInfo); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) postForm(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/2/media/upload", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) appendChunk(ctx context.Context, id string, seg int, chunk []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("command", "APPEND")
	_ = w.WriteField("media_id", id)
	_ = w.WriteField("segment_index", strconv.Itoa(seg))
	part, err := w.CreateFormFile("media", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/2/media/upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, nil)
}

func (c *Client) awaitProcessing(ctx context.Context, id string, info *processingInfo) error {
	if info == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
	defer cancel()
	for {
		switch info.State {
		case "", "succeeded":
			return nil
		case "failed":
			msg := "unknown"
			if info.Error != nil && info.Error.Message != "" {
				msg = info.Error.Message
			}
			return fmt.Errorf("%w: %s", ErrProcessing, msg)
		}
		wait := time.Duration(info.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		c.log.Debug("media processing", logx.String("media_id", id), logx.String("state", info.State), logx.Duration("wait", wait))
		if err := c.sleep(pctx, wait); err != nil {
			return fmt.Errorf("media %s processing: %w", id, err)
		}

		req, err := http.NewRequestWithContext(pctx, http.MethodGet,
			c.cfg.APIBase+"/2/media/upload?"+url.Values{"command": {"STATUS"}, "media_id": {id}}.Encode(), nil)
		if err != nil {
			return err
		}
		var st mediaResponse
		if err := c.do(req, &st); err != nil {
			return fmt.Errorf("upload status: %w", err)
		}
		if st.Data.ProcessingInfo == nil {
			return nil
		}
		info = st.Data.ProcessingInfo
	}
}
