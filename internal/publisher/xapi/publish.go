package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tgrelay/internal/relay"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/tgui"
)

// MaxTextRunes is the post length limit applied to captions.
const MaxTextRunes = 280

type tweetRequest struct {
	Text  string      `json:"text,omitempty"`
	Media *tweetMedia `json:"media,omitempty"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// StatusURL is the public link for a post id.
func StatusURL(id string) string { return "https://x.com/i/web/status/" + id }

// Publish posts the root item with the caption, then each reply as an
// answer to the previous post. Refs of posts made before a failure are
// returned along with the error.
func (c *Client) Publish(ctx context.Context, plan relay.PublishPlan) (relay.PublishResult, error) {
	var res relay.PublishResult
	start := time.Now()

	rootID, err := c.postItem(ctx, plan.Root, tgui.TruncRunes(plan.Caption, MaxTextRunes), "")
	if err != nil {
		return res, fmt.Errorf("root: %w", err)
	}
	res.RootRef = StatusURL(rootID)

	prev := rootID
	for i, it := range plan.Replies {
		id, err := c.postItem(ctx, it, "", prev)
		if err != nil {
			return res, fmt.Errorf("reply %d/%d: %w", i+1, len(plan.Replies), err)
		}
		res.ReplyRefs = append(res.ReplyRefs, StatusURL(id))
		prev = id
	}

	c.log.Info("thread posted",
		logx.String("submission", plan.SubmissionID),
		logx.String("root", res.RootRef),
		logx.Int("replies", len(res.ReplyRefs)),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (c *Client) postItem(ctx context.Context, it relay.MediaItem, text, replyTo string) (string, error) {
	mediaID, err := c.upload(ctx, it)
	if err != nil {
		return "", err
	}
	body := tweetRequest{Text: text, Media: &tweetMedia{MediaIDs: []string{mediaID}}}
	if replyTo != "" {
		body.Reply = &tweetReply{InReplyToTweetID: replyTo}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/2/tweets", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var out tweetResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("create post: empty id")
	}
	return out.Data.ID, nil
}
