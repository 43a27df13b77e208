package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/chat"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type postedData struct {
	Post       string `json:"post"`
	SenderName string `json:"sender_name"`
}

type wirePost struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// Listen keeps a websocket open and forwards posts from other users to out.
// A connection that delivered frames is redialed at once; failed dials back
// off exponentially with jitter. A full out channel drops the post.
func (c *Client) Listen(ctx context.Context, out chan<- chat.Post) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25

	failures := 0
	for {
		received, err := c.listenOnce(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case received:
			bo.Reset()
			failures = 0
			c.logger.Info("WebSocket connection closed, reconnecting immediately", zap.Error(err))
			continue
		case err == nil:
			c.logger.Info("WebSocket connection closed normally")
			return nil
		}

		failures++
		delay := bo.NextBackOff()
		c.logger.Warn("WebSocket disconnected, reconnecting after backoff",
			zap.Error(err),
			zap.Duration("backoff", delay),
			zap.Int("consecutive_failures", failures))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) websocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + apiPrefix + "/websocket"
}

// listenOnce runs one connection. received reports whether any frame arrived.
func (c *Client) listenOnce(ctx context.Context, out chan<- chat.Post) (received bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial websocket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	auth := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.token},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return false, fmt.Errorf("authenticate websocket: %w", err)
	}
	c.logger.Info("WebSocket connected and authenticated")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return received, nil
			}
			return received, fmt.Errorf("read websocket: %w", err)
		}
		received = true

		post, ok := c.parsePosted(data)
		if !ok {
			continue
		}
		select {
		case out <- post:
		default:
			c.logger.Warn("Inbound post dropped, handler channel full",
				zap.String("channel_id", post.ChannelID),
				zap.String("post_id", post.ID))
		}
	}
}

func (c *Client) parsePosted(frame []byte) (chat.Post, bool) {
	var ev wsEvent
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Event != "posted" {
		return chat.Post{}, false
	}
	var d postedData
	if err := json.Unmarshal(ev.Data, &d); err != nil || d.Post == "" {
		return chat.Post{}, false
	}
	var p wirePost
	if err := json.Unmarshal([]byte(d.Post), &p); err != nil {
		return chat.Post{}, false
	}
	if p.UserID == c.botUserID {
		return chat.Post{}, false
	}
	return chat.Post{
		ID:        p.ID,
		ChannelID: p.ChannelID,
		RootID:    p.RootID,
		UserID:    p.UserID,
		UserName:  strings.TrimPrefix(d.SenderName, "@"),
		Message:   p.Message,
	}, true
}
