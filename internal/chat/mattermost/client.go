// Package mattermost implements chat.Chat against the Mattermost v4 API.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/chat"
	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

const (
	apiPrefix      = "/api/v4"
	requestTimeout = 30 * time.Second
)

var errNotFound = errors.New("not found")

// Client is a Mattermost bot client.
type Client struct {
	baseURL    string
	token      string
	teamID     string
	category   string
	botUserID  string
	httpClient *http.Client
	logger     *logger.Logger
}

var _ chat.Chat = (*Client)(nil)

// New resolves the bot user behind cfg.Token.
func New(ctx context.Context, cfg config.ChatConfig, log *logger.Logger) (*Client, error) {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		teamID:   cfg.TeamID,
		category: cfg.ChannelCategory,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.WithFields(zap.String("component", "mattermost")),
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return nil, fmt.Errorf("resolve bot user: %w", err)
	}
	c.botUserID = me.ID
	c.logger.Info("Connected to Mattermost", zap.String("bot_user_id", me.ID))
	return c, nil
}

// BotUserID is the id of the authenticated bot.
func (c *Client) BotUserID() string { return c.botUserID }

type postRequest struct {
	ChannelID string         `json:"channel_id"`
	RootID    string         `json:"root_id,omitempty"`
	Message   string         `json:"message"`
	Props     map[string]any `json:"props,omitempty"`
}

type postResponse struct {
	ID string `json:"id"`
}

func (c *Client) Post(ctx context.Context, channelID, message string) (string, error) {
	return c.createPost(ctx, postRequest{ChannelID: channelID, Message: message})
}

func (c *Client) PostInThread(ctx context.Context, channelID, rootID, message string) (string, error) {
	return c.createPost(ctx, postRequest{ChannelID: channelID, RootID: rootID, Message: message})
}

// PostCard renders card as a message attachment with integration actions.
func (c *Client) PostCard(ctx context.Context, channelID, rootID string, card chat.Card) (string, error) {
	actions := make([]map[string]any, 0, len(card.Actions))
	for _, a := range card.Actions {
		actions = append(actions, map[string]any{
			"id":   a.ID,
			"name": a.Name,
			"integration": map[string]any{
				"url":     a.URL,
				"context": a.Context,
			},
		})
	}
	props := map[string]any{
		"attachments": []map[string]any{{
			"color":   card.Color,
			"text":    card.Text,
			"actions": actions,
		}},
	}
	return c.createPost(ctx, postRequest{ChannelID: channelID, RootID: rootID, Props: props})
}

func (c *Client) createPost(ctx context.Context, req postRequest) (string, error) {
	var resp postResponse
	if err := c.do(ctx, http.MethodPost, "/posts", req, &resp); err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	return resp.ID, nil
}

// UpdatePost replaces the message and clears any attachments.
func (c *Client) UpdatePost(ctx context.Context, postID, message string) error {
	body := map[string]any{
		"id":      postID,
		"message": message,
		"props":   map[string]any{"attachments": []any{}},
	}
	if err := c.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(postID), body, nil); err != nil {
		return fmt.Errorf("update post %s: %w", postID, err)
	}
	return nil
}

func (c *Client) GetChannelByName(ctx context.Context, name string) (string, bool, error) {
	var ch struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("/teams/%s/channels/name/%s", url.PathEscape(c.teamID), url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &ch)
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get channel %s: %w", name, err)
	}
	return ch.ID, true, nil
}

// CreateChannel creates a public channel and, when a sidebar category is
// configured, files it there. Category placement is best-effort.
func (c *Client) CreateChannel(ctx context.Context, name, displayName string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	body := map[string]string{
		"team_id":      c.teamID,
		"name":         name,
		"display_name": displayName,
		"type":         "O",
	}
	if err := c.do(ctx, http.MethodPost, "/channels", body, &ch); err != nil {
		return "", fmt.Errorf("create channel %s: %w", name, err)
	}
	if c.category != "" {
		if err := c.addToCategory(ctx, ch.ID); err != nil {
			c.logger.Warn("Failed to file channel under category",
				zap.String("channel_id", ch.ID),
				zap.String("category", c.category),
				zap.Error(err))
		}
	}
	return ch.ID, nil
}

type sidebarCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	ChannelIDs  []string `json:"channel_ids"`
}

func (c *Client) addToCategory(ctx context.Context, channelID string) error {
	base := fmt.Sprintf("/users/%s/teams/%s/channels/categories", url.PathEscape(c.botUserID), url.PathEscape(c.teamID))
	var list struct {
		Categories []sidebarCategory `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, base, nil, &list); err != nil {
		return err
	}
	for _, cat := range list.Categories {
		if !strings.EqualFold(cat.DisplayName, c.category) {
			continue
		}
		cat.ChannelIDs = append(cat.ChannelIDs, channelID)
		return c.do(ctx, http.MethodPut, base+"/"+url.PathEscape(cat.ID), cat, nil)
	}
	cat := sidebarCategory{DisplayName: c.category, ChannelIDs: []string{channelID}}
	body := map[string]any{
		"user_id":      c.botUserID,
		"team_id":      c.teamID,
		"display_name": cat.DisplayName,
		"type":         "custom",
		"channel_ids":  cat.ChannelIDs,
	}
	return c.do(ctx, http.MethodPost, base, body, nil)
}

func (c *Client) FollowThread(ctx context.Context, threadID string) error {
	endpoint := fmt.Sprintf("/users/%s/teams/%s/threads/%s/following",
		url.PathEscape(c.botUserID), url.PathEscape(c.teamID), url.PathEscape(threadID))
	if err := c.do(ctx, http.MethodPut, endpoint, nil, nil); err != nil {
		return fmt.Errorf("follow thread %s: %w", threadID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mattermost %s returned %d: %s", endpoint, resp.StatusCode, string(msg))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
