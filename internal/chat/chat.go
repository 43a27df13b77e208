// Package chat defines the chat platform surface the session manager talks to.
package chat

import (
	"context"
	"strings"
)

// Post is an inbound message. RootID is empty for top-level posts.
type Post struct {
	ID        string
	ChannelID string
	RootID    string
	UserID    string
	UserName  string
	Message   string
}

// Thread returns the thread a reply should go to: the root of a reply, or the
// post itself when it is top-level.
func (p Post) Thread() string {
	if p.RootID != "" {
		return p.RootID
	}
	return p.ID
}

// CardAction is one button on an interactive card. Context is sent back
// verbatim to URL when the button is pressed.
type CardAction struct {
	ID      string
	Name    string
	URL     string
	Context map[string]any
}

// Card is an interactive message with action buttons.
type Card struct {
	Text    string
	Color   string
	Actions []CardAction
}

// Chat is implemented by chat platform adapters.
type Chat interface {
	Post(ctx context.Context, channelID, message string) (string, error)
	PostInThread(ctx context.Context, channelID, rootID, message string) (string, error)
	PostCard(ctx context.Context, channelID, rootID string, card Card) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
	GetChannelByName(ctx context.Context, name string) (id string, found bool, err error)
	CreateChannel(ctx context.Context, name, displayName string) (string, error)
	FollowThread(ctx context.Context, threadID string) error
	// Listen delivers posts from other users to out until ctx is done.
	Listen(ctx context.Context, out chan<- Post) error
}

const (
	maxChannelName      = 64
	fallbackChannelName = "claude-session"
)

// SanitizeChannelName lowercases name and reduces it to [a-z0-9-], collapsing
// dash runs and trimming edge dashes.
func SanitizeChannelName(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxChannelName {
		out = strings.TrimRight(out[:maxChannelName], "-")
	}
	if out == "" {
		return fallbackChannelName
	}
	return out
}
