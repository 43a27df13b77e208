// Package monitor flags sessions that stopped producing output and reclaims
// idle workloads.
package monitor

import (
	"sort"
	"sync"
	"time"
)

// Activity is the liveness record for one session.
type Activity struct {
	SessionID     string
	ChannelID     string
	ThreadID      string
	LastActivity  time.Time
	LastEventType string
	Warned        bool
}

// Tracker is a concurrency-safe last-activity map, independent of the session registry.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Activity
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*Activity), now: time.Now}
}

func (t *Tracker) Register(sessionID, channelID, threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = &Activity{
		SessionID:     sessionID,
		ChannelID:     channelID,
		ThreadID:      threadID,
		LastActivity:  t.now(),
		LastEventType: "registered",
	}
}

// Touch records activity and clears the warned flag.
func (t *Tracker) Touch(sessionID, eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.sessions[sessionID]; ok {
		a.LastActivity = t.now()
		a.LastEventType = eventType
		a.Warned = false
	}
}

func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) Info(sessionID string) (Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.sessions[sessionID]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// Stale lists unwarned sessions idle for at least timeout, oldest first.
func (t *Tracker) Stale(timeout time.Duration) []Activity {
	t.mu.Lock()
	now := t.now()
	var out []Activity
	for _, a := range t.sessions {
		if !a.Warned && now.Sub(a.LastActivity) >= timeout {
			out = append(out, *a)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out
}

// MarkWarned reports false if the session is gone or already warned.
func (t *Tracker) MarkWarned(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.sessions[sessionID]
	if !ok || a.Warned {
		return false
	}
	a.Warned = true
	return true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
