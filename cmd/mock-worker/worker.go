package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcttech/claude-session-manager/internal/bridge"
)

const workerVersion = "mock-worker/1"

// mockWorker answers prompts with scripted event sequences.
//
//	/network <domain>   emits a [NETWORK_REQUEST: domain] marker
//	/tool:<Name> <arg>  emits a tool call followed by its result
//	/error              fails the turn with an agent error
//	/slow               streams slowly until interrupted
//	anything else       echoes the prompt back
type mockWorker struct {
	delay time.Duration

	mu          sync.Mutex
	interrupted map[string]chan struct{}
	turns       map[string]int
}

func newMockWorker(delay time.Duration) *mockWorker {
	return &mockWorker{
		delay:       delay,
		interrupted: make(map[string]chan struct{}),
		turns:       make(map[string]int),
	}
}

func (w *mockWorker) Execute(req *bridge.ExecuteRequest, out bridge.EventSender) error {
	id := "mock-" + uuid.NewString()[:8]
	if err := out.Send(&bridge.AgentEvent{SessionInit: &bridge.SessionInit{SessionID: id}}); err != nil {
		return err
	}
	return w.turn(out, id, req.Prompt, req.PermissionMode)
}

func (w *mockWorker) SendMessage(req *bridge.SendMessageRequest, out bridge.EventSender) error {
	return w.turn(out, req.SessionID, req.Prompt, req.PermissionMode)
}

func (w *mockWorker) Interrupt(_ context.Context, req *bridge.InterruptRequest) (*bridge.InterruptResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.interrupted[req.SessionID]
	if !ok {
		return &bridge.InterruptResponse{Success: false}, nil
	}
	close(ch)
	delete(w.interrupted, req.SessionID)
	return &bridge.InterruptResponse{Success: true}, nil
}

func (w *mockWorker) Health(context.Context, *bridge.HealthRequest) (*bridge.HealthResponse, error) {
	return &bridge.HealthResponse{Ready: true, WorkerVersion: workerVersion}, nil
}

func (w *mockWorker) begin(id string) (<-chan struct{}, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	w.interrupted[id] = ch
	w.turns[id]++
	return ch, w.turns[id]
}

func (w *mockWorker) end(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.interrupted, id)
}

func (w *mockWorker) turn(out bridge.EventSender, id, prompt, mode string) error {
	stop, n := w.begin(id)
	defer w.end(id)

	prompt = strings.TrimSpace(prompt)
	start := time.Now()
	s := &script{out: out, delay: w.delay, stop: stop, ctx: out.Context()}

	switch {
	case strings.HasPrefix(prompt, "/network "):
		domain := strings.TrimSpace(strings.TrimPrefix(prompt, "/network "))
		s.text("I need network access to continue.\n")
		s.text(fmt.Sprintf("[NETWORK_REQUEST: %s]\n", domain))
	case strings.HasPrefix(prompt, "/tool:"):
		name, arg, _ := strings.Cut(strings.TrimPrefix(prompt, "/tool:"), " ")
		s.tool(name, arg)
		s.text(fmt.Sprintf("Finished %s.\n", name))
	case prompt == "/error":
		return out.Send(&bridge.AgentEvent{Error: &bridge.AgentError{Message: "mock failure", ErrorType: "mock"}})
	case prompt == "/slow":
		for i := 1; i <= 60 && !s.stopped(); i++ {
			s.text(fmt.Sprintf("working... %d\n", i))
			s.sleep(time.Second)
		}
	case strings.HasPrefix(prompt, "/compact"), strings.HasPrefix(prompt, "/clear"):
		s.text("Context " + strings.TrimPrefix(prompt, "/") + "ed.\n")
	default:
		reply := "echo: " + prompt
		if mode == "plan" {
			reply = "[plan mode] " + reply
		}
		s.text(reply + "\n")
	}
	if s.err != nil {
		return s.err
	}

	return out.Send(&bridge.AgentEvent{Result: &bridge.Result{
		SessionID:    id,
		InputTokens:  uint64(1000 * n),
		OutputTokens: uint64(50 * n),
		NumTurns:     int32(n),
		DurationMs:   time.Since(start).Milliseconds(),
	}})
}

// script sends events with a fixed delay and remembers the first send error.
type script struct {
	out   bridge.EventSender
	ctx   context.Context
	delay time.Duration
	stop  <-chan struct{}
	err   error
}

func (s *script) stopped() bool {
	if s.err != nil {
		return true
	}
	select {
	case <-s.stop:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *script) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stop:
	case <-s.ctx.Done():
	}
}

func (s *script) send(ev *bridge.AgentEvent) {
	if s.err != nil {
		return
	}
	s.sleep(s.delay)
	s.err = s.out.Send(ev)
}

func (s *script) text(t string) {
	s.send(&bridge.AgentEvent{Text: &bridge.TextEvent{Text: t}})
}

func (s *script) tool(name, arg string) {
	id := "toolu_" + uuid.NewString()[:8]
	input := fmt.Sprintf(`{"file_path":%q,"command":%q,"pattern":%q}`, arg, arg, arg)
	s.send(&bridge.AgentEvent{ToolUse: &bridge.ToolUse{ToolName: name, ToolUseID: id, InputJSON: input}})
	s.send(&bridge.AgentEvent{ToolResult: &bridge.ToolResult{ToolUseID: id, Content: "ok"}})
}
