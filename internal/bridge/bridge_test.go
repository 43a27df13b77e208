package bridge

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/output"
)

type fakeWorker struct {
	mu          sync.Mutex
	events      []*AgentEvent
	lastPrompt  string
	lastSession string
	interrupted []string
	ready       bool
	healthCalls int
}

func (f *fakeWorker) Execute(req *ExecuteRequest, s EventSender) error {
	f.mu.Lock()
	f.lastPrompt = req.Prompt
	events := f.events
	f.mu.Unlock()
	for _, ev := range events {
		if err := s.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeWorker) SendMessage(req *SendMessageRequest, s EventSender) error {
	f.mu.Lock()
	f.lastSession = req.SessionID
	f.mu.Unlock()
	return f.Execute(&ExecuteRequest{Prompt: req.Prompt}, s)
}

func (f *fakeWorker) Interrupt(_ context.Context, req *InterruptRequest) (*InterruptResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, req.SessionID)
	return &InterruptResponse{Success: true}, nil
}

func (f *fakeWorker) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return &HealthResponse{Ready: f.ready, WorkerVersion: "test"}, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func startWorker(t *testing.T, w *fakeWorker) Dialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterWorkerServer(srv, w)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	log := testLogger(t)
	return func(addr string) (*Client, error) {
		return Dial("passthrough:///bufnet", log,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
}

func collect(t *testing.T, s *Stream) ([]output.Event, string, error) {
	t.Helper()
	var got []output.Event
	id, err := s.Turn(context.Background(), func(ev output.Event) error {
		got = append(got, ev)
		return nil
	})
	return got, id, err
}

func TestExecuteMapsEvents(t *testing.T) {
	w := &fakeWorker{events: []*AgentEvent{
		{SessionInit: &SessionInit{SessionID: "remote-1"}},
		{Text: &TextEvent{Text: "Hel", IsPartial: true}},
		{Text: &TextEvent{Text: "lo\nwor", IsPartial: true}},
		{ToolUse: &ToolUse{ToolName: "Read", InputJSON: `{"file_path":"a.go"}`}},
		{ToolResult: &ToolResult{ToolUseID: "t1"}},
		{Subagent: &Subagent{AgentName: "explore", IsStart: true}},
		{Text: &TextEvent{Text: "done\nall good\n"}},
		{Result: &Result{SessionID: "remote-1", InputTokens: 10, OutputTokens: 5}},
	}}
	dial := startWorker(t, w)
	c, err := dial("")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.Execute(context.Background(), ExecuteRequest{Prompt: "hi"})
	require.NoError(t, err)
	got, id, err := collect(t, s)
	require.NoError(t, err)

	assert.Equal(t, "remote-1", id)
	assert.Equal(t, []output.Event{
		output.TextLine("Hello"),
		output.TextLine("wor"),
		output.ToolAction("**Read** `a.go`"),
		output.TextLine("done"),
		output.TextLine("all good"),
		output.ResponseComplete(10, 5),
	}, got)
	assert.Equal(t, "hi", w.lastPrompt)
}

func TestContinueUsesRemoteSession(t *testing.T) {
	w := &fakeWorker{events: []*AgentEvent{{Result: &Result{InputTokens: 1}}}}
	dial := startWorker(t, w)
	c, err := dial("")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.Continue(context.Background(), "remote-9", "more")
	require.NoError(t, err)
	_, _, err = collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, "remote-9", w.lastSession)
}

func TestTurnEndWithoutResult(t *testing.T) {
	w := &fakeWorker{events: []*AgentEvent{{Text: &TextEvent{Text: "partial", IsPartial: true}}}}
	dial := startWorker(t, w)
	c, err := dial("")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.Execute(context.Background(), ExecuteRequest{Prompt: "x"})
	require.NoError(t, err)
	got, _, err := collect(t, s)
	require.ErrorIs(t, err, ErrStreamTerminated)
	require.Len(t, got, 2)
	assert.Equal(t, output.TextLine("partial"), got[0])
	assert.Equal(t, output.KindProcessDied, got[1].Kind)
	assert.Equal(t, "unexpected end of stream", got[1].Cause)
}

func TestTurnErrorsBecomeProcessDied(t *testing.T) {
	t.Run("agent error", func(t *testing.T) {
		w := &fakeWorker{events: []*AgentEvent{{Error: &AgentError{Message: "boom", ErrorType: "execute_error"}}}}
		c, err := startWorker(t, w)("")
		require.NoError(t, err)
		defer c.Close()

		s, err := c.Execute(context.Background(), ExecuteRequest{})
		require.NoError(t, err)
		got, _, err := collect(t, s)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 1, *got[0].ExitCode)
		assert.Equal(t, "execute_error: boom", got[0].Cause)
	})

	t.Run("error result", func(t *testing.T) {
		w := &fakeWorker{events: []*AgentEvent{{Result: &Result{IsError: true}}}}
		c, err := startWorker(t, w)("")
		require.NoError(t, err)
		defer c.Close()

		s, err := c.Execute(context.Background(), ExecuteRequest{})
		require.NoError(t, err)
		got, _, err := collect(t, s)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, output.KindProcessDied, got[0].Kind)
	})
}

func TestTurnReleasesStream(t *testing.T) {
	w := &fakeWorker{events: []*AgentEvent{{Result: &Result{SessionID: "remote-1"}}}}
	c, err := startWorker(t, w)("")
	require.NoError(t, err)
	defer c.Close()

	// One context for every turn, like a long-lived session.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn := func() {
		s, err := c.Execute(ctx, ExecuteRequest{Prompt: "x"})
		require.NoError(t, err)
		_, err = s.Turn(ctx, func(output.Event) error { return nil })
		require.NoError(t, err)
	}

	turn()
	before := runtime.NumGoroutine()
	for range 100 {
		turn()
	}
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+5 }, 2*time.Second, 10*time.Millisecond,
		"goroutines grew from %d", before)
}

func TestTurnStopsWhenEmitFails(t *testing.T) {
	w := &fakeWorker{events: []*AgentEvent{
		{Text: &TextEvent{Text: "a\nb\n"}},
		{Result: &Result{}},
	}}
	c, err := startWorker(t, w)("")
	require.NoError(t, err)
	defer c.Close()

	s, err := c.Execute(context.Background(), ExecuteRequest{})
	require.NoError(t, err)
	closed := errors.New("closed")
	calls := 0
	_, err = s.Turn(context.Background(), func(output.Event) error {
		calls++
		return closed
	})
	require.ErrorIs(t, err, closed)
	assert.Equal(t, 1, calls)
}

func TestInterruptAndHealth(t *testing.T) {
	w := &fakeWorker{ready: true}
	c, err := startWorker(t, w)("")
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Interrupt(context.Background(), "remote-1"))
	assert.Equal(t, []string{"remote-1"}, w.interrupted)

	ready, version, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, "test", version)
}

func TestWaitForHealth(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		w := &fakeWorker{ready: true}
		err := WaitForHealth(context.Background(), startWorker(t, w), "bufnet", 3, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, w.healthCalls)
	})

	t.Run("exhausted", func(t *testing.T) {
		w := &fakeWorker{ready: false}
		err := WaitForHealth(context.Background(), startWorker(t, w), "bufnet", 3, time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not healthy after 3 attempts")
		assert.Equal(t, 3, w.healthCalls)
	})

	t.Run("dial error", func(t *testing.T) {
		dialErr := errors.New("no route")
		err := WaitForHealth(context.Background(), func(string) (*Client, error) { return nil, dialErr }, "x", 2, time.Millisecond)
		require.ErrorIs(t, err, dialErr)
	})
}

func TestLineBuffer(t *testing.T) {
	var b lineBuffer
	assert.Nil(t, b.write("ab"))
	assert.Equal(t, []string{"abc", "d"}, b.write("c\nd\r\ne"))
	line, ok := b.flush()
	assert.True(t, ok)
	assert.Equal(t, "e", line)
	_, ok = b.flush()
	assert.False(t, ok)
}
