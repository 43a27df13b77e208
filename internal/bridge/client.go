// Package bridge is the gRPC client for agent workers. It opens one
// server-streamed call per turn and maps worker events onto output.Event.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jcttech/claude-session-manager/internal/common/constants"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/tracing"
)

// ErrStreamTerminated is returned when a stream ends before the final result.
var ErrStreamTerminated = errors.New("stream terminated before result")

const tracerName = "session-manager-bridge"

// Client talks to a single worker address.
type Client struct {
	addr   string
	conn   grpc.ClientConnInterface
	closer func() error
	logger *logger.Logger
	tracer trace.Tracer
}

// Dial creates a client for addr ("host:port"). The connection is established lazily.
func Dial(addr string, log *logger.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", addr, err)
	}
	c := NewClient(addr, conn, log)
	c.closer = conn.Close
	return c, nil
}

// NewClient wraps an existing connection.
func NewClient(addr string, conn grpc.ClientConnInterface, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		addr:   addr,
		conn:   conn,
		logger: log.WithFields(zap.String("component", "bridge"), zap.String("worker_addr", addr)),
		tracer: tracing.Tracer(tracerName),
	}
}

// Addr returns the worker address.
func (c *Client) Addr() string {
	return c.addr
}

// Close releases the underlying connection when Dial created it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Execute starts a new conversation.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Stream, error) {
	return c.open(ctx, methodExecute, streamIndexExecute, &req,
		attribute.Int("prompt.length", len(req.Prompt)))
}

// Continue sends a follow-up prompt to an existing remote conversation.
func (c *Client) Continue(ctx context.Context, remoteSessionID, prompt string) (*Stream, error) {
	return c.Send(ctx, SendMessageRequest{SessionID: remoteSessionID, Prompt: prompt})
}

// Send is Continue with the full request, for callers that set a permission mode.
func (c *Client) Send(ctx context.Context, req SendMessageRequest) (*Stream, error) {
	return c.open(ctx, methodSendMessage, streamIndexSendMsg, &req,
		attribute.String("remote_session_id", req.SessionID),
		attribute.Int("prompt.length", len(req.Prompt)))
}

func (c *Client) open(ctx context.Context, method string, idx int, req any, attrs ...attribute.KeyValue) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := c.tracer.Start(ctx, method, trace.WithAttributes(attrs...))

	cs, err := c.conn.NewStream(ctx, &serviceDesc.Streams[idx], method, grpc.CallContentSubtype(codecName))
	if err == nil {
		err = cs.SendMsg(req)
	}
	if err == nil {
		err = cs.CloseSend()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	c.logger.Debug("Opened worker stream", zap.String("method", method))
	return &Stream{recv: cs, cancel: cancel, logger: c.logger, span: span}, nil
}

// Interrupt asks the worker to abort the current turn. Failures are logged
// and reported as false.
func (c *Client) Interrupt(ctx context.Context, remoteSessionID string) bool {
	ctx, cancel := context.WithTimeout(ctx, constants.InterruptTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, methodInterrupt,
		trace.WithAttributes(attribute.String("remote_session_id", remoteSessionID)))
	defer span.End()

	resp := new(InterruptResponse)
	if err := c.conn.Invoke(ctx, methodInterrupt, &InterruptRequest{SessionID: remoteSessionID}, resp,
		grpc.CallContentSubtype(codecName)); err != nil {
		span.RecordError(err)
		c.logger.Warn("Interrupt failed", zap.String("remote_session_id", remoteSessionID), zap.Error(err))
		return false
	}
	return resp.Success
}

// Health reports worker readiness and version.
func (c *Client) Health(ctx context.Context) (bool, string, error) {
	ctx, span := c.tracer.Start(ctx, methodHealth)
	defer span.End()

	resp := new(HealthResponse)
	if err := c.conn.Invoke(ctx, methodHealth, &HealthRequest{}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		span.RecordError(err)
		return false, "", fmt.Errorf("health: %w", err)
	}
	span.SetAttributes(attribute.Bool("ready", resp.Ready), attribute.String("worker_version", resp.WorkerVersion))
	return resp.Ready, resp.WorkerVersion, nil
}
