package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
	"github.com/jcttech/claude-session-manager/internal/output"
)

// Emit delivers one output event. Returning an error aborts the turn.
type Emit func(output.Event) error

// Stream is one server-streamed worker call. The call is cancelled once Turn
// returns, so a stream serves exactly one turn.
type Stream struct {
	recv   grpc.ClientStream
	cancel context.CancelFunc
	logger *logger.Logger
	span   trace.Span
}

// Turn consumes events until the final result, mapping each to output events
// in arrival order. It returns the remote session id seen on the stream, if any.
func (s *Stream) Turn(ctx context.Context, emit Emit) (string, error) {
	defer s.cancel()
	defer s.span.End()

	var (
		remoteID string
		buf      lineBuffer
		count    int
	)

	flush := func() error {
		if line, ok := buf.flush(); ok {
			return emit(output.TextLine(line))
		}
		return nil
	}

	for {
		ev := new(AgentEvent)
		err := s.recv.RecvMsg(ev)
		if err != nil {
			if ctx.Err() != nil {
				return remoteID, ctx.Err()
			}
			if ferr := flush(); ferr != nil {
				return remoteID, ferr
			}
			cause := "unexpected end of stream"
			if !errors.Is(err, io.EOF) {
				cause = fmt.Sprintf("stream error: %v", err)
			}
			s.logger.Warn("Worker stream ended before result", zap.Int("events", count), zap.Error(err))
			s.span.SetStatus(codes.Error, cause)
			if eerr := emit(output.ProcessDied(nil, cause)); eerr != nil {
				return remoteID, eerr
			}
			return remoteID, fmt.Errorf("%w: %s", ErrStreamTerminated, cause)
		}
		count++

		switch {
		case ev.SessionInit != nil:
			remoteID = ev.SessionInit.SessionID
			s.logger.Info("Worker session initialised", zap.String("remote_session_id", remoteID))

		case ev.Text != nil:
			var lines []string
			if ev.Text.IsPartial {
				lines = buf.write(ev.Text.Text)
			} else {
				if err := flush(); err != nil {
					return remoteID, err
				}
				lines = splitLines(ev.Text.Text)
			}
			for _, line := range lines {
				if err := emit(output.TextLine(line)); err != nil {
					return remoteID, err
				}
			}

		case ev.ToolUse != nil:
			if err := flush(); err != nil {
				return remoteID, err
			}
			s.logger.Debug("Tool use", zap.String("tool", ev.ToolUse.ToolName))
			if err := emit(output.ToolAction(output.FormatToolAction(ev.ToolUse.ToolName, ev.ToolUse.InputJSON))); err != nil {
				return remoteID, err
			}

		case ev.ToolResult != nil:

		case ev.Subagent != nil:
			action := "finished"
			if ev.Subagent.IsStart {
				action = "started"
			}
			s.logger.Debug("Subagent event",
				zap.String("agent", ev.Subagent.AgentName),
				zap.String("parent_tool", ev.Subagent.ParentToolUseID),
				zap.String("action", action))

		case ev.Result != nil:
			if err := flush(); err != nil {
				return remoteID, err
			}
			r := ev.Result
			if remoteID == "" {
				remoteID = r.SessionID
			}
			s.span.SetAttributes(
				attribute.Int64("tokens.input", int64(r.InputTokens)),
				attribute.Int64("tokens.output", int64(r.OutputTokens)),
				attribute.Bool("is_error", r.IsError),
			)
			s.logger.Info("Turn complete",
				zap.Int("events", count),
				zap.Uint64("input_tokens", r.InputTokens),
				zap.Uint64("output_tokens", r.OutputTokens),
				zap.Bool("is_error", r.IsError))
			if r.IsError {
				return remoteID, emit(output.ProcessDied(output.ExitCode(1), ""))
			}
			return remoteID, emit(output.ResponseComplete(r.InputTokens, r.OutputTokens))

		case ev.Error != nil:
			if err := flush(); err != nil {
				return remoteID, err
			}
			s.logger.Error("Worker error",
				zap.String("error_type", ev.Error.ErrorType),
				zap.String("message", ev.Error.Message))
			s.span.SetStatus(codes.Error, ev.Error.Message)
			return remoteID, emit(output.ProcessDied(output.ExitCode(1),
				fmt.Sprintf("%s: %s", ev.Error.ErrorType, ev.Error.Message)))

		default:
			s.logger.Debug("Empty worker event", zap.Int("events", count))
		}
	}
}

// lineBuffer accumulates partial text deltas into complete lines.
type lineBuffer struct {
	b strings.Builder
}

func (l *lineBuffer) write(text string) []string {
	l.b.WriteString(text)
	s := l.b.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return nil
	}
	lines := strings.Split(s[:idx], "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	rest := s[idx+1:]
	l.b.Reset()
	l.b.WriteString(rest)
	return lines
}

func (l *lineBuffer) flush() (string, bool) {
	if l.b.Len() == 0 {
		return "", false
	}
	s := l.b.String()
	l.b.Reset()
	return s, true
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	return lines
}
