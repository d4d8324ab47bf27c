// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/signing"
	"github.com/techno-hippies/dotheaven-sub017/wire"
)

const (
	// scannerInitialBuffer is the starting line buffer. Most frames
	// are well under a kilobyte; message payloads can be larger.
	scannerInitialBuffer = 64 * 1024

	// scannerMaxBuffer caps a single request line. Anything larger is
	// a protocol violation, not a legitimate frame.
	scannerMaxBuffer = 1024 * 1024
)

// Handler services one request. The returned value is marshalled as
// the result field; a returned error is classified onto the wire
// error taxonomy.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures a Dispatcher.
type Config struct {
	// Reader is the request stream, one JSON frame per line. The
	// worker passes os.Stdin. Required.
	Reader io.Reader

	// Writer emits response and event frames. Required.
	Writer *wire.Writer

	// Routes is the method table. Required, non-empty.
	Routes map[string]Handler

	// Disconnect runs once when the request stream ends, before the
	// dispatcher waits out in-flight handlers. It must unblock any
	// handler parked on host input (pending signatures), or the wait
	// never finishes.
	Disconnect func() error

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher reads request frames from a stream and runs each on its
// own goroutine. Concurrent dispatch is load-bearing, not an
// optimization: init parks on a host signature round-trip, and the
// signing.resolve frame that completes it arrives as another request
// on the same stream.
type Dispatcher struct {
	reader     io.Reader
	writer     *wire.Writer
	routes     map[string]Handler
	disconnect func() error
	logger     *slog.Logger
	inflight   sync.WaitGroup
}

// New validates the configuration and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("dispatch: Config.Reader is required")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("dispatch: Config.Writer is required")
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("dispatch: Config.Routes is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		reader:     cfg.Reader,
		writer:     cfg.Writer,
		routes:     cfg.Routes,
		disconnect: cfg.Disconnect,
		logger:     cfg.Logger.With("component", "dispatch"),
	}, nil
}

// readyEvent is the payload of the ready event.
type readyEvent struct {
	PID int `json:"pid"`
}

// Run announces readiness, then dispatches requests until the stream
// ends or ctx is canceled. Either way it runs the disconnect hook and
// waits for in-flight handlers before returning, so every decodable
// request gets its response. Returns nil on EOF (the normal shutdown
// path), ctx.Err() on cancellation, or a wrapped scanner error.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.writer.WriteEvent(wire.EventReady, readyEvent{PID: os.Getpid()}); err != nil {
		return fmt.Errorf("writing ready event: %w", err)
	}
	d.logger.Info("dispatcher ready", "pid", os.Getpid(), "methods", len(d.routes))

	// The reader goroutine owns the scanner; its buffer is reused
	// between lines, so each dispatched line is copied out first.
	lines := make(chan []byte)
	var scanErr error
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(d.reader)
		scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				d.logger.Debug("skipping blank request line")
				continue
			}
			copied := make([]byte, len(line))
			copy(copied, line)
			select {
			case lines <- copied:
			case <-ctx.Done():
				return
			}
		}
		scanErr = scanner.Err()
	}()

	var cause error
	for running := true; running; {
		select {
		case line, ok := <-lines:
			if !ok {
				running = false
				if scanErr != nil {
					d.logger.Warn("request stream failed", "error", scanErr)
					cause = fmt.Errorf("reading request stream: %w", scanErr)
				} else {
					d.logger.Info("request stream closed")
				}
				continue
			}
			d.handleLine(ctx, line)
		case <-ctx.Done():
			running = false
			cause = ctx.Err()
			d.logger.Info("dispatcher context canceled")
		}
	}

	if d.disconnect != nil {
		if err := d.disconnect(); err != nil {
			d.logger.Warn("disconnect hook failed", "error", err)
		}
	}
	d.inflight.Wait()
	return cause
}

// handleLine decodes one frame and dispatches its handler. Lines that
// do not decode carry no usable id, so they are logged and dropped
// rather than answered.
func (d *Dispatcher) handleLine(ctx context.Context, line []byte) {
	request, err := wire.DecodeRequest(line)
	if err != nil {
		d.logger.Warn("dropping undecodable request line", "error", err)
		return
	}

	handler, ok := d.routes[request.Method]
	if !ok {
		d.logger.Warn("unknown method", "method", request.Method)
		d.writeError(request.ID, wire.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", request.Method))
		return
	}

	d.inflight.Add(1)
	go d.dispatch(ctx, request, handler)
}

// dispatch runs one handler and writes exactly one response frame. A
// panicking handler answers INTERNAL_ERROR instead of killing the
// worker.
func (d *Dispatcher) dispatch(ctx context.Context, request wire.Request, handler Handler) {
	defer d.inflight.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("handler panicked",
				"method", request.Method,
				"panic", recovered,
				"stack", string(debug.Stack()))
			d.writeError(request.ID, wire.CodeInternalError,
				fmt.Sprintf("internal error handling %s", request.Method))
		}
	}()

	result, err := handler(ctx, request.Params)
	if err != nil {
		code, message := classify(err)
		d.logger.Warn("request failed",
			"method", request.Method,
			"code", code,
			"error", err)
		d.writeError(request.ID, code, message)
		return
	}
	if err := d.writer.WriteResponse(request.ID, result); err != nil {
		d.logger.Error("writing response", "method", request.Method, "error", err)
	}
}

func (d *Dispatcher) writeError(id json.RawMessage, code wire.ErrorCode, message string) {
	if err := d.writer.WriteError(id, code, message); err != nil {
		d.logger.Error("writing error response", "code", code, "error", err)
	}
}

// classify maps a handler error onto the wire taxonomy. Anything
// without a specific classification is INTERNAL_ERROR.
func classify(err error) (wire.ErrorCode, string) {
	var protocol *protocolError
	switch {
	case errors.As(err, &protocol):
		return wire.CodeProtocolError, protocol.message
	case errors.Is(err, signing.ErrTimeout):
		return wire.CodeSignTimeout, err.Error()
	case errors.Is(err, chat.ErrNotConnected):
		return wire.CodeNotConnected, err.Error()
	case errors.Is(err, chat.ErrConversationNotFound):
		return wire.CodeConversationNotFound, err.Error()
	case errors.Is(err, chat.ErrInstallationLimit):
		return wire.CodeInstallationLimit, err.Error()
	default:
		return wire.CodeInternalError, err.Error()
	}
}

// protocolError marks malformed parameters for a known method.
type protocolError struct {
	message string
}

func (e *protocolError) Error() string { return "protocol error: " + e.message }

func protocolErrorf(format string, args ...any) error {
	return &protocolError{message: fmt.Sprintf(format, args...)}
}
