// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer serializes protocol frames onto a stream, one line per frame.
// It is safe for concurrent use: handler goroutines and stream
// goroutines all write through the same Writer, and the internal mutex
// guarantees lines never interleave.
type Writer struct {
	mu  sync.Mutex
	out *bufio.Writer
}

// NewWriter returns a Writer on w. The worker passes os.Stdout;
// nothing else in the process may write there.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriter(w)}
}

// WriteResponse writes a success frame. A nil result is written as {}
// so the result field is always present.
func (w *Writer) WriteResponse(id json.RawMessage, result any) error {
	if result == nil {
		result = struct{}{}
	}
	return w.writeFrame(Response{ID: id, Result: result})
}

// WriteError writes a failure frame.
func (w *Writer) WriteError(id json.RawMessage, code ErrorCode, message string) error {
	return w.writeFrame(ErrorResponse{ID: id, Error: ErrorBody{Code: code, Message: message}})
}

// WriteEvent writes an unsolicited event frame. Nil data is written
// as {}.
func (w *Writer) WriteEvent(name string, data any) error {
	if data == nil {
		data = struct{}{}
	}
	return w.writeFrame(Event{Event: name, Data: data})
}

// writeFrame marshals v, appends the line terminator, and flushes.
// encoding/json escapes control characters inside strings, so the
// marshalled frame never contains a raw newline; the appended \n is
// the only one on the line.
func (w *Writer) writeFrame(v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(encoded); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing frame terminator: %w", err)
	}
	return w.out.Flush()
}
