// Package wire implements the nash-stats client/server protocol:
// protobuf-encoded envelopes, length-delimited with a standard varint
// prefix for efficient streaming over TCP.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/nashlabs/nash-stats/config"
	"github.com/nashlabs/nash-stats/internal/errors"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// SetMaxSize overrides the maximum accepted message size.
func (r *Reader) SetMaxSize(n int) {
	r.mu.Lock()
	r.maxSize = n
	r.mu.Unlock()
}

// Read reads and unmarshals the next envelope. A message exceeding the
// maximum size or failing to decode returns a malformed error; the
// underlying stream position is not recoverable after either.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.NewMalformed("bad length prefix")
	}
	if size > uint64(r.maxSize) {
		return nil, errors.NewMalformed(fmt.Sprintf("message of %d bytes exceeds limit %d", size, r.maxSize))
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	return Unmarshal(buf)
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with length prefix.
func (w *Writer) Write(env *Envelope) error {
	body, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(body)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Error Envelope Helpers
// =============================================================================

// NewError creates an error envelope with the given request ID, error
// code, and message. Error codes should be from the errors package.
func NewError(id uint64, code int32, msg string) *Envelope {
	return &Envelope{
		ID:    id,
		Error: &Error{Code: code, Message: msg},
	}
}

// NewErrorFromErr creates an error envelope from a Go error, mapping
// it to the appropriate wire code.
func NewErrorFromErr(id uint64, err error) *Envelope {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Envelope {
	return NewError(id, code, fmt.Sprintf(format, args...))
}
