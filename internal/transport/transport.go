// Package transport implements the line-framed JSON-RPC channel to the
// Playwright MCP subprocess.
//
// Each outbound request is one newline-terminated JSON object written in a
// single syscall so frames are never interleaved. Inbound frames are read
// through a bounded buffer; a frame larger than the buffer switches the
// reader to chunked accumulation until the terminator is found, so payload
// size is unbounded and reassembly is lossless. A dedicated reader
// goroutine decodes frames and resolves waiters by correlation id, which
// keeps out-of-order responses correct.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DefaultBufferSize is the inbound read-buffer bound. Frames beyond it are
// accumulated in chunks, mirroring the 64 KiB pipe-buffer reality.
const DefaultBufferSize = 64 * 1024

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// KindBrokenPipe covers write failures and a closed subprocess stdin.
	KindBrokenPipe ErrorKind = "broken_pipe"
	// KindDecode covers frames that are not valid JSON-RPC.
	KindDecode ErrorKind = "decode"
	// KindUnterminated covers EOF before a frame's newline terminator.
	KindUnterminated ErrorKind = "unterminated"
)

// Error is a transport-level failure. It always indicates the channel is
// unusable or a frame was lost; callers hand it to the supervisor's
// degraded path rather than surfacing it raw.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrClosed is returned for calls after the channel shut down.
var ErrClosed = errors.New("transport: closed")

// RPCError is an error object returned by the subprocess itself. The
// channel stays usable after one of these.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("transport: rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Option customises a Transport.
type Option func(*Transport)

// WithBufferSize sets the bounded read-buffer size. Default: 64 KiB.
func WithBufferSize(n int) Option { return func(t *Transport) { t.bufSize = n } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.logger = l } }

// Transport is one bidirectional channel to a live subprocess. It is safe
// for concurrent use; calls may be pipelined because responses resolve by
// correlation id.
type Transport struct {
	w       io.Writer
	bufSize int
	logger  *slog.Logger

	wmu    sync.Mutex // serialises frame writes
	nextID int64

	pmu     sync.Mutex
	pending map[int64]chan *response
	closed  bool
	err     error

	done chan struct{}
}

// New wires a Transport over the subprocess's stdin writer and stdout
// reader and starts the reader goroutine. The Transport does not own the
// pipes; the supervisor closes them when the process goes away, which
// terminates the reader.
func New(w io.Writer, r io.Reader, opts ...Option) *Transport {
	t := &Transport{
		w:       w,
		bufSize: DefaultBufferSize,
		logger:  slog.Default(),
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.readLoop(r)
	return t
}

// Call sends one request and blocks until its correlated response arrives,
// ctx expires, or the channel dies. The returned raw message is the
// JSON-RPC result object.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.pmu.Lock()
	if t.closed {
		err := t.err
		t.pmu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *response, 1)
	t.pending[id] = ch
	t.pmu.Unlock()

	defer func() {
		t.pmu.Lock()
		delete(t.pending, id)
		t.pmu.Unlock()
	}()

	frame, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: fmt.Errorf("encode request: %w", err)}
	}
	frame = append(frame, '\n')

	t.wmu.Lock()
	_, err = t.w.Write(frame)
	t.wmu.Unlock()
	if err != nil {
		t.fail(&Error{Kind: KindBrokenPipe, Err: err})
		return nil, &Error{Kind: KindBrokenPipe, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: call %s: %w", method, ctx.Err())
	case <-t.done:
		t.pmu.Lock()
		err := t.err
		t.pmu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
}

// Notify sends a request without registering a waiter. Used for JSON-RPC
// notifications such as notifications/initialized.
func (t *Transport) Notify(method string, params any) error {
	frame, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return &Error{Kind: KindDecode, Err: err}
	}
	frame = append(frame, '\n')

	t.wmu.Lock()
	_, err = t.w.Write(frame)
	t.wmu.Unlock()
	if err != nil {
		werr := &Error{Kind: KindBrokenPipe, Err: err}
		t.fail(werr)
		return werr
	}
	return nil
}

// Close marks the channel closed and unblocks all waiters. Idempotent.
func (t *Transport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed when the reader goroutine exits (EOF, decode fault, or
// explicit Close). Err reports why.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the terminal channel error, or nil while the channel lives.
func (t *Transport) Err() error {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	return t.err
}

func (t *Transport) fail(err error) {
	t.pmu.Lock()
	if t.closed {
		t.pmu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	t.pmu.Unlock()
	close(t.done)
}

func (t *Transport) readLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, t.bufSize)
	for {
		frame, err := readFrame(br)
		if err != nil {
			if len(frame) > 0 {
				// Bytes arrived but the terminator never did.
				t.fail(&Error{Kind: KindUnterminated, Err: err})
			} else if errors.Is(err, io.EOF) {
				t.fail(&Error{Kind: KindBrokenPipe, Err: io.EOF})
			} else {
				t.fail(&Error{Kind: KindBrokenPipe, Err: err})
			}
			return
		}

		var resp response
		if err := json.Unmarshal(frame, &resp); err != nil {
			t.fail(&Error{Kind: KindDecode, Err: fmt.Errorf("decode frame (%d bytes): %w", len(frame), err)})
			return
		}

		if resp.ID == nil {
			// Server-initiated notification; nothing waits on these.
			t.logger.Debug("transport: notification", "method", resp.Method)
			continue
		}

		t.pmu.Lock()
		ch, ok := t.pending[*resp.ID]
		t.pmu.Unlock()
		if !ok {
			t.logger.Warn("transport: response for unknown id", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}
}

// readFrame reads one newline-terminated frame. When the frame exceeds the
// buffer bound, ReadSlice returns ErrBufferFull with the bytes read so
// far; the loop keeps the partial chunk and continues until the terminator
// arrives. Frames of any size round-trip byte-identical.
func readFrame(br *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := br.ReadSlice('\n')
		// ReadSlice's return buffer is only valid until the next read.
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return frame[:len(frame)-1], nil // strip terminator
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return frame, err
		}
	}
}
