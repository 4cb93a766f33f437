// Package transport runs line-delimited JSON-RPC over a pair of byte streams
// and correlates outbound calls with their responses.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/leonletto/tldrer/internal/jsonrpc"
	"github.com/leonletto/tldrer/internal/metrics"
)

// ErrClosed is returned to callers once the inbound stream has ended.
var ErrClosed = errors.New("transport closed")

// NotificationHandler handles one inbound call. It runs on its own goroutine.
type NotificationHandler func(ctx context.Context, call *jsonrpc.Call)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithMaxInFlight bounds the number of notification handlers running at
// once. Zero leaves them unbounded.
func WithMaxInFlight(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.inFlight = semaphore.NewWeighted(n)
		}
	}
}

// Transport owns one reader and one serialized writer.
type Transport struct {
	reader *bufio.Reader
	writer *bufio.Writer
	wmu    sync.Mutex

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Response
	handler NotificationHandler

	done     chan struct{}
	closeErr error
	once     sync.Once

	inFlight *semaphore.Weighted
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a transport reading responses and notifications from r and
// writing calls to w. Run must be started for calls to complete.
func New(r io.Reader, w io.Writer, opts ...Option) *Transport {
	t := &Transport{
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		pending: make(map[string]chan jsonrpc.Response),
		done:    make(chan struct{}),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnNotification registers the handler for inbound calls. Calls arriving
// before a handler is registered are dropped.
func (t *Transport) OnNotification(h NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Done is closed when the read loop has stopped.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason the read loop stopped, or nil while running.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.closeErr
	default:
		return nil
	}
}

// Run reads lines until the stream ends or ctx is cancelled. Every pending
// call is failed with ErrClosed on exit. The returned error always wraps
// ErrClosed.
func (t *Transport) Run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for {
			line, err := t.reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					readErr <- ctx.Err()
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return t.shutdown(fmt.Errorf("%w: %v", ErrClosed, ctx.Err()))
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					return t.shutdown(fmt.Errorf("%w: stream ended", ErrClosed))
				}
				return t.shutdown(fmt.Errorf("%w: read: %v", ErrClosed, err))
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		t.metrics.LineDropped()
		t.log.Warn().Err(err).Bytes("line", line).Msg("Dropping undecodable line")
		return
	}

	if resp, ok := msg.(jsonrpc.Response); ok {
		if t.complete(resp) {
			return
		}
		t.metrics.UnmatchedResponse()
		t.log.Debug().Str("id", resp.ResponseID()).Msg("Discarding response with no pending call")
		return
	}

	call, ok := msg.(*jsonrpc.Call)
	if !ok {
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		t.log.Debug().Str("method", call.Method).Msg("No notification handler registered")
		return
	}

	if t.inFlight != nil {
		if err := t.inFlight.Acquire(ctx, 1); err != nil {
			return
		}
	}
	go func() {
		if t.inFlight != nil {
			defer t.inFlight.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Interface("panic", r).Str("method", call.Method).Msg("Notification handler panicked")
			}
		}()
		handler(ctx, call)
	}()
}

// complete hands resp to its pending call. It reports false if no call
// was waiting for that id.
func (t *Transport) complete(resp jsonrpc.Response) bool {
	t.mu.Lock()
	ch, ok := t.pending[resp.ResponseID()]
	if ok {
		delete(t.pending, resp.ResponseID())
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp // buffered, never blocks
	return true
}

func (t *Transport) shutdown(err error) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeErr = err
		t.pending = make(map[string]chan jsonrpc.Response)
		t.mu.Unlock()
		close(t.done)
	})
	return t.closeErr
}

// Call sends a request and waits for its response. An error response is
// returned as *jsonrpc.Error. There is no timeout beyond ctx.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := jsonrpc.NewCall(method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan jsonrpc.Response, 1)
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil, t.closeErr
	default:
	}
	t.pending[call.ID] = ch
	t.mu.Unlock()

	t.metrics.CallStarted()
	outcome := metrics.OutcomeOK
	defer func() { t.metrics.CallFinished(method, outcome) }()

	if err := t.write(call); err != nil {
		t.forget(call.ID)
		outcome = metrics.OutcomeClosed
		return nil, err
	}

	select {
	case resp := <-ch:
		switch r := resp.(type) {
		case *jsonrpc.Result:
			return r.Result, nil
		case *jsonrpc.Error:
			outcome = metrics.OutcomeRPCError
			return nil, r
		}
		return nil, fmt.Errorf("unexpected response type %T", resp)
	case <-t.done:
		outcome = metrics.OutcomeClosed
		return nil, t.closeErr
	case <-ctx.Done():
		t.forget(call.ID)
		outcome = metrics.OutcomeCancelled
		return nil, ctx.Err()
	}
}

// Notify sends a call without an id and does not wait.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	call, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.write(call)
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// write encodes msg and writes it as one line under the writer lock.
func (t *Transport) write(msg jsonrpc.Message) error {
	line, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush request: %w", err)
	}
	return nil
}

// Pending returns the number of calls awaiting a response.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
