// Package conn wraps a single TCP connection with the broker's wire
// framing, giving callers a channel of decoded inbound frames and a
// non-blocking outbound send queue. It is grounded on the teacher's
// internal/server reader.go/writer.go goroutine-per-direction shape
// and uses this package's AsyncTx (carrying wire.Body) for the
// outbound side.
package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labqa/qa-broker/internal/wire"
)

// ShutdownKind distinguishes why an Endpoint stopped, for logging and
// for session-level reconnect decisions.
type ShutdownKind int

const (
	// ShutdownUnknown is the zero value; Closed() before shutdown.
	ShutdownUnknown ShutdownKind = iota
	// ShutdownLocal means Close was called by this process.
	ShutdownLocal
	// ShutdownRemote means the peer closed the connection or EOF'd.
	ShutdownRemote
	// ShutdownError means a read or write (including framing) failed.
	ShutdownError
)

func (k ShutdownKind) String() string {
	switch k {
	case ShutdownLocal:
		return "local"
	case ShutdownRemote:
		return "remote"
	case ShutdownError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	defaultReadDeadline = 5 * time.Minute
	defaultOutboxSize   = 256
	defaultInboxSize    = 64
)

// Endpoint owns one net.Conn and speaks the wire framing over it. Each
// endpoint runs exactly one reader goroutine feeding Inbox and one
// writer goroutine (via AsyncTx) draining Send, mirroring the
// teacher's startReader/startWriter pair per client.
type Endpoint struct {
	conn         net.Conn
	codec        wire.Codec
	remote       string
	logger       *slog.Logger
	readDeadline time.Duration

	local string

	inbox     chan wire.Body
	tx        *AsyncTx[wire.Body]
	restartCh chan *Rendezvous

	closed     chan struct{}
	closeOnce  sync.Once
	kind      atomic.Int32
	lastErr   atomic.Value // error
	wg        sync.WaitGroup
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithReadDeadline overrides the per-read idle deadline.
func WithReadDeadline(d time.Duration) Option {
	return func(e *Endpoint) { e.readDeadline = d }
}

// NewEndpoint wraps conn and starts its reader/writer goroutines. The
// returned Endpoint must eventually be Closed.
func NewEndpoint(parent context.Context, c net.Conn, opts ...Option) *Endpoint {
	e := &Endpoint{
		conn:         c,
		remote:       c.RemoteAddr().String(),
		local:        c.LocalAddr().String(),
		logger:       slog.Default(),
		readDeadline: defaultReadDeadline,
		inbox:        make(chan wire.Body, defaultInboxSize),
		restartCh:    make(chan *Rendezvous),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx, cancel := context.WithCancel(parent)
	e.tx = NewAsyncTx(ctx, defaultOutboxSize, e.writeFrame, Hooks{
		OnError: func(err error) {
			e.logger.Warn("endpoint_write_error", "remote", e.remote, "error", err)
			e.fail(ShutdownError, err)
		},
		OnDrop: func() error {
			return fmt.Errorf("%w: send queue full", ErrWrite)
		},
	})

	e.wg.Add(1)
	go e.readLoop(ctx, cancel)
	return e
}

func (e *Endpoint) writeFrame(body wire.Body) error {
	encoded, err := e.codec.Encode(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFraming, err)
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.readDeadline))
	if _, err := e.conn.Write(encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (e *Endpoint) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer e.wg.Done()
	defer cancel()
	defer close(e.inbox)

	var buf bytes.Buffer
	var tmp [4096]byte
	for {
		select {
		case <-ctx.Done():
			return
		case rv := <-e.restartCh:
			rv.Arrive(ctx)
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(e.readDeadline))
		n, err := e.conn.Read(tmp[:])
		if n > 0 {
			buf.Write(tmp[:n])
			for {
				body, decErr := e.codec.Decode(&buf)
				if decErr != nil {
					if errors.Is(decErr, wire.ErrNeedMore) {
						break
					}
					e.logger.Warn("endpoint_framing_error", "remote", e.remote, "error", decErr, "bytes", fmt.Sprintf("%q", buf.Bytes()))
					e.fail(ShutdownError, fmt.Errorf("%w: %v", ErrFraming, decErr))
					return
				}
				select {
				case e.inbox <- body:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				e.fail(ShutdownRemote, err)
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.fail(ShutdownError, fmt.Errorf("%w: %v", ErrRead, err))
			return
		}
	}
}

// fail records the shutdown reason and triggers Close, but only the
// first caller's reason sticks.
func (e *Endpoint) fail(kind ShutdownKind, err error) {
	if e.kind.CompareAndSwap(int32(ShutdownUnknown), int32(kind)) {
		e.lastErr.Store(err)
	}
	e.Close()
}

// Send queues body for asynchronous transmission; non-blocking.
func (e *Endpoint) Send(body wire.Body) error {
	return e.tx.Send(body)
}

// QueueDepth returns the number of frames currently buffered in the
// outbound queue, for backpressure metrics sampling.
func (e *Endpoint) QueueDepth() int {
	return e.tx.QueueDepth()
}

// Inbox is the stream of decoded inbound frames. It is closed when
// the connection's reader stops, which happens after Close or on any
// read/framing failure.
func (e *Endpoint) Inbox() <-chan wire.Body {
	return e.inbox
}

// Closed reports when the endpoint has fully shut down.
func (e *Endpoint) Closed() <-chan struct{} {
	return e.closed
}

// ShutdownKind reports why the endpoint stopped. Valid only after
// Closed() fires.
func (e *Endpoint) ShutdownKind() ShutdownKind {
	return ShutdownKind(e.kind.Load())
}

// Err returns the error that caused shutdown, if any.
func (e *Endpoint) Err() error {
	err, _ := e.lastErr.Load().(error)
	return err
}

// RemoteAddr returns the peer's address as captured at construction.
func (e *Endpoint) RemoteAddr() string {
	return e.remote
}

// LocalAddr returns this side's address as captured at construction,
// used by the broker to sign sident_response/server_address frames
// with the address a peer actually reached it on.
func (e *Endpoint) LocalAddr() string {
	return e.local
}

// Close shuts down the endpoint: stops the writer and closes the
// socket, which unblocks the reader. Idempotent and safe to call from
// the reader goroutine itself (on a framing or read error), so it
// never waits on the reader to finish directly — Closed() is signaled
// from a separate goroutine once the reader actually exits.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.kind.CompareAndSwap(int32(ShutdownUnknown), int32(ShutdownLocal))
		e.tx.Close()
		err = e.conn.Close()
		go func() {
			e.wg.Wait()
			close(e.closed)
		}()
	})
	return err
}

// Quit sends body (typically a quit frame) and gives the outbound
// queue up to grace to drain before closing the endpoint, so the
// peer has a chance to receive the announcement before the socket
// goes away.
func (e *Endpoint) Quit(body wire.Body, grace time.Duration) error {
	if err := e.Send(body); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if e.tx.QueueDepth() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return e.Close()
}

// Restart implements the nested Shutdown event's restart variant: the
// read loop, the write loop, and the driver requesting the restart
// (rv's three participants) rendezvous before the endpoint tears down
// its socket. The caller is expected to construct a fresh Endpoint for
// the next cycle once Restart returns; rv itself is single-use, built
// fresh per restart cycle by the caller.
func (e *Endpoint) Restart(ctx context.Context, rv *Rendezvous) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// The write loop's participation: stop the AsyncTx worker
		// before meeting. Frames still queued at that point may be
		// dropped unsent.
		e.tx.Close()
		rv.Arrive(ctx)
	}()

	select {
	case e.restartCh <- rv:
	case <-e.closed:
		// Read loop already gone (e.g. prior read error); nothing will
		// receive restartCh, so don't block forever on it.
	}
	rv.Arrive(ctx) // the driver's own participation
	_ = e.Close()
}
