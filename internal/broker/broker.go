// Package broker implements the QA system's publish/subscribe
// dispatcher: every subscriber's inbound frame lands on one ordered
// publish queue, a single goroutine reads that queue and routes each
// frame per the mute/admin-only policy, and delivery to any one
// subscriber can never block delivery to another.
//
// Grounded on the teacher's internal/server.Server (listener
// lifecycle, ServerOption functional options, Ready()/Errors()
// channels, graceful Shutdown) merged with internal/hub.Hub (registry
// + broadcast/backpressure-policy pattern), adapted from "same CAN
// frame to all" to "routed QA frame per subscriber policy".
package broker

import (
	"context"
	"crypto/dsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/labqa/qa-broker/internal/conn"
	"github.com/labqa/qa-broker/internal/logging"
	"github.com/labqa/qa-broker/internal/metrics"
	"github.com/labqa/qa-broker/internal/wire"
)

// BackpressurePolicy controls what happens when a subscriber's send
// queue is full. Reused from the teacher's hub.BackpressurePolicy.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Privileges describes a subscriber's routing class, carried in a
// logon frame's user.privileges.type field.
type Privileges struct {
	Type  string // "user" or "admin"
	Muted bool
}

func (p Privileges) IsAdmin() bool { return p.Type == "admin" }

// Subscription is one logged-on client, keyed by its *conn.Endpoint.
type Subscription struct {
	Username   string
	Privileges Privileges
	endpoint   *conn.Endpoint
}

const (
	defaultReadDeadline = 5 * time.Minute
)

// Dispatcher owns the TCP listener and the single publish queue that
// serializes every subscriber's frames.
type Dispatcher struct {
	mu    sync.RWMutex
	subs  map[*conn.Endpoint]*Subscription
	queue *publishQueue

	policy       BackpressurePolicy
	maxClients   int
	readDeadline time.Duration
	logonTimeout time.Duration
	logger       *slog.Logger
	identityKey  *dsa.PrivateKey

	addr      string
	listener  net.Listener
	listenMu  sync.Mutex
	readyCh   chan struct{}
	readyOnce sync.Once
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithListenAddr(a string) Option  { return func(d *Dispatcher) { d.addr = a } }
func WithMaxClients(n int) Option     { return func(d *Dispatcher) { d.maxClients = n } }
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}
func WithReadDeadline(dl time.Duration) Option {
	return func(d *Dispatcher) {
		if dl > 0 {
			d.readDeadline = dl
		}
	}
}
func WithBackpressurePolicy(p BackpressurePolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogonTimeout bounds how long a newly accepted connection has to
// send its logon frame before the dispatcher closes it. Zero (the
// default) means no deadline, matching spec.md's silence on a
// handshake phase separate from logon-as-first-frame.
func WithLogonTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.logonTimeout = d }
}

// WithIdentityKey gives the dispatcher a DSA key to answer
// sident_verify (peer/client re-challenge of the broker's current
// address) and address_request (peer asking for the broker's best
// known address) with a signed reply, per spec.md §6. Without one,
// both frame types are logged and dropped like any other pre-logon
// frame the dispatcher doesn't understand.
func WithIdentityKey(key *dsa.PrivateKey) Option {
	return func(d *Dispatcher) { d.identityKey = key }
}

// New constructs a Dispatcher; call Serve to start accepting.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:         make(map[*conn.Endpoint]*Subscription),
		queue:        newPublishQueue(),
		readDeadline: defaultReadDeadline,
		logger:       logging.L(),
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.addr == "" {
		d.addr = ":0"
	}
	return d
}

func (d *Dispatcher) Addr() string {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	return d.addr
}

func (d *Dispatcher) setAddr(a string) {
	d.listenMu.Lock()
	d.addr = a
	d.listenMu.Unlock()
}

// Ready closes once the listener is bound.
func (d *Dispatcher) Ready() <-chan struct{} { return d.readyCh }

// Errors surfaces fatal listener errors.
func (d *Dispatcher) Errors() <-chan error { return d.errCh }

func (d *Dispatcher) setError(err error) {
	if err == nil {
		return
	}
	d.lastErrMu.Lock()
	d.lastErr = err
	d.lastErrMu.Unlock()
	select {
	case d.errCh <- err:
	default:
	}
}

// LastError returns the most recently observed fatal error, if any.
func (d *Dispatcher) LastError() error {
	d.lastErrMu.Lock()
	defer d.lastErrMu.Unlock()
	return d.lastErr
}

// Serve accepts connections and runs the routing loop until ctx is
// cancelled or Shutdown is called.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrConnRead)
		d.setError(wrap)
		return wrap
	}
	d.setAddr(ln.Addr().String())
	d.listenMu.Lock()
	d.listener = ln
	d.listenMu.Unlock()
	d.readyOnce.Do(func() { close(d.readyCh) })
	d.logger.Info("tcp_listen", "addr", d.Addr())

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		close(stop)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(stop)
	}()

	go func() { <-stop; _ = ln.Close() }()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.done:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && !ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(metrics.ErrConnRead)
			d.setError(wrap)
			return wrap
		}
		d.accept(ctx, c)
	}
}

func (d *Dispatcher) accept(ctx context.Context, c net.Conn) {
	if d.maxClients > 0 && d.activeCount() >= d.maxClients {
		metrics.IncRejected()
		d.logger.Warn("client_reject_max", "max_clients", d.maxClients, "remote", c.RemoteAddr())
		_ = c.Close()
		return
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	ep := conn.NewEndpoint(ctx, c, conn.WithLogger(d.logger), conn.WithReadDeadline(d.readDeadline))
	d.logger.Info("client_connected", "remote", ep.RemoteAddr())

	if d.logonTimeout > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-time.After(d.logonTimeout):
				if _, subscribed := d.lookup(ep); !subscribed {
					d.logger.Warn("logon_timeout", "remote", ep.RemoteAddr())
					metrics.IncRejected()
					_ = ep.Close()
				}
			case <-ep.Closed():
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for body := range ep.Inbox() {
			d.queue.push(published{ep: ep, body: body})
		}
		if errors.Is(ep.Err(), conn.ErrFraming) {
			metrics.IncFramingError()
		}
		d.queue.push(published{ep: ep, body: nil}) // nil body = disconnect signal
	}()
}

func (d *Dispatcher) activeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// run is the dispatcher's single reader: the sole consumer of the
// publish queue, guaranteeing total delivery ordering. stop fires
// when either the caller's context is cancelled or Shutdown is
// called, whichever happens first.
func (d *Dispatcher) run(stop <-chan struct{}) {
	for {
		d.queue.wait(stop)
		metrics.SetPublishQueueDepth(d.queue.depth())
		for {
			p, ok := d.queue.pop()
			if !ok {
				break
			}
			if p.body == nil {
				d.handleDisconnect(p.ep)
				continue
			}
			d.route(p.ep, p.body)
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

// Shutdown closes the listener and every active subscriber, then
// waits (bounded by ctx) for all goroutines to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.done) })
	d.listenMu.Lock()
	ln := d.listener
	d.listener = nil
	d.listenMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	d.mu.Lock()
	for ep := range d.subs {
		_ = ep.Close()
	}
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() { d.wg.Wait(); close(waited) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	case <-waited:
		d.logger.Info("shutdown_complete")
		return nil
	}
}
