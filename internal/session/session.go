// Package session implements the QA client's connection lifecycle:
// dial (with a config-file fallback host), logon, send, and a graceful
// quit. It owns exactly one live *conn.Endpoint at a time, the same
// "one net.Conn, one Endpoint" shape internal/broker uses server-side.
//
// Grounded on original_source/qa_client.py's QAClientLogic
// (make_connection's try-then-fallback dial, the hardcoded protocol
// strings in build_initial_connect_msg) and, for its mutex-guarded,
// option-constructed field layout, the teacher's server.Server.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/labqa/qa-broker/internal/clientconfig"
	"github.com/labqa/qa-broker/internal/conn"
	"github.com/labqa/qa-broker/internal/logging"
	"github.com/labqa/qa-broker/internal/wire"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadDeadline = 5 * time.Minute
	defaultQuitGrace    = 250 * time.Millisecond
)

// Session owns the client's single active connection to a broker.
type Session struct {
	mu       sync.Mutex
	ep       *conn.Endpoint
	host     string
	port     int

	settings     *clientconfig.Settings
	logger       *slog.Logger
	dialTimeout  time.Duration
	readDeadline time.Duration
	quitGrace    time.Duration
	browse       func(context.Context) (string, int, bool)
}

// Option configures a Session at construction time.
type Option func(*Session)

func WithSettings(s *clientconfig.Settings) Option { return func(c *Session) { c.settings = s } }
func WithLogger(l *slog.Logger) Option {
	return func(c *Session) {
		if l != nil {
			c.logger = l
		}
	}
}
func WithDialTimeout(d time.Duration) Option {
	return func(c *Session) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}
func WithReadDeadline(d time.Duration) Option {
	return func(c *Session) {
		if d > 0 {
			c.readDeadline = d
		}
	}
}

// WithBrowser attaches a last-resort discovery step Connect falls
// back to when neither the given hostname nor the configured default
// host is reachable. It returns a candidate host/port and whether one
// was found; internal/session never imports internal/discovery
// itself, the caller wires in e.g. discovery.Browse so this package
// stays free of the mDNS dependency it doesn't otherwise need.
func WithBrowser(f func(context.Context) (string, int, bool)) Option {
	return func(c *Session) { c.browse = f }
}

// New constructs a Session. Call Connect before Logon/Pubmsg/etc.
func New(opts ...Option) *Session {
	s := &Session{
		logger:       logging.L(),
		dialTimeout:  defaultDialTimeout,
		readDeadline: defaultReadDeadline,
		quitGrace:    defaultQuitGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect dials hostname:port; on failure it falls back to the
// session's configured default host ("localhost" when none is set) on
// the same port (QAClientLogic.make_connection's two-step behavior).
// If both fail and a browser is attached, it dials the host:port the
// browser returns. It returns ErrUnreachable if every attempt fails.
func (s *Session) Connect(ctx context.Context, hostname string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hostname != "" {
		if ep, err := s.dial(ctx, hostname, port); err == nil {
			s.setEndpointLocked(ep, hostname, port)
			return nil
		}
	}
	fallback := defaultHostFallback
	if s.settings != nil && s.settings.DefaultHost() != "" {
		fallback = s.settings.DefaultHost()
	}
	if ep, err := s.dial(ctx, fallback, port); err == nil {
		s.setEndpointLocked(ep, fallback, port)
		return nil
	}

	if s.browse != nil {
		if host, discoveredPort, ok := s.browse(ctx); ok {
			if ep, err := s.dial(ctx, host, discoveredPort); err == nil {
				s.setEndpointLocked(ep, host, discoveredPort)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: tried %q and fallback %q", ErrUnreachable, hostname, fallback)
}

const defaultHostFallback = "localhost"

func (s *Session) dial(ctx context.Context, host string, port int) (*conn.Endpoint, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}
	return conn.NewEndpoint(ctx, c, conn.WithLogger(s.logger), conn.WithReadDeadline(s.readDeadline)), nil
}

func (s *Session) setEndpointLocked(ep *conn.Endpoint, host string, port int) {
	if s.ep != nil {
		_ = s.ep.Close()
	}
	s.ep = ep
	s.host = host
	s.port = port
	s.logger.Info("session_connected", "host", host, "port", port)
}

// Reconnect implements spec.md §4.5's reconnect(hostname, port): it
// sets the shutdown latch to restart, waits on the rendezvous with
// the outgoing endpoint's read/write loops, tears it down, then
// dials hostname:port as a fresh Connect. Used by recovery once it
// has a verified candidate address.
func (s *Session) Reconnect(ctx context.Context, hostname string, port int) error {
	s.mu.Lock()
	ep := s.ep
	s.ep = nil
	s.mu.Unlock()

	if ep != nil {
		ep.Restart(ctx, conn.NewRendezvous(3))
	}
	return s.Connect(ctx, hostname, port)
}

// Logon sends the session's logon frame using the configured identity
// (spec.md §6); if no settings are attached a bare guest identity is
// used.
func (s *Session) Logon() error {
	username, privType := "guest", "user"
	if s.settings != nil {
		username, privType = s.settings.User.Username, s.settings.User.Type
	}
	return s.send(wire.NewLogon(username, privType))
}

// Pubmsg sends a chat message frame.
func (s *Session) Pubmsg(text string) error {
	return s.send(wire.NewPubMsg(text))
}

// Screenshot sends a screenshot frame; data is base64-encoded here so
// callers pass raw image bytes.
func (s *Session) Screenshot(data []byte) error {
	return s.send(wire.NewScreenshot(base64.StdEncoding.EncodeToString(data)))
}

func (s *Session) send(body wire.Body) error {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}
	return ep.Send(body)
}

// GetMsg returns the next inbound frame without blocking, reporting
// ok=false if none is currently queued or the session isn't
// connected.
func (s *Session) GetMsg() (wire.Body, bool) {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	if ep == nil {
		return nil, false
	}
	select {
	case body, ok := <-ep.Inbox():
		return body, ok
	default:
		return nil, false
	}
}

// Quit announces a quit frame, gives the broker a short grace period
// to observe it, then closes the connection (§9's resolved quit-path
// race: the 250ms deadline mirrors writer.go's drain-before-return
// shape).
func (s *Session) Quit() error {
	s.mu.Lock()
	ep := s.ep
	s.ep = nil
	s.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}
	return ep.Quit(wire.NewQuit(), s.quitGrace)
}

// Connected reports whether the session currently owns a live
// endpoint (it may still be in the process of tearing down).
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep != nil
}

// ShutdownKind reports why the active endpoint stopped, for recovery
// to decide whether to reconnect. Valid only once Closed() fires.
func (s *Session) ShutdownKind() conn.ShutdownKind {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	if ep == nil {
		return conn.ShutdownUnknown
	}
	return ep.ShutdownKind()
}

// Closed returns the active endpoint's closed signal, or a nil
// channel (which blocks forever on select) if not connected.
func (s *Session) Closed() <-chan struct{} {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Closed()
}
