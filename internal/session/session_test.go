package session

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/labqa/qa-broker/internal/clientconfig"
	"github.com/labqa/qa-broker/internal/wire"
)

// fakeBroker accepts one connection and decodes frames off it,
// mirroring broker_test.go's dial-and-decode harness from the other
// side of the wire.
type fakeBroker struct {
	ln   net.Listener
	recv chan wire.Body
	conn chan net.Conn
}

func startFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{ln: ln, recv: make(chan wire.Body, 16), conn: make(chan net.Conn, 1)}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		fb.conn <- c
		var buf bytes.Buffer
		var codec wire.Codec
		tmp := make([]byte, 4096)
		for {
			n, err := c.Read(tmp)
			if n > 0 {
				buf.Write(tmp[:n])
				for {
					body, decErr := codec.Decode(&buf)
					if decErr != nil {
						break
					}
					fb.recv <- body
				}
			}
			if err != nil {
				close(fb.recv)
				return
			}
		}
	}()
	return fb
}

func (fb *fakeBroker) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fb.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func expectFrame(t *testing.T, recv chan wire.Body, wantType string) wire.Body {
	t.Helper()
	select {
	case body, ok := <-recv:
		if !ok {
			t.Fatalf("connection closed waiting for %q", wantType)
		}
		if body.Type() != wantType {
			t.Fatalf("got %q, want %q", body.Type(), wantType)
		}
		return body
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", wantType)
		return nil
	}
}

func TestConnectToGivenHostSucceeds(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.ln.Close()
	host, port := fb.hostPort(t)

	s := New()
	if err := s.Connect(context.Background(), host, port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.Connected() {
		t.Fatalf("expected Connected() true")
	}
}

func TestConnectFallsBackToConfiguredDefaultHost(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.ln.Close()
	host, port := fb.hostPort(t)

	settings := &clientconfig.Settings{Client: clientconfig.ClientSettings{DefaultHost: host}}
	s := New(WithSettings(settings), WithDialTimeout(100*time.Millisecond))
	// 192.0.2.1 (TEST-NET-1) never answers, so the primary dial times
	// out and Connect retries the configured default host on the same
	// port, where the fake broker listens.
	if err := s.Connect(context.Background(), "192.0.2.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.Connected() {
		t.Fatalf("expected fallback connect to succeed, Connected() = false")
	}
}

func TestLogonSendsConfiguredIdentity(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.ln.Close()
	host, port := fb.hostPort(t)

	settings := &clientconfig.Settings{User: clientconfig.User{Username: "alice", Type: "admin"}}
	s := New(WithSettings(settings))
	if err := s.Connect(context.Background(), host, port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Logon(); err != nil {
		t.Fatalf("Logon: %v", err)
	}
	got := expectFrame(t, fb.recv, wire.TypeLogon)
	user, ok := got.GetMap("user")
	if !ok {
		t.Fatalf("logon frame missing user map")
	}
	if name, _ := user.GetString("username"); name != "alice" {
		t.Fatalf("username = %q, want alice", name)
	}
}

func TestPubmsgAndQuit(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.ln.Close()
	host, port := fb.hostPort(t)

	s := New()
	if err := s.Connect(context.Background(), host, port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Pubmsg("hello"); err != nil {
		t.Fatalf("Pubmsg: %v", err)
	}
	got := expectFrame(t, fb.recv, wire.TypePubMsg)
	if msg, _ := got.GetString("msg"); msg != "hello" {
		t.Fatalf("msg = %q, want hello", msg)
	}

	if err := s.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	expectFrame(t, fb.recv, wire.TypeQuit)
}

func TestReconnectTearsDownAndDialsNewTarget(t *testing.T) {
	fb1 := startFakeBroker(t)
	defer fb1.ln.Close()
	host1, port1 := fb1.hostPort(t)

	fb2 := startFakeBroker(t)
	defer fb2.ln.Close()
	host2, port2 := fb2.hostPort(t)

	s := New()
	if err := s.Connect(context.Background(), host1, port1); err != nil {
		t.Fatalf("initial Connect: %v", err)
	}

	var firstConn net.Conn
	select {
	case firstConn = <-fb1.conn:
	case <-time.After(time.Second):
		t.Fatalf("fb1 never accepted a connection")
	}

	if err := s.Reconnect(context.Background(), host2, port2); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !s.Connected() {
		t.Fatalf("expected Connected() true after Reconnect")
	}

	// The old endpoint's restart rendezvous tears down fb1's side of
	// the connection; reads on it should now observe EOF/closed.
	_ = firstConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := firstConn.Read(buf); err == nil {
		t.Fatalf("expected the pre-reconnect connection to be closed")
	}

	if err := s.Pubmsg("after reconnect"); err != nil {
		t.Fatalf("Pubmsg: %v", err)
	}
	got := expectFrame(t, fb2.recv, wire.TypePubMsg)
	if msg, _ := got.GetString("msg"); msg != "after reconnect" {
		t.Fatalf("msg = %q, want %q", msg, "after reconnect")
	}
}

func TestConnectFallsBackToBrowserWhenConfiguredHostsFail(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.ln.Close()
	host, port := fb.hostPort(t)

	browsed := false
	settings := &clientconfig.Settings{Client: clientconfig.ClientSettings{DefaultHost: "192.0.2.1"}}
	s := New(
		WithSettings(settings),
		WithDialTimeout(150*time.Millisecond),
		WithBrowser(func(ctx context.Context) (string, int, bool) {
			browsed = true
			return host, port, true
		}),
	)
	// The given host 192.0.2.2 and the configured default host
	// 192.0.2.1 (both TEST-NET-1) fail to connect, forcing Connect to
	// fall through to the browser.
	if err := s.Connect(context.Background(), "192.0.2.2", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !browsed {
		t.Fatalf("expected Connect to fall back to the browser")
	}
	if !s.Connected() {
		t.Fatalf("expected Connected() true via the browsed address")
	}
}

func TestOperationsBeforeConnectReturnErrNotConnected(t *testing.T) {
	s := New()
	if err := s.Pubmsg("x"); err != ErrNotConnected {
		t.Fatalf("Pubmsg before connect = %v, want ErrNotConnected", err)
	}
	if err := s.Quit(); err != ErrNotConnected {
		t.Fatalf("Quit before connect = %v, want ErrNotConnected", err)
	}
	if _, ok := s.GetMsg(); ok {
		t.Fatalf("GetMsg before connect should report ok=false")
	}
}
