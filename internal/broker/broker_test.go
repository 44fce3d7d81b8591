package broker

import (
	"bytes"
	"context"
	"crypto/dsa"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/labqa/qa-broker/internal/identity"
	"github.com/labqa/qa-broker/internal/wire"
)

func genKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("generate params: %v", err)
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// sigStrings tolerates the codec decoding a JSON array field as
// []interface{} rather than []string (wire.Body is a plain
// map[string]any, so every array field comes back that way).
func sigStrings(t *testing.T, v any) []string {
	t.Helper()
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		t.Fatalf("signature field has unexpected type %T", v)
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			t.Fatalf("signature element %d has unexpected type %T", i, e)
		}
		out[i] = s
	}
	return out
}

// testClient dials the dispatcher and exposes a channel of decoded
// frames, mirroring the teacher's TestSmokeServer dial-and-decode
// shape but against this protocol's framing instead of cannelloni.
type testClient struct {
	conn net.Conn
	recv chan wire.Body
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testClient{conn: c, recv: make(chan wire.Body, 16)}
	go func() {
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
					tc.recv <- body
				}
			}
			if err != nil {
				close(tc.recv)
				return
			}
		}
	}()
	return tc
}

func (tc *testClient) send(t *testing.T, body wire.Body) {
	t.Helper()
	var codec wire.Codec
	encoded, err := codec.Encode(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := tc.conn.Write(encoded); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (tc *testClient) expectType(t *testing.T, want string) wire.Body {
	t.Helper()
	select {
	case body, ok := <-tc.recv:
		if !ok {
			t.Fatalf("connection closed waiting for %q", want)
		}
		if body.Type() != want {
			t.Fatalf("got frame type %q, want %q", body.Type(), want)
		}
		return body
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return nil
	}
}

func startDispatcher(t *testing.T, extra ...Option) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts := append([]Option{WithListenAddr(":0")}, extra...)
	d := New(opts...)
	go func() { _ = d.Serve(ctx) }()
	select {
	case <-d.Ready():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not become ready")
	}
	return d, cancel
}

func TestLogonReceivesRoomThenEntranceBroadcast(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	alice := dialClient(t, d.Addr())
	alice.send(t, wire.NewLogon("alice", "user"))
	alice.expectType(t, wire.TypeRoom)

	bob := dialClient(t, d.Addr())
	bob.send(t, wire.NewLogon("bob", "user"))
	bob.expectType(t, wire.TypeRoom)

	alice.expectType(t, wire.TypeEntrance)
}

func TestPubmsgBroadcastsToAllSubscribers(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	alice := dialClient(t, d.Addr())
	alice.send(t, wire.NewLogon("alice", "user"))
	alice.expectType(t, wire.TypeRoom)

	bob := dialClient(t, d.Addr())
	bob.send(t, wire.NewLogon("bob", "user"))
	bob.expectType(t, wire.TypeRoom)
	alice.expectType(t, wire.TypeEntrance) // bob's entrance

	alice.send(t, wire.NewPubMsg("hi all"))
	got := bob.expectType(t, wire.TypePubMsg)
	if msg, _ := got.GetString("msg"); msg != "hi all" {
		t.Fatalf("msg = %q, want %q", msg, "hi all")
	}
	gotSelf := alice.expectType(t, wire.TypePubMsg)
	if msg, _ := gotSelf.GetString("msg"); msg != "hi all" {
		t.Fatalf("sender did not receive its own broadcast: %q", msg)
	}
}

func TestPreLogonFramesAreDropped(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	alice := dialClient(t, d.Addr())
	alice.send(t, wire.NewPubMsg("too early"))

	bob := dialClient(t, d.Addr())
	bob.send(t, wire.NewLogon("bob", "user"))
	bob.expectType(t, wire.TypeRoom)

	select {
	case body, ok := <-bob.recv:
		if ok {
			t.Fatalf("bob should not have received a pre-logon frame, got %q", body.Type())
		}
	case <-time.After(100 * time.Millisecond):
		// no frame arrived, as expected
	}
}

func TestScreenshotOnlyRoutedToAdmins(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	admin := dialClient(t, d.Addr())
	admin.send(t, wire.NewLogon("root", "admin"))
	admin.expectType(t, wire.TypeRoom)

	user := dialClient(t, d.Addr())
	user.send(t, wire.NewLogon("alice", "user"))
	user.expectType(t, wire.TypeRoom)
	admin.expectType(t, wire.TypeEntrance) // alice's entrance

	user.send(t, wire.NewScreenshot("base64data"))
	admin.expectType(t, wire.TypeScreenshot)

	select {
	case body, ok := <-user.recv:
		if ok {
			t.Fatalf("non-admin should not receive screenshot frame, got %q", body.Type())
		}
	case <-time.After(150 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestDisconnectBroadcastsExit(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	alice := dialClient(t, d.Addr())
	alice.send(t, wire.NewLogon("alice", "user"))
	alice.expectType(t, wire.TypeRoom)

	bob := dialClient(t, d.Addr())
	bob.send(t, wire.NewLogon("bob", "user"))
	bob.expectType(t, wire.TypeRoom)
	alice.expectType(t, wire.TypeEntrance)

	bob.conn.Close()
	exit := alice.expectType(t, wire.TypeExit)
	if name, _ := exit.GetString("username"); name != "bob" {
		t.Fatalf("exit username = %q, want bob", name)
	}
}

func TestSidentVerifyAnsweredWithSignedAddress(t *testing.T) {
	priv := genKey(t)
	d, cancel := startDispatcher(t, WithIdentityKey(priv))
	defer cancel()

	probe := dialClient(t, d.Addr())
	probe.send(t, wire.NewSidentVerify(time.Now().Unix()))

	resp := probe.expectType(t, wire.TypeSidentResponse)
	ip, _ := resp.GetString("ip_addr")
	port, _ := resp.GetInt64("port")
	ts, _ := resp.GetInt64("timestamp")
	r, s, err := identity.DecodeSignature(sigStrings(t, resp["signature"]))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !identity.VerifyAddress(&priv.PublicKey, ip, int(port), ts, r, s) {
		t.Fatalf("sident_response signature did not verify under the dispatcher's identity key")
	}
}

func TestSidentVerifyDroppedWithoutIdentityKey(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	probe := dialClient(t, d.Addr())
	probe.send(t, wire.NewSidentVerify(time.Now().Unix()))

	select {
	case body, ok := <-probe.recv:
		if ok {
			t.Fatalf("expected no reply without an identity key, got %q", body.Type())
		}
	case <-time.After(150 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestAddressRequestAnsweredWithSignedServerAddress(t *testing.T) {
	priv := genKey(t)
	d, cancel := startDispatcher(t, WithIdentityKey(priv))
	defer cancel()

	probe := dialClient(t, d.Addr())
	probe.send(t, wire.NewAddressRequest(time.Now().Unix()))

	resp := probe.expectType(t, wire.TypeServerAddress)
	key, _ := resp.GetString("key")
	if key != identity.EncodePub(&priv.PublicKey) {
		t.Fatalf("server_address key = %q, want the dispatcher's own encoded public key", key)
	}
	addr, _ := resp.GetString("address")
	port, _ := resp.GetInt64("port")
	addrTS, _ := resp.GetInt64("address_timestamp")
	r, s, err := identity.DecodeSignature(sigStrings(t, resp["signature"]))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !identity.VerifyAddress(&priv.PublicKey, addr, int(port), addrTS, r, s) {
		t.Fatalf("server_address signature did not verify under the dispatcher's identity key")
	}
}

func TestMutedSubscriberPubmsgIsDropped(t *testing.T) {
	d, cancel := startDispatcher(t)
	defer cancel()

	alice := dialClient(t, d.Addr())
	alice.send(t, wire.NewLogon("alice", "user"))
	alice.expectType(t, wire.TypeRoom)

	bob := dialClient(t, d.Addr())
	bob.send(t, wire.NewLogon("bob", "user"))
	bob.expectType(t, wire.TypeRoom)
	alice.expectType(t, wire.TypeEntrance) // bob's entrance

	if ok := d.SetMuted("bob", true); !ok {
		t.Fatalf("SetMuted(bob) = false, want true")
	}

	bob.send(t, wire.NewPubMsg("should not arrive"))

	select {
	case body, ok := <-alice.recv:
		if ok {
			t.Fatalf("muted subscriber's pubmsg should not have been broadcast, got %q", body.Type())
		}
	case <-time.After(150 * time.Millisecond):
		// expected: nothing arrives
	}

	if ok := d.SetMuted("bob", false); !ok {
		t.Fatalf("SetMuted(bob, false) = false, want true")
	}
	bob.send(t, wire.NewPubMsg("now it arrives"))
	got := alice.expectType(t, wire.TypePubMsg)
	if msg, _ := got.GetString("msg"); msg != "now it arrives" {
		t.Fatalf("msg = %q, want %q", msg, "now it arrives")
	}
}
