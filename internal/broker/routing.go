package broker

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/labqa/qa-broker/internal/conn"
	"github.com/labqa/qa-broker/internal/identity"
	"github.com/labqa/qa-broker/internal/metrics"
	"github.com/labqa/qa-broker/internal/wire"
)

// route applies the dispatcher's routing policy to one frame from the
// queue (spec §4.4 steps 1-4): stamp a timestamp if absent, drop if
// unauthenticated, then dispatch on type.
func (d *Dispatcher) route(ep *conn.Endpoint, body wire.Body) {
	body = body.WithTimestamp(time.Now())
	metrics.IncPublished()

	// sident_verify/address_request are peer-recovery frames (spec.md
	// §6): a peer re-challenging the broker's identity has not, and
	// never will, log on — it's a one-shot probe connection, not a
	// session. Both are answered (if the broker holds a signing key)
	// regardless of subscription state.
	switch body.Type() {
	case wire.TypeSidentVerify:
		d.handleSidentVerify(ep, body)
		return
	case wire.TypeAddressRequest:
		d.handleAddressRequest(ep, body)
		return
	}

	sub, subscribed := d.lookup(ep)
	if !subscribed {
		if body.Type() == wire.TypeLogon {
			d.subscribe(ep, body)
			return
		}
		d.logger.Debug("frame_dropped_unauthenticated", "remote", ep.RemoteAddr(), "type", body.Type())
		return
	}

	switch body.Type() {
	case wire.TypePubMsg:
		if sub.Privileges.Muted {
			metrics.IncMuteDropped()
			return
		}
		d.broadcast(body, nil)
	case wire.TypeScreenshot:
		d.broadcast(body, func(s *Subscription) bool { return s.Privileges.IsAdmin() })
		metrics.IncAdminRouted()
	case wire.TypeLogon:
		d.logger.Debug("duplicate_logon_ignored", "username", sub.Username)
	default:
		d.logger.Warn("frame_type_unknown", "type", body.Type(), "username", sub.Username)
	}
}

// handleSidentVerify answers a signed re-proof of the broker's
// current address (spec.md §6's sident_verify/sident_response pair),
// the server-side half of internal/recovery's address-book
// re-challenge.
func (d *Dispatcher) handleSidentVerify(ep *conn.Endpoint, body wire.Body) {
	if d.identityKey == nil {
		d.logger.Debug("sident_verify_no_identity", "remote", ep.RemoteAddr())
		return
	}
	host, port, ok := splitHostPort(ep.LocalAddr())
	if !ok {
		d.logger.Warn("sident_verify_bad_local_addr", "local", ep.LocalAddr())
		return
	}
	now := time.Now().Unix()
	r, s, err := identity.SignAddress(d.identityKey, host, port, now)
	if err != nil {
		d.logger.Warn("sident_verify_sign_failed", "error", err)
		return
	}
	resp := wire.NewSidentResponse(host, port, now, identity.EncodeSignature(r, s))
	if err := ep.Send(resp); err != nil {
		d.logger.Warn("sident_verify_send_failed", "remote", ep.RemoteAddr(), "error", err)
	}
}

// handleAddressRequest answers a peer's request for the broker's own
// best address (spec.md §6's address_request/server_address pair);
// the broker always vouches for itself rather than relaying another
// peer's claim.
func (d *Dispatcher) handleAddressRequest(ep *conn.Endpoint, body wire.Body) {
	if d.identityKey == nil {
		d.logger.Debug("address_request_no_identity", "remote", ep.RemoteAddr())
		return
	}
	host, port, ok := splitHostPort(ep.LocalAddr())
	if !ok {
		d.logger.Warn("address_request_bad_local_addr", "local", ep.LocalAddr())
		return
	}
	now := time.Now().Unix()
	r, s, err := identity.SignAddress(d.identityKey, host, port, now)
	if err != nil {
		d.logger.Warn("address_request_sign_failed", "error", err)
		return
	}
	resp := wire.NewServerAddress(identity.EncodePub(&d.identityKey.PublicKey), host, port, now, identity.EncodeSignature(r, s), now)
	if err := ep.Send(resp); err != nil {
		d.logger.Warn("address_request_send_failed", "remote", ep.RemoteAddr(), "error", err)
	}
}

func splitHostPort(addr string) (host string, port int, ok bool) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false
	}
	return h, n, true
}

// SetMuted toggles a logged-on subscriber's mute flag; spec.md §3
// describes LogonInfo.privileges.muted as "mutable only by the
// broker", and this is the admin-facing entry point for that mutation
// (cmd/qa-server or a future admin frame type would call it). Reports
// false if username has no active subscription.
func (d *Dispatcher) SetMuted(username string, muted bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		if sub.Username == username {
			sub.Privileges.Muted = muted
			return true
		}
	}
	return false
}

func (d *Dispatcher) lookup(ep *conn.Endpoint) (*Subscription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subs[ep]
	return sub, ok
}

// subscribe registers a logon frame's sender and synthesizes the
// room (to the new subscriber only) and entrance (broadcast) frames
// — the redesign the teacher's hub never needed (CAN frames have no
// concept of a roster).
func (d *Dispatcher) subscribe(ep *conn.Endpoint, logon wire.Body) {
	username := "guest"
	privType := "user"
	if user, ok := logon.GetMap("user"); ok {
		if name, ok := user.GetString("username"); ok && name != "" {
			username = name
		}
		if priv, ok := user.GetMap("privileges"); ok {
			if t, ok := priv.GetString("type"); ok && t != "" {
				privType = t
			}
		}
	}
	sub := &Subscription{
		Username:   username,
		Privileges: Privileges{Type: privType},
		endpoint:   ep,
	}

	d.mu.Lock()
	d.subs[ep] = sub
	count := len(d.subs)
	d.mu.Unlock()

	metrics.IncSubscribed()
	metrics.SetActiveSubscriptions(count)
	d.logger.Info("subscribed", "username", username, "privileges", privType, "remote", ep.RemoteAddr())

	now := time.Now().Unix()
	_ = ep.Send(wire.NewRoom(d.usernames(), ""))
	// The newcomer already has the full roster via the room frame
	// above; only existing subscribers need the entrance notice.
	d.broadcast(wire.NewEntrance(username, now), func(s *Subscription) bool { return s.endpoint != ep })
}

// handleDisconnect removes ep's subscription (if any) and broadcasts
// an exit frame, mirroring internal/hub.Hub.Remove's lifecycle-log
// pattern but for the roster rather than the client count.
func (d *Dispatcher) handleDisconnect(ep *conn.Endpoint) {
	d.mu.Lock()
	sub, ok := d.subs[ep]
	if ok {
		delete(d.subs, ep)
	}
	count := len(d.subs)
	d.mu.Unlock()
	if !ok {
		return
	}
	metrics.SetActiveSubscriptions(count)
	d.logger.Info("unsubscribed", "username", sub.Username)
	d.broadcast(wire.NewExit(sub.Username, time.Now().Unix()), nil)
}

// usernames returns the current roster, for room frames.
func (d *Dispatcher) usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.subs))
	for _, sub := range d.subs {
		out = append(out, sub.Username)
	}
	return out
}

// broadcast delivers body to every subscription passing filter (all
// of them if filter is nil). Endpoints that are already closed are
// skipped; a full send queue hands the subscriber to onSendFailure
// (teacher precedent: hub.Broadcast's select/default over a fixed
// channel, generalized to conn.Endpoint.Send's own queue).
func (d *Dispatcher) broadcast(body wire.Body, filter func(*Subscription) bool) {
	d.mu.RLock()
	targets := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if filter == nil || filter(sub) {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()

	if len(targets) > 0 {
		maxDepth, sum := 0, 0
		for _, sub := range targets {
			depth := sub.endpoint.QueueDepth()
			if depth > maxDepth {
				maxDepth = depth
			}
			sum += depth
		}
		metrics.SetSendQueueDepth(maxDepth, sum/len(targets))
	}

	for _, sub := range targets {
		metrics.IncRouted()
		if err := sub.endpoint.Send(body); err != nil {
			if errors.Is(err, conn.ErrAsyncTxClosed) {
				continue
			}
			d.onSendFailure(sub)
		}
	}
}

// onSendFailure applies the configured backpressure policy to a
// subscriber whose send queue is full: PolicyDrop drops the frame for
// that subscriber only; PolicyKick closes its endpoint, and the
// resulting disconnect removes the subscription via the publish queue.
func (d *Dispatcher) onSendFailure(sub *Subscription) {
	switch d.policy {
	case PolicyKick:
		metrics.IncBackpressureKicked()
		_ = sub.endpoint.Close()
	default:
		metrics.IncBackpressureDropped()
	}
}
