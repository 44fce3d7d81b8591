package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/labqa/qa-broker/internal/clientconfig"
	"github.com/labqa/qa-broker/internal/conn"
	"github.com/labqa/qa-broker/internal/discovery"
	"github.com/labqa/qa-broker/internal/identity"
	"github.com/labqa/qa-broker/internal/recovery"
	"github.com/labqa/qa-broker/internal/session"
)

const browseTimeout = 2 * time.Second

// browserFor adapts internal/discovery's mDNS browse into the shape
// session.WithBrowser expects, keeping internal/session free of the
// mDNS dependency it doesn't otherwise need.
func browserFor(l *slog.Logger) func(context.Context) (string, int, bool) {
	return func(ctx context.Context) (string, int, bool) {
		cands, err := discovery.Browse(ctx, browseTimeout)
		if err != nil || len(cands) == 0 {
			if err != nil {
				l.Debug("discovery_browse_failed", "error", err)
			}
			return "", 0, false
		}
		return cands[0].Host, cands[0].Port, true
	}
}

// recoveryWorker watches a Session for an unexpected disconnect and,
// when one happens, walks the signed address book and peer list
// (internal/recovery) for a candidate to reconnect to (spec.md §8
// scenario 6, "Peer recovery"). It is nil (a no-op) when the client's
// settings have no pinned server key, since recovery has nothing to
// verify a candidate against without one.
type recoveryWorker struct {
	sess     *session.Session
	rec      *recovery.Recovery
	settings *clientconfig.Settings
	book     *identity.AddressBook
	peers    *identity.PeerList
	logger   *slog.Logger
}

// newRecoveryWorker builds a recoveryWorker from settings, or returns
// nil if settings has no pinned server key yet.
func newRecoveryWorker(sess *session.Session, settings *clientconfig.Settings, l *slog.Logger) *recoveryWorker {
	pub, ok := settings.PinnedServerKey()
	if !ok {
		l.Debug("recovery_disabled_no_pinned_key")
		return nil
	}
	book := settings.AddressBook()
	peers := settings.PeerList()
	return &recoveryWorker{
		sess:     sess,
		rec:      recovery.New(pub, book, peers, recovery.WithLogger(l)),
		settings: settings,
		book:     book,
		peers:    peers,
		logger:   l,
	}
}

// run blocks, reconnecting sess whenever its active endpoint reports
// an unexpected (remote) shutdown, until ctx is cancelled. A quit the
// user asked for (ShutdownLocal) is left alone.
func (w *recoveryWorker) run(ctx context.Context) {
	for {
		closed := w.sess.Closed()
		if closed == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
		}

		if w.sess.ShutdownKind() != conn.ShutdownRemote {
			continue
		}
		w.logger.Warn("session_lost", "action", "recovering")

		cand, err := w.rec.Recover(ctx)
		if err != nil {
			w.logger.Warn("recovery_exhausted", "error", err)
			continue
		}
		if err := w.sess.Reconnect(ctx, cand.Host, cand.Port); err != nil {
			w.logger.Warn("recovery_reconnect_failed", "host", cand.Host, "port", cand.Port, "error", err)
			continue
		}
		w.logger.Info("recovered", "host", cand.Host, "port", cand.Port)

		w.settings.SyncRecoveryState(w.book, w.peers)
		if err := w.settings.Save(); err != nil {
			w.logger.Warn("recovery_state_save_failed", "error", err)
		}
	}
}
