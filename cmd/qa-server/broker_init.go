package main

import (
	"log/slog"

	"github.com/labqa/qa-broker/internal/broker"
	"github.com/labqa/qa-broker/internal/identity"
)

// initDispatcher builds the broker.Dispatcher options from the parsed
// config, mirroring the teacher's initHub's log-and-construct shape.
func initDispatcher(cfg *appConfig, l *slog.Logger) *broker.Dispatcher {
	policy := broker.PolicyDrop
	switch cfg.hubPolicy {
	case "drop":
		policy = broker.PolicyDrop
	case "kick":
		policy = broker.PolicyKick
	default:
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", "drop")
	}
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("broker_config", "policy", cfg.hubPolicy, "max_clients", cfg.maxClients, "logon_timeout", cfg.logonTimeout)

	opts := []broker.Option{
		broker.WithListenAddr(cfg.listenAddr),
		broker.WithLogger(l),
		broker.WithMaxClients(cfg.maxClients),
		broker.WithReadDeadline(cfg.clientReadTO),
		broker.WithLogonTimeout(cfg.logonTimeout),
		broker.WithBackpressurePolicy(policy),
	}

	if key, err := identity.LoadOrGenerateKey(cfg.identityKeyPath); err != nil {
		l.Warn("identity_key_unavailable", "path", cfg.identityKeyPath, "error", err)
	} else {
		l.Info("identity_key_loaded", "path", cfg.identityKeyPath, "fingerprint", identity.FingerprintHex(&key.PublicKey))
		opts = append(opts, broker.WithIdentityKey(key))
	}

	return broker.New(opts...)
}
