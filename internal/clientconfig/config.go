// Package clientconfig loads and saves the QA client's on-disk
// settings file: user identity, server protocol strings, the default
// host to fall back to when a given hostname can't be reached, and
// (once populated) the signed address book and peer list recovery
// needs between runs.
//
// Grounded on the ported system's Configuration class
// (original_source/qa_common.py) and QAClientLogic's path resolution
// and _mkconfig defaulting (original_source/qa_client.py).
package clientconfig

import (
	"crypto/dsa"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"

	"github.com/labqa/qa-broker/internal/identity"
)

// User identifies this client to the broker on logon.
type User struct {
	Username string `json:"username"`
	Type     string `json:"type"` // "user" or "admin"
}

// ServerProtocol pins the protocol strings this client advertises in
// its logon frame (spec.md §6), matching the ones the ported client
// hardcoded.
type ServerProtocol struct {
	Protocol string `json:"protocol"`
	Client   string `json:"client"`
}

// ClientSettings holds the fallback connection target.
type ClientSettings struct {
	DefaultHost string `json:"default_host"`
}

// Settings is the full on-disk shape, mirroring qa_client.py's
// {"user": ..., "server": ..., "client": ...} config dict plus the
// recovery state (pinned server key, address book, peer list) that
// dict never carried but this port's reconnection machinery needs
// persisted.
type Settings struct {
	User      User                  `json:"user"`
	Server    ServerProtocol        `json:"server"`
	Client    ClientSettings        `json:"client"`
	ServerKey string                `json:"server_key,omitempty"`
	Book      *identity.Snapshot    `json:"server_address_book,omitempty"`
	Peers     []identity.PeerEntry  `json:"peers,omitempty"`

	path string
}

// PinnedServerKey decodes ServerKey, if set. A client with no pinned
// key yet cannot run recovery (there is nothing to verify a reconnect
// candidate against); cmd/qa-client treats that as recovery being
// unavailable rather than an error.
func (s *Settings) PinnedServerKey() (*dsa.PublicKey, bool) {
	if s.ServerKey == "" {
		return nil, false
	}
	pub, err := identity.DecodePub(s.ServerKey)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// SetPinnedServerKey records pub as the server identity this client's
// recovery should trust, replacing whatever was pinned before.
func (s *Settings) SetPinnedServerKey(pub *dsa.PublicKey) {
	s.ServerKey = identity.EncodePub(pub)
}

const (
	defaultProtocol = "QAServ1.0"
	defaultClient   = "QA_QT1.0"
	defaultHost     = "localhost"
)

// settingsPath returns the platform-specific config file location:
// ~/.mrc/qa_system/client/settings.conf on POSIX,
// %APPDATA%\mrc\qa_system\client\settings.conf on Windows.
func settingsPath() (string, error) {
	if runtime.GOOS == "windows" {
		appdata := os.Getenv("APPDATA")
		if appdata == "" {
			return "", fmt.Errorf("clientconfig: APPDATA not set")
		}
		return filepath.Join(appdata, "mrc", "qa_system", "client", "settings.conf"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("clientconfig: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".mrc", "qa_system", "client", "settings.conf"), nil
}

func defaultUsername() string {
	return fmt.Sprintf("Guest%d", rand.Intn(10000))
}

// defaults returns the settings _mkconfig would have written: a
// random guest username, the fixed protocol strings, and localhost as
// the fallback host.
func defaults() Settings {
	return Settings{
		User:   User{Username: defaultUsername(), Type: "user"},
		Server: ServerProtocol{Protocol: defaultProtocol, Client: defaultClient},
		Client: ClientSettings{DefaultHost: defaultHost},
	}
}

// Load reads the settings file, creating it with defaults if absent
// (mirroring _mkconfig's open-or-create behavior).
func Load() (*Settings, error) {
	path, err := settingsPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads (or creates) settings at an explicit path, useful for
// tests that don't want to touch the real home directory.
func LoadFrom(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := defaults()
		s.path = path
		if err := s.Save(); err != nil {
			return nil, err
		}
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clientconfig: read %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("clientconfig: parse %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save persists the settings back to their on-disk path, creating
// parent directories as needed (mirroring _mkconfig's makedirs
// fallback on the first write).
func (s *Settings) Save() error {
	if s.path == "" {
		p, err := settingsPath()
		if err != nil {
			return err
		}
		s.path = p
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("clientconfig: create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("clientconfig: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("clientconfig: write %s: %w", s.path, err)
	}
	return nil
}

// DefaultHost is the host session.Connect falls back to when dialing
// the caller-supplied hostname fails.
func (s *Settings) DefaultHost() string { return s.Client.DefaultHost }

// AddressBook rebuilds an identity.AddressBook from whatever was
// persisted in s.Book, for handing to internal/recovery at startup.
func (s *Settings) AddressBook() *identity.AddressBook {
	book := identity.NewAddressBook()
	if s.Book != nil {
		book.Load(*s.Book)
	}
	return book
}

// PeerList rebuilds an identity.PeerList from s.Peers.
func (s *Settings) PeerList() *identity.PeerList {
	peers := identity.NewPeerList()
	for _, p := range s.Peers {
		peers.Add(p.Address, p.Port)
	}
	return peers
}

// SyncRecoveryState snapshots book and peers back into s, ready for a
// following Save. Recovery can add addresses/peers over a session's
// lifetime; this is how that state makes it back to disk.
func (s *Settings) SyncRecoveryState(book *identity.AddressBook, peers *identity.PeerList) {
	snap := book.Save()
	s.Book = &snap
	s.Peers = peers.Snapshot()
}
