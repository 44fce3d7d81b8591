package identity

import (
	"crypto/dsa"
	"fmt"
	"sort"
	"sync"
)

// AddressRecord is one address a server has signed and vouched for.
// Timestamp is the moment the server (not the recorder) signed it;
// recovery walks records newest-first.
type AddressRecord struct {
	IP        string
	Port      int
	Timestamp int64
	Sig       Signature
}

func (a AddressRecord) key() string {
	return fmt.Sprintf("%s:%d@%d", a.IP, a.Port, a.Timestamp)
}

// AddressBook tracks, per known server public key, every address that
// server has signed for itself. It is the client-side trust store a
// reconnect attempt consults before dialing: addresses only enter the
// book after their signature verifies against the key that owns them.
//
// Grounded on ServerAddressBook in the system this protocol was
// ported from; shaped as a mutex-guarded map with a Snapshot-style
// accessor.
type AddressBook struct {
	mu         sync.RWMutex
	records    map[string]map[string]AddressRecord // fingerprint hex -> record key -> record
	pubkeys    map[string]*dsa.PublicKey            // fingerprint hex -> owning key
	mostRecent string                               // fingerprint hex of best-known server
}

// NewAddressBook returns an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{
		records: make(map[string]map[string]AddressRecord),
		pubkeys: make(map[string]*dsa.PublicKey),
	}
}

// AddServer registers a server's key with an empty address set. It is
// a no-op (returns false) if the key is already known.
func (b *AddressBook) AddServer(pub *dsa.PublicKey) bool {
	fp := FingerprintHex(pub)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[fp]; ok {
		return false
	}
	b.records[fp] = make(map[string]AddressRecord)
	b.pubkeys[fp] = pub
	return true
}

// PubKeyByFingerprint returns the public key registered under fp, if
// any. Recovery uses this to go from AddressBook.MostRecentKeys'
// fingerprints back to a dialable key.
func (b *AddressBook) PubKeyByFingerprint(fp string) (*dsa.PublicKey, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pub, ok := b.pubkeys[fp]
	return pub, ok
}

// AddAddress verifies rec's signature against pub and, if valid,
// records it. Returns false if the signature does not verify or the
// record is already present. The book's "most recent" pointer is
// updated whenever this key's newest record becomes the newest across
// the whole book.
func (b *AddressBook) AddAddress(pub *dsa.PublicKey, rec AddressRecord) (bool, error) {
	if !VerifyAddress(pub, rec.IP, rec.Port, rec.Timestamp, rec.Sig.R, rec.Sig.S) {
		return false, fmt.Errorf("identity: address signature does not verify")
	}
	fp := FingerprintHex(pub)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.records[fp]
	if !ok {
		set = make(map[string]AddressRecord)
		b.records[fp] = set
	}
	if _, ok := b.pubkeys[fp]; !ok {
		b.pubkeys[fp] = pub
	}
	k := rec.key()
	if _, exists := set[k]; exists {
		return false, nil
	}
	set[k] = rec
	if b.mostRecent == "" || b.newestTimestamp(fp) > b.newestTimestamp(b.mostRecent) {
		b.mostRecent = fp
	}
	return true, nil
}

// newestTimestamp returns the newest record's timestamp for fp, or -1
// if fp is unknown or empty. Caller must hold b.mu.
func (b *AddressBook) newestTimestamp(fp string) int64 {
	best := int64(-1)
	for _, rec := range b.records[fp] {
		if rec.Timestamp > best {
			best = rec.Timestamp
		}
	}
	return best
}

// RemoveServer drops a key and all its addresses from the book.
func (b *AddressBook) RemoveServer(pub *dsa.PublicKey) bool {
	fp := FingerprintHex(pub)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[fp]; !ok {
		return false
	}
	delete(b.records, fp)
	if b.mostRecent == fp {
		b.mostRecent = ""
	}
	return true
}

// ListByKey returns pub's known addresses sorted newest-first by
// signed timestamp, the order recovery should try them in.
func (b *AddressBook) ListByKey(pub *dsa.PublicKey) []AddressRecord {
	fp := FingerprintHex(pub)
	b.mu.RLock()
	set := b.records[fp]
	out := make([]AddressRecord, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// MostRecentKeys returns the known server fingerprints ordered by how
// recently each was last vouched for, most recent first. Recovery
// consults the address book in this order before falling back to the
// peer list.
func (b *AddressBook) MostRecentKeys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	type entry struct {
		fp string
		ts int64
	}
	entries := make([]entry, 0, len(b.records))
	for fp := range b.records {
		entries = append(entries, entry{fp, b.newestTimestamp(fp)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts > entries[j].ts })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.fp
	}
	return out
}

// Snapshot serializes the book into a form suitable for persistence
// (see Save). Callers should treat the result as opaque. PubKeys
// carries each fingerprint's EncodePub string so Load can rebuild
// PubKeyByFingerprint without needing the caller to re-supply keys.
type Snapshot struct {
	Servers map[string][]AddressRecord `json:"servers"`
	PubKeys map[string]string          `json:"pub_keys"`
}

// Save returns a point-in-time snapshot of the book for a caller to
// persist (e.g. to the client settings file; see clientconfig).
func (b *AddressBook) Save() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]AddressRecord, len(b.records))
	for fp, set := range b.records {
		list := make([]AddressRecord, 0, len(set))
		for _, rec := range set {
			list = append(list, rec)
		}
		out[fp] = list
	}
	keys := make(map[string]string, len(b.pubkeys))
	for fp, pub := range b.pubkeys {
		keys[fp] = EncodePub(pub)
	}
	return Snapshot{Servers: out, PubKeys: keys}
}

// Load replaces the book's contents with a previously-Saved snapshot.
// Signatures are NOT re-verified on load: the snapshot is assumed to
// have come from this process's own Save, a trusted local file.
func (b *AddressBook) Load(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]map[string]AddressRecord, len(snap.Servers))
	b.pubkeys = make(map[string]*dsa.PublicKey, len(snap.PubKeys))
	b.mostRecent = ""
	for fp, encoded := range snap.PubKeys {
		if pub, err := DecodePub(encoded); err == nil {
			b.pubkeys[fp] = pub
		}
	}
	var bestFP string
	var bestTS int64 = -1
	for fp, list := range snap.Servers {
		set := make(map[string]AddressRecord, len(list))
		for _, rec := range list {
			set[rec.key()] = rec
			if rec.Timestamp > bestTS {
				bestTS = rec.Timestamp
				bestFP = fp
			}
		}
		b.records[fp] = set
	}
	b.mostRecent = bestFP
}

// PeerEntry is one reachable neighbor a client can ask for a better
// server address when its own address book is exhausted, mirroring
// ClientList in the ported system.
type PeerEntry struct {
	Address string
	Port    int
}

// PeerList is the set of peers a client can fall back to for address
// recovery once its own AddressBook is exhausted.
type PeerList struct {
	mu    sync.RWMutex
	peers map[PeerEntry]struct{}
}

// NewPeerList returns an empty PeerList.
func NewPeerList() *PeerList {
	return &PeerList{peers: make(map[PeerEntry]struct{})}
}

// Add registers a peer; it is a no-op if already present.
func (l *PeerList) Add(address string, port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[PeerEntry{address, port}] = struct{}{}
}

// Remove drops a peer.
func (l *PeerList) Remove(address string, port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, PeerEntry{address, port})
}

// Snapshot returns the current peer set as a slice.
func (l *PeerList) Snapshot() []PeerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PeerEntry, 0, len(l.peers))
	for p := range l.peers {
		out = append(out, p)
	}
	return out
}
