package recovery

import "errors"

// ErrExhausted is returned when neither the address book nor the peer
// list yields a verifiable server address — the ConfigurationError of
// the ported system: the operator must intervene manually.
var ErrExhausted = errors.New("recovery: address book and peer list exhausted")
