package wire

import "time"

// Frame type tags (spec.md §6).
const (
	TypeLogon          = "logon"
	TypePubMsg         = "pubmsg"
	TypeScreenshot     = "screenshot"
	TypeRoom           = "room"
	TypeEntrance       = "entrance"
	TypeExit           = "exit"
	TypeQuit           = "quit"
	TypeSidentVerify   = "sident_verify"
	TypeSidentResponse = "sident_response"
	TypeAddressRequest = "address_request"
	TypeServerAddress  = "server_address"
)

// Body is one frame's JSON payload. A map keeps the codec agnostic of
// frame semantics (mirrors the dict-based messages of the system this
// protocol was ported from); typed constructors and accessors below
// give callers a safe, idiomatic view over it.
type Body map[string]any

// Type returns the frame's discriminant, or "" if absent/not a string.
func (b Body) Type() string {
	s, _ := b["type"].(string)
	return s
}

// GetString returns b[key] as a string.
func (b Body) GetString(key string) (string, bool) {
	s, ok := b[key].(string)
	return s, ok
}

// GetInt64 returns b[key] coerced from a JSON number.
func (b Body) GetInt64(key string) (int64, bool) {
	switch v := b[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetMap returns b[key] as a nested Body (JSON object).
func (b Body) GetMap(key string) (Body, bool) {
	switch v := b[key].(type) {
	case Body:
		return v, true
	case map[string]any:
		return Body(v), true
	default:
		return nil, false
	}
}

// GetBool returns b[key] as a bool.
func (b Body) GetBool(key string) (bool, bool) {
	v, ok := b[key].(bool)
	return v, ok
}

// WithTimestamp stamps the frame with the current time if it does not
// already carry one (broker routing policy step 1, spec.md §4.4).
func (b Body) WithTimestamp(now time.Time) Body {
	if _, ok := b["timestamp"]; !ok {
		b["timestamp"] = now.Unix()
	}
	return b
}

// --- typed constructors ---

// NewLogon builds a logon frame per spec.md §6's required fields.
func NewLogon(username, privilegeType string) Body {
	return Body{
		"type": TypeLogon,
		"user": Body{
			"username":   username,
			"privileges": Body{"type": privilegeType},
		},
		"server": Body{
			"protocol": "QAServ1.0",
			"client":   "QA_QT1.0",
		},
	}
}

// NewPubMsg builds a client-originated pubmsg frame.
func NewPubMsg(msg string) Body {
	return Body{"type": TypePubMsg, "msg": msg}
}

// NewScreenshot builds a client-originated screenshot frame; data is
// the already base64-encoded payload.
func NewScreenshot(base64Data string) Body {
	return Body{"type": TypeScreenshot, "screenshot": base64Data}
}

// NewRoom builds a server-originated room snapshot frame.
func NewRoom(users []string, topic string) Body {
	return Body{"type": TypeRoom, "users": users, "topic": topic}
}

// NewEntrance builds a server-originated join notice.
func NewEntrance(username string, timestamp int64) Body {
	return Body{"type": TypeEntrance, "username": username, "timestamp": timestamp}
}

// NewExit builds a server-originated leave notice.
func NewExit(username string, timestamp int64) Body {
	return Body{"type": TypeExit, "username": username, "timestamp": timestamp}
}

// NewQuit builds the client's disconnect announcement.
func NewQuit() Body {
	return Body{"type": TypeQuit}
}

// NewSidentVerify asks the server to sign its current address.
func NewSidentVerify(timestamp int64) Body {
	return Body{"type": TypeSidentVerify, "timestamp": timestamp}
}

// NewSidentResponse is the server's signed reply to a sident_verify.
// signature is the two base64 (r, s) strings from
// identity.EncodeSignature.
func NewSidentResponse(ip string, port int, timestamp int64, signature []string) Body {
	return Body{
		"type":      TypeSidentResponse,
		"ip_addr":   ip,
		"port":      port,
		"timestamp": timestamp,
		"signature": signature,
	}
}

// NewAddressRequest asks a peer for its best-known server address.
func NewAddressRequest(timestamp int64) Body {
	return Body{"type": TypeAddressRequest, "timestamp": timestamp}
}

// NewServerAddress is a peer's signed vouch for a server address.
// signature is the two base64 (r, s) strings from
// identity.EncodeSignature.
func NewServerAddress(key, address string, port int, addressTimestamp int64, signature []string, timestamp int64) Body {
	return Body{
		"type":              TypeServerAddress,
		"key":               key,
		"address":           address,
		"port":              port,
		"address_timestamp": addressTimestamp,
		"signature":         signature,
		"timestamp":         timestamp,
	}
}
