// Package identity implements the DSA key handling and address-book
// bookkeeping that back the QA broker's reconnection protocol: every
// server keeps a DSA key, signs the addresses it has hosted at, and
// clients verify those signatures against a pinned public key before
// trusting a reconnect candidate.
package identity

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// EncodePub returns the canonical base64 encoding of a DSA public key:
// base64("y,g,p,q") with the four parameters in decimal. This mirrors
// QAKey.base64_pub_encode in the system this protocol was ported
// from, byte for byte, so fingerprints and signatures computed on
// either side of the port agree.
func EncodePub(pub *dsa.PublicKey) string {
	joined := strings.Join([]string{
		pub.Y.String(),
		pub.G.String(),
		pub.P.String(),
		pub.Q.String(),
	}, ",")
	return base64.StdEncoding.EncodeToString([]byte(joined))
}

// DecodePub parses the canonical encoding produced by EncodePub.
func DecodePub(encoded string) (*dsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: decode pub: %w", err)
	}
	parts := strings.Split(string(raw), ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("identity: decode pub: want 4 fields, got %d", len(parts))
	}
	values := make([]*big.Int, 4)
	for i, p := range parts {
		n, ok := new(big.Int).SetString(p, 10)
		if !ok {
			return nil, fmt.Errorf("identity: decode pub: field %d is not a decimal integer", i)
		}
		values[i] = n
	}
	pub := &dsa.PublicKey{
		Parameters: dsa.Parameters{
			P: values[2],
			Q: values[3],
			G: values[1],
		},
		Y: values[0],
	}
	return pub, nil
}

// Fingerprint returns the SHA-256 digest of a public key's canonical
// encoding. It identifies a server identity independent of whichever
// addresses currently resolve to it.
func Fingerprint(pub *dsa.PublicKey) [32]byte {
	return sha256.Sum256([]byte(EncodePub(pub)))
}

// FingerprintHex is Fingerprint rendered for logs and file keys.
func FingerprintHex(pub *dsa.PublicKey) string {
	fp := Fingerprint(pub)
	return fmt.Sprintf("%x", fp)
}

// signedAddressDigest hashes the fields an address_request/response
// exchange signs over: "ip,port,timestamp". Both SignAddress and
// VerifyAddress must hash identically or every signature will be
// rejected as forged.
func signedAddressDigest(ip string, port int, timestamp int64) [32]byte {
	joined := ip + "," + strconv.Itoa(port) + "," + strconv.FormatInt(timestamp, 10)
	return sha256.Sum256([]byte(joined))
}

// SignAddress signs (ip, port, timestamp) with priv, producing the
// signature carried in a server_address or sident_response frame.
func SignAddress(priv *dsa.PrivateKey, ip string, port int, timestamp int64) (r, s *big.Int, err error) {
	digest := signedAddressDigest(ip, port, timestamp)
	return dsa.Sign(rand.Reader, priv, digest[:])
}

// VerifyAddress reports whether (r, s) is a valid signature over
// (ip, port, timestamp) under pub.
func VerifyAddress(pub *dsa.PublicKey, ip string, port int, timestamp int64, r, s *big.Int) bool {
	digest := signedAddressDigest(ip, port, timestamp)
	return dsa.Verify(pub, digest[:], r, s)
}

// Signature is the (r, s) pair in the wire-friendly form carried by
// wire.Body ("signature": [r, s] as base64 strings).
type Signature struct {
	R *big.Int
	S *big.Int
}

// EncodeSignature renders a Signature as the two base64 strings the
// wire protocol expects.
func EncodeSignature(r, s *big.Int) []string {
	return []string{
		base64.StdEncoding.EncodeToString(r.Bytes()),
		base64.StdEncoding.EncodeToString(s.Bytes()),
	}
}

// DecodeSignature parses the two base64 strings back into (r, s).
func DecodeSignature(parts []string) (r, s *big.Int, err error) {
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("identity: signature needs 2 parts, got %d", len(parts))
	}
	rBytes, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode signature r: %w", err)
	}
	sBytes, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode signature s: %w", err)
	}
	return new(big.Int).SetBytes(rBytes), new(big.Int).SetBytes(sBytes), nil
}
