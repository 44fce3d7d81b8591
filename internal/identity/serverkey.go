package identity

import (
	"crypto/dsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

// storedPrivateKey is the on-disk JSON shape for a persisted DSA
// identity key: decimal-string big.Int fields, mirroring EncodePub's
// "decimal, comma-joined" convention but kept as separate fields since
// a local key file has no wire-format reason to be base64-packed.
type storedPrivateKey struct {
	P string `json:"p"`
	Q string `json:"q"`
	G string `json:"g"`
	Y string `json:"y"`
	X string `json:"x"`
}

// LoadOrGenerateKey reads a DSA private key from path, generating and
// persisting a fresh L1024N160 key the first time path doesn't exist.
// The broker needs this key to survive restarts: a client's pinned
// address book only keeps verifying sident_response/server_address
// frames signed under the same key it was built against.
func LoadOrGenerateKey(path string) (*dsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		priv, genErr := generateServerKey()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := saveServerKey(path, priv); saveErr != nil {
			return nil, saveErr
		}
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	var stored storedPrivateKey
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", path, err)
	}
	return stored.decode()
}

func generateServerKey() (*dsa.PrivateKey, error) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		return nil, fmt.Errorf("identity: generate parameters: %w", err)
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return priv, nil
}

func saveServerKey(path string, priv *dsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: create key dir: %w", err)
	}
	stored := storedPrivateKey{
		P: priv.P.String(),
		Q: priv.Q.String(),
		G: priv.G.String(),
		Y: priv.Y.String(),
		X: priv.X.String(),
	}
	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

func (s storedPrivateKey) decode() (*dsa.PrivateKey, error) {
	fields := make(map[string]*big.Int, 5)
	for _, f := range []struct {
		name  string
		value string
	}{{"p", s.P}, {"q", s.Q}, {"g", s.G}, {"y", s.Y}, {"x", s.X}} {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok {
			return nil, fmt.Errorf("identity: key field %q is not a decimal integer", f.name)
		}
		fields[f.name] = n
	}
	return &dsa.PrivateKey{
		PublicKey: dsa.PublicKey{
			Parameters: dsa.Parameters{P: fields["p"], Q: fields["q"], G: fields["g"]},
			Y:          fields["y"],
		},
		X: fields["x"],
	}, nil
}
