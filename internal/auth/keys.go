// Package auth verifies portal-issued JWTs against a configured keyset.
package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// Key is a single verifying key. Exactly one of Secret or Public is set.
type Key struct {
	ID     string
	Alg    string
	Secret []byte
	Public *rsa.PublicKey
}

// Keyset maps key IDs to verifying keys. Tokens without a kid header are
// checked against the default (first loaded) key.
type Keyset struct {
	keys       map[string]Key
	defaultKey Key
}

// keysetFile is the JSON format for multi-key configurations.
type keysetFile struct {
	Keys []struct {
		KID    string `json:"kid"`
		Alg    string `json:"alg"`
		Secret string `json:"secret,omitempty"` // base64, HS256
		PEM    string `json:"pem,omitempty"`    // RS256 public key
	} `json:"keys"`
}

// LoadKeyset reads a keyset from path. Three formats are recognized:
// a JSON keyset, a PEM public key (RS256), or raw bytes (HS256 secret).
func LoadKeyset(path string) (*Keyset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyset %s: %w", path, err)
	}

	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		return parseJSONKeyset(data)
	case strings.HasPrefix(trimmed, "-----BEGIN"):
		pub, err := parseRSAPublicKey(data)
		if err != nil {
			return nil, err
		}
		k := Key{Alg: "RS256", Public: pub}
		return &Keyset{keys: map[string]Key{}, defaultKey: k}, nil
	default:
		k := Key{Alg: "HS256", Secret: []byte(trimmed)}
		return &Keyset{keys: map[string]Key{}, defaultKey: k}, nil
	}
}

func parseJSONKeyset(data []byte) (*Keyset, error) {
	var kf keysetFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keyset: %w", err)
	}
	if len(kf.Keys) == 0 {
		return nil, fmt.Errorf("keyset contains no keys")
	}

	ks := &Keyset{keys: make(map[string]Key, len(kf.Keys))}
	for i, entry := range kf.Keys {
		k := Key{ID: entry.KID, Alg: entry.Alg}
		switch entry.Alg {
		case "HS256":
			secret, err := base64.StdEncoding.DecodeString(entry.Secret)
			if err != nil {
				return nil, fmt.Errorf("key %q: decode secret: %w", entry.KID, err)
			}
			k.Secret = secret
		case "RS256":
			pub, err := parseRSAPublicKey([]byte(entry.PEM))
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", entry.KID, err)
			}
			k.Public = pub
		default:
			return nil, fmt.Errorf("key %q: unsupported alg %q", entry.KID, entry.Alg)
		}
		if entry.KID != "" {
			ks.keys[entry.KID] = k
		}
		if i == 0 {
			ks.defaultKey = k
		}
	}
	return ks, nil
}

func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// Lookup returns the key for kid, or the default key when kid is empty.
func (ks *Keyset) Lookup(kid string) (Key, bool) {
	if kid == "" {
		return ks.defaultKey, ks.defaultKey.Alg != ""
	}
	k, ok := ks.keys[kid]
	return k, ok
}

// NewHMACKeyset builds a single-secret keyset, mainly for tests.
func NewHMACKeyset(secret []byte) *Keyset {
	return &Keyset{keys: map[string]Key{}, defaultKey: Key{Alg: "HS256", Secret: secret}}
}

// HashToken returns a SHA-256 hash of the token, used as the session cache
// key so raw tokens are never stored.
func HashToken(token string) string {
	token = strings.TrimSpace(token)

	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
