package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestHashToken(t *testing.T) {
	// SHA256 of the empty string.
	const emptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	if got := HashToken(""); got != emptyHash {
		t.Errorf("HashToken(\"\") = %v, want %v", got, emptyHash)
	}

	if len(HashToken("some-token")) != 64 {
		t.Errorf("HashToken() should return 64 hex chars")
	}

	// Surrounding whitespace must not change the cache key.
	if HashToken("  tok  ") != HashToken("tok") {
		t.Error("HashToken should trim whitespace")
	}
}

func TestHashToken_Deterministic(t *testing.T) {
	if HashToken("portal-jwt") != HashToken("portal-jwt") {
		t.Error("HashToken is not deterministic")
	}
	if HashToken("token1") == HashToken("token2") {
		t.Error("different tokens produced the same hash")
	}
}

func writeKeyFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoadKeyset_RawSecret(t *testing.T) {
	path := writeKeyFile(t, "secret", []byte("hmac-secret-bytes\n"))

	ks, err := LoadKeyset(path)
	if err != nil {
		t.Fatalf("LoadKeyset failed: %v", err)
	}

	key, ok := ks.Lookup("")
	if !ok {
		t.Fatal("expected a default key")
	}
	if key.Alg != "HS256" {
		t.Errorf("expected HS256, got %s", key.Alg)
	}
	if string(key.Secret) != "hmac-secret-bytes" {
		t.Errorf("expected trimmed secret, got %q", key.Secret)
	}
}

func TestLoadKeyset_JSON(t *testing.T) {
	secretA := base64.StdEncoding.EncodeToString([]byte("secret-a"))
	secretB := base64.StdEncoding.EncodeToString([]byte("secret-b"))
	content := fmt.Sprintf(`{"keys":[
		{"kid":"2024-a","alg":"HS256","secret":"%s"},
		{"kid":"2024-b","alg":"HS256","secret":"%s"}
	]}`, secretA, secretB)
	path := writeKeyFile(t, "keyset.json", []byte(content))

	ks, err := LoadKeyset(path)
	if err != nil {
		t.Fatalf("LoadKeyset failed: %v", err)
	}

	keyB, ok := ks.Lookup("2024-b")
	if !ok {
		t.Fatal("expected key 2024-b")
	}
	if string(keyB.Secret) != "secret-b" {
		t.Errorf("wrong secret for 2024-b: %q", keyB.Secret)
	}

	// The first entry doubles as the default for kid-less tokens.
	def, ok := ks.Lookup("")
	if !ok || string(def.Secret) != "secret-a" {
		t.Errorf("expected first key as default, got %q ok=%v", def.Secret, ok)
	}

	if _, ok := ks.Lookup("2025-x"); ok {
		t.Error("expected miss for unknown kid")
	}
}

func TestLoadKeyset_PEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	path := writeKeyFile(t, "key.pem", pemBytes)

	ks, err := LoadKeyset(path)
	if err != nil {
		t.Fatalf("LoadKeyset failed: %v", err)
	}

	key, ok := ks.Lookup("")
	if !ok {
		t.Fatal("expected a default key")
	}
	if key.Alg != "RS256" || key.Public == nil {
		t.Errorf("expected RS256 public key, got alg=%s public=%v", key.Alg, key.Public)
	}
}

func TestLoadKeyset_UnsupportedAlg(t *testing.T) {
	path := writeKeyFile(t, "keyset.json", []byte(`{"keys":[{"kid":"k","alg":"ES512"}]}`))
	if _, err := LoadKeyset(path); err == nil {
		t.Fatal("expected error for unsupported alg")
	}
}

func TestLoadKeyset_EmptyKeyset(t *testing.T) {
	path := writeKeyFile(t, "keyset.json", []byte(`{"keys":[]}`))
	if _, err := LoadKeyset(path); err == nil {
		t.Fatal("expected error for empty keyset")
	}
}

func TestLoadKeyset_MissingFile(t *testing.T) {
	if _, err := LoadKeyset("/does/not/exist"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
