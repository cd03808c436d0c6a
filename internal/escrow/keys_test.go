package escrow

import (
	"path/filepath"
	"testing"
)

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "arbiter.key")
	if err := SaveKeyFile(path, key); err != nil {
		t.Fatalf("SaveKeyFile: %v", err)
	}
	got, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if IdentityOf(got) != IdentityOf(key) || !ValidIdentity(IdentityOf(got)) {
		t.Fatalf("identity changed across save/load")
	}
}

func TestParsePrivateKey(t *testing.T) {
	seed := "0101010101010101010101010101010101010101010101010101010101010101"
	a, err := ParsePrivateKey(seed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	b, err := ParsePrivateKey(" " + seed + "\n")
	if err != nil || IdentityOf(a) != IdentityOf(b) {
		t.Fatalf("whitespace should be ignored: %v", err)
	}
	if _, err := ParsePrivateKey("abcd"); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := ParsePrivateKey("not hex"); err == nil {
		t.Fatalf("non-hex key accepted")
	}
}
