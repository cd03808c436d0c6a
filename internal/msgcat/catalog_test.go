package msgcat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/park285/chess-escrow/internal/escrow"
)

func TestCatalog_CoversEveryErrorCode(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, e := range escrow.AllErrors {
		if _, err := c.Render("errors."+string(e.Code), map[string]any{"Max": 1}); err != nil {
			t.Fatalf("missing message for %s: %v", e.Code, err)
		}
	}
	if got := c.Error(escrow.ErrRoomIDTooLong.Code); !strings.Contains(got, "32") {
		t.Fatalf("limit not rendered: %q", got)
	}
	if got := c.Error(""); got != "internal error" {
		t.Fatalf("internal fallback: %q", got)
	}
	if got := c.Error("SomethingNew"); got != "SomethingNew" {
		t.Fatalf("unknown code fallback: %q", got)
	}
}

func TestCatalog_RoomIDMessageMatchesCheck(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := escrow.Addresses(" padded "); err != nil {
		t.Fatalf("padded room id should be accepted: %v", err)
	}
	if _, _, err := escrow.Addresses("   "); !errors.Is(err, escrow.ErrInvalidRoomID) {
		t.Fatalf("blank room id: %v", err)
	}
	if got := c.Error(escrow.ErrInvalidRoomID.Code); strings.Contains(got, "whitespace") {
		t.Fatalf("message promises a check that is not made: %q", got)
	}
}

func TestCatalog_Overrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  GameNotFound: \"no such room\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Error(escrow.ErrGameNotFound.Code); got != "no such room" {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("errors:\n  GameNotFound: \"dup\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestRender_MissingKey(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("errors.RoomIdTooLong", map[string]any{}); err == nil {
		t.Fatalf("missing template data should fail")
	}
	if _, err := c.Render("nope", nil); err == nil {
		t.Fatalf("unknown key should fail")
	}
}

func TestFlattenStrings_RejectsNonString(t *testing.T) {
	if _, err := parseYAMLToFlat([]byte("a:\n  b: 3\n")); err == nil {
		t.Fatalf("numeric leaf should be rejected")
	}
}
