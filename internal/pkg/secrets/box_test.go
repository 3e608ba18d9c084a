package secrets

import (
	"strings"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	box, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func TestBox_SealOpen(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("ghs_installation_token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "ghs_installation_token") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}

	got, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "ghs_installation_token" {
		t.Errorf("Open() = %q, want %q", got, "ghs_installation_token")
	}
}

func TestBox_EmptyPassthrough(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("Seal(\"\") = %q, %v", sealed, err)
	}
	opened, err := box.Open("")
	if err != nil || opened != "" {
		t.Fatalf("Open(\"\") = %q, %v", opened, err)
	}
}

func TestBox_WrongKey(t *testing.T) {
	a := newTestBox(t)
	b := newTestBox(t)

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); err != ErrDecrypt {
		t.Errorf("Open() with foreign key error = %v, want ErrDecrypt", err)
	}
	if _, err := a.Open("plain-text"); err != ErrDecrypt {
		t.Errorf("Open() of unsealed value error = %v, want ErrDecrypt", err)
	}
}

func TestNewBox_InvalidKey(t *testing.T) {
	if _, err := NewBox("zz"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := NewBox("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}
