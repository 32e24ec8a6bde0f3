package vault

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	v, err := New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte(`{"id":"t1","payload":{"doc":"invoice.pdf"}}`)

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("invoice")) {
		t.Fatal("sealed data leaks plaintext")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestSamePassphraseAcrossInstances(t *testing.T) {
	v1, _ := New("shared")
	v2, _ := New("shared")

	sealed, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Open(sealed); err != nil {
		t.Fatalf("expected a second vault with the same passphrase to open data: %v", err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1, _ := New("correct-passphrase")
	v2, _ := New("wrong-passphrase")

	sealed, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v2.Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNonceUniqueness(t *testing.T) {
	v, _ := New("test")
	a, _ := v.Seal([]byte("same"))
	b, _ := v.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("sealing twice must produce different output")
	}
}

func TestRejectsEmptyPassphrase(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestOpenShortInput(t *testing.T) {
	v, _ := New("test")
	if _, err := v.Open([]byte{1, 2}); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
