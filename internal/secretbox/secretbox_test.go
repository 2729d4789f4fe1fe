package secretbox

import "testing"

func TestRoundTrip(t *testing.T) {
	box, err := New("a process-wide passphrase")
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := box.Encrypt("super-secret-service-key")
	if err != nil {
		t.Fatal(err)
	}
	if encrypted == "super-secret-service-key" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}
	decrypted, err := box.Decrypt(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != "super-secret-service-key" {
		t.Fatalf("got %q, want original plaintext", decrypted)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	box, err := New("passphrase")
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := box.Encrypt("value")
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(encrypted)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := box.Decrypt(string(tampered)); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestNewRejectsEmptyPassphrase(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestDifferentKeysCannotDecryptEachOther(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")
	encrypted, err := a.Encrypt("value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(encrypted); err == nil {
		t.Fatal("expected decryption under a different key to fail")
	}
}
