package cryptoservice

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

func randomSharedKey(t *testing.T) SharedKey {
	t.Helper()
	var k SharedKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		t.Fatalf("generate shared key: %v", err)
	}
	return k
}

func TestEncryptDecryptContactInfoRoundTrip(t *testing.T) {
	key := randomSharedKey(t)
	info := ContactInfo{IP: "203.0.113.5", Port: 4000, PublicKey: "abc123", LastSeen: 1700000000000}

	sealed, err := EncryptContactInfo(info, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptContactInfo(sealed, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != info {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, info)
	}
}

func TestDecryptContactInfoWrongKeyFails(t *testing.T) {
	key := randomSharedKey(t)
	wrongKey := randomSharedKey(t)
	info := ContactInfo{IP: "203.0.113.5", Port: 4000, PublicKey: "abc123", LastSeen: 1}

	sealed, err := EncryptContactInfo(info, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptContactInfo(sealed, wrongKey); err != DecryptError {
		t.Fatalf("expected DecryptError, got %v", err)
	}
}

func TestDecryptContactInfoForgedPayloadFails(t *testing.T) {
	key := randomSharedKey(t)
	if _, err := DecryptContactInfo("not-valid-base64!!", key); !errors.Is(err, DecryptError) {
		t.Fatalf("expected DecryptError for invalid base64, got %v", err)
	}
}

func TestEncryptDecryptMessageRoundTrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	plaintext := []byte("relay this across the mesh")
	ciphertext, err := EncryptMessage(plaintext, PublicKey(*pub))
	if err != nil {
		t.Fatalf("encrypt message: %v", err)
	}

	got, err := DecryptMessage(ciphertext, PrivateKey(*priv))
	if err != nil {
		t.Fatalf("decrypt message: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptMessageWrongKeyFails(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_, wrongPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate wrong keypair: %v", err)
	}

	ciphertext, err := EncryptMessage([]byte("secret"), PublicKey(*pub))
	if err != nil {
		t.Fatalf("encrypt message: %v", err)
	}

	if _, err := DecryptMessage(ciphertext, PrivateKey(*wrongPriv)); err != DecryptError {
		t.Fatalf("expected DecryptError, got %v", err)
	}
}

func TestDecryptMessageTooShortFails(t *testing.T) {
	_, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := DecryptMessage([]byte("short"), PrivateKey(*priv)); !errors.Is(err, DecryptError) {
		t.Fatalf("expected DecryptError for short payload, got %v", err)
	}
}
