// Package cryptoservice implements the Crypto Service (§4.H): AEAD
// encryption of discovery contact info with a pre-shared secret, and
// hybrid per-message encryption keyed to a recipient's public key. It is
// new code — the teacher has no crypto layer of its own — built on
// golang.org/x/crypto's NaCl primitives, the same library family the
// wider example pack (petervdpas-goop2) pulls in for its P2P stack.
package cryptoservice

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// DecryptError is returned when a ciphertext fails authentication —
// either it was forged, or it was encrypted under a different key
// (§4.H: "MUST be authenticated (AEAD) so forged payloads cause
// DecryptError").
var DecryptError = errors.New("cryptoservice: decryption failed")

const (
	nonceSize = 24 // both secretbox and box use 24-byte nonces
	keySize   = 32
)

// SharedKey is the pre-shared discovery secret used to protect
// ContactInfo blobs.
type SharedKey [keySize]byte

// PublicKey and PrivateKey are raw Curve25519 keys (see internal/config
// for their PEM encoding at rest).
type PublicKey [keySize]byte
type PrivateKey [keySize]byte

// ContactInfo is the payload registered with the rendezvous service
// (§4.G step 1).
type ContactInfo struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey string `json:"publicKey"` // base64 raw Curve25519 public key
	LastSeen  int64  `json:"lastSeen"`  // ms epoch
}

// EncryptContactInfo seals a ContactInfo under the shared discovery
// secret using XSalsa20-Poly1305 (nacl/secretbox), returning a
// base64-encoded nonce||ciphertext blob.
func EncryptContactInfo(info ContactInfo, sharedKey SharedKey) (string, error) {
	plaintext, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal contact info: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, (*[keySize]byte)(&sharedKey))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptContactInfo opens a blob produced by EncryptContactInfo.
func DecryptContactInfo(encoded string, sharedKey SharedKey) (ContactInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ContactInfo{}, fmt.Errorf("%w: invalid base64", DecryptError)
	}
	if len(raw) < nonceSize {
		return ContactInfo{}, fmt.Errorf("%w: payload too short", DecryptError)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, (*[keySize]byte)(&sharedKey))
	if !ok {
		return ContactInfo{}, DecryptError
	}

	var info ContactInfo
	if err := json.Unmarshal(plaintext, &info); err != nil {
		return ContactInfo{}, fmt.Errorf("%w: malformed plaintext", DecryptError)
	}
	return info, nil
}

// EncryptMessage hybrid-encrypts plaintext for recipientPublicKey: a
// fresh ephemeral keypair is generated per message and used with
// nacl/box (Curve25519 + XSalsa20-Poly1305), so the sender never needs
// the recipient's private key and a compromised message key never
// exposes others (§4.H).
func EncryptMessage(plaintext []byte, recipientPublicKey PublicKey) ([]byte, error) {
	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	recipientKey := [keySize]byte(recipientPublicKey)
	sealed := box.Seal(nil, plaintext, &nonce, &recipientKey, ephemeralPriv)

	// Wire format: ephemeralPublicKey(32) || nonce(24) || ciphertext.
	out := make([]byte, 0, keySize+nonceSize+len(sealed))
	out = append(out, ephemeralPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptMessage reverses EncryptMessage using the recipient's own
// private key.
func DecryptMessage(data []byte, ownPrivateKey PrivateKey) ([]byte, error) {
	if len(data) < keySize+nonceSize {
		return nil, fmt.Errorf("%w: payload too short", DecryptError)
	}

	var ephemeralPub [keySize]byte
	copy(ephemeralPub[:], data[:keySize])

	var nonce [nonceSize]byte
	copy(nonce[:], data[keySize:keySize+nonceSize])

	ciphertext := data[keySize+nonceSize:]
	priv := [keySize]byte(ownPrivateKey)

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &ephemeralPub, &priv)
	if !ok {
		return nil, DecryptError
	}
	return plaintext, nil
}
