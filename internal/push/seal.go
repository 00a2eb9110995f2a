package push

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealPayload encrypts content under a key derived from the subscription's
// stored secret, for followers that request sealed frames instead of
// plaintext ones. Output is base64(nonce || ciphertext).
func SealPayload(sharedSecret, content string) (string, error) {
	key := sha256.Sum256([]byte(sharedSecret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(content), nil)

	combined := make([]byte, 0, len(nonce)+len(sealed))
	combined = append(combined, nonce...)
	combined = append(combined, sealed...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// OpenPayload reverses SealPayload. Followers normally decrypt client-side;
// this is used by tests and local tooling.
func OpenPayload(sharedSecret, payload string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	if len(combined) < chacha20poly1305.NonceSize {
		return "", fmt.Errorf("payload shorter than nonce")
	}

	key := sha256.Sum256([]byte(sharedSecret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}

	nonce, sealed := combined[:chacha20poly1305.NonceSize], combined[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening payload: %w", err)
	}
	return string(plain), nil
}
