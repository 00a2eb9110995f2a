package publisher

import (
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Keys is the platform secp256k1 keypair used to decrypt inbound signal
// payloads and encrypt outbound fanout copies.
type Keys struct {
	secretKey string
	publicKey string
}

// ParseKeys derives the keypair from a hex-encoded secret key.
func ParseKeys(secretKey string) (*Keys, error) {
	if _, err := hex.DecodeString(secretKey); err != nil || len(secretKey) != 64 {
		return nil, fmt.Errorf("secret key must be 32 bytes of hex")
	}
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	return &Keys{secretKey: secretKey, publicKey: pub}, nil
}

// GenerateKeys returns a fresh random keypair.
func GenerateKeys() (*Keys, error) {
	return ParseKeys(nostr.GeneratePrivateKey())
}

// PublicKey returns the public key in hex.
func (k *Keys) PublicKey() string {
	return k.publicKey
}

// Decrypt opens a NIP-04 payload sent to the platform by senderPub.
func (k *Keys) Decrypt(senderPub, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPub, k.secretKey)
	if err != nil {
		return "", fmt.Errorf("computing shared secret: %w", err)
	}
	return nip04.Decrypt(ciphertext, shared)
}

// Encrypt seals a NIP-04 payload from the platform to recipientPub.
func (k *Keys) Encrypt(recipientPub, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPub, k.secretKey)
	if err != nil {
		return "", fmt.Errorf("computing shared secret: %w", err)
	}
	return nip04.Encrypt(plaintext, shared)
}
