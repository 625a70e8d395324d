// Package peer implements the authenticated, encrypted message channel
// between the router and its remote peers (hosts and clients). The
// transport is a websocket connection; the handshake is an X25519 key
// agreement and every subsequent message is sealed with
// ChaCha20-Poly1305.
package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds an X25519 key pair identifying a peer.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("crypto/rand: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// Valid reports whether both halves are present and well-sized.
func (k KeyPair) Valid() bool {
	return len(k.Private) == curve25519.ScalarSize && len(k.Public) == curve25519.PointSize
}

// Digest returns the SHA-256 digest of the public key. This digest is
// the host's identity in the router directory.
func (k KeyPair) Digest() []byte {
	sum := sha256.Sum256(k.Public)
	return sum[:]
}

// Encode serializes the key pair to hex strings.
func (k KeyPair) Encode() (privateHex, publicHex string) {
	return hex.EncodeToString(k.Private), hex.EncodeToString(k.Public)
}

// DecodeKeyPair parses hex-encoded key material. The public half is
// recomputed from the private key when absent.
func DecodeKeyPair(privateHex, publicHex string) (KeyPair, error) {
	priv, err := hex.DecodeString(privateHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("private key: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return KeyPair{}, errors.New("private key must be 32 bytes")
	}
	var pub []byte
	if publicHex != "" {
		pub, err = hex.DecodeString(publicHex)
		if err != nil {
			return KeyPair{}, fmt.Errorf("public key: %w", err)
		}
		if len(pub) != curve25519.PointSize {
			return KeyPair{}, errors.New("public key must be 32 bytes")
		}
	} else {
		pub, err = curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return KeyPair{}, err
		}
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// PublicKeyDigest hashes an arbitrary public key the same way
// [KeyPair.Digest] does.
func PublicKeyDigest(publicKey []byte) []byte {
	sum := sha256.Sum256(publicKey)
	return sum[:]
}
