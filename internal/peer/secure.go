package peer

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var errDecrypt = errors.New("message authentication failed")

// secureSession holds the per-direction AEAD state derived from the
// X25519 shared secret. Nonces are implicit counters: the transport is
// strictly ordered, so both sides count in lockstep.
type secureSession struct {
	send     cipher.AEAD
	recv     cipher.AEAD
	sendSeq  uint64
	recvSeq  uint64
	keyID    string
	peerPub  []byte
	peerHash []byte
}

// Directional key-derivation labels. "rs" is router-to-peer send,
// "pr" is peer-to-router send.
const (
	labelRouterSend = "aspia-rs"
	labelPeerSend   = "aspia-pr"
)

func newSecureSession(privateKey, peerPublic []byte, router bool) (*secureSession, error) {
	shared, err := curve25519.X25519(privateKey, peerPublic)
	if err != nil {
		return nil, err
	}

	routerKey := deriveKey(shared, labelRouterSend)
	peerKey := deriveKey(shared, labelPeerSend)

	var sendKey, recvKey []byte
	if router {
		sendKey, recvKey = routerKey, peerKey
	} else {
		sendKey, recvKey = peerKey, routerKey
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	keyID := sha256.Sum256(append([]byte("aspia-kid"), shared...))
	peerDigest := sha256.Sum256(peerPublic)

	return &secureSession{
		send:     sendAEAD,
		recv:     recvAEAD,
		keyID:    hex.EncodeToString(keyID[:8]),
		peerPub:  append([]byte(nil), peerPublic...),
		peerHash: peerDigest[:],
	}, nil
}

func deriveKey(shared []byte, label string) []byte {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(shared)
	return h.Sum(nil)
}

func (s *secureSession) seal(plaintext []byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, s.sendSeq)
	s.sendSeq++
	return s.send.Seal(nil, nonce, plaintext, nil)
}

func (s *secureSession) open(ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, s.recvSeq)
	plaintext, err := s.recv.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errDecrypt
	}
	s.recvSeq++
	return plaintext, nil
}
