package auth

import (
	"crypto/rand"
	"fmt"
)

// OneTimePasswordLength is the length of generated host passwords.
const OneTimePasswordLength = 8

// Alphabet excludes visually ambiguous characters; the password is
// read by a person off the helper window.
const passwordAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateOneTimePassword returns a random password from the unambiguous
// alphabet, without modulo bias.
func GenerateOneTimePassword(length int) (string, error) {
	if length <= 0 {
		length = OneTimePasswordLength
	}
	const n = byte(len(passwordAlphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))
	out := make([]byte, length)
	buf := make([]byte, length+16) // over-read to reduce rand calls
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			out[filled] = passwordAlphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(out), nil
}
