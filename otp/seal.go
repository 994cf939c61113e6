package otp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrCodeMismatch is returned when a presented code does not match the
// commitment stored alongside a sealed envelope. The cipher is never invoked
// in that case.
var ErrCodeMismatch = errors.New("otp: code does not match commitment")

// Sealed holds an encrypted, ready-to-submit transaction envelope together
// with the commitment of the code that unlocks it. Ciphertext and IV are
// base64 so the record can be persisted as-is.
type Sealed struct {
	Ciphertext string
	IV         string
	Commitment string
}

// Seal encrypts an already-signed envelope under a key derived from the
// one-time code using AES-256-GCM with a fresh 12-byte IV.
func Seal(plaintext []byte, code string) (*Sealed, error) {
	block, err := aes.NewCipher(DeriveKey(code))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Commitment: Commit(code),
	}, nil
}

// Open verifies the presented code against the stored commitment and, only
// on a match, decrypts the envelope.
func Open(s *Sealed, code string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("otp: nil sealed envelope")
	}
	if !VerifyCommitment(code, s.Commitment) {
		return nil, ErrCodeMismatch
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	block, err := aes.NewCipher(DeriveKey(code))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", gcm.NonceSize(), len(iv))
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}
