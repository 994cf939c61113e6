// Package otp mints payment identifiers and one-time release codes, and
// derives the commitments and key material gating protected payments. The
// same SHA-256 digest serves as the on-contract commitment and as the
// AES key for sealed payments, so one routine feeds both paths.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const paymentIDPrefix = "PAY"

// NewPaymentID returns a globally unique payment identifier. Uniqueness is
// advisory; the escrow contract rejects duplicates.
func NewPaymentID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s_%d_%s", paymentIDPrefix, time.Now().UnixMilli(), suffix)
}

// NewCode returns a uniformly random 6-digit one-time code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Commit returns the hex-encoded SHA-256 commitment of a one-time code.
func Commit(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}

// DeriveKey reinterprets the commitment digest as raw AES-256 key material.
func DeriveKey(code string) []byte {
	digest := sha256.Sum256([]byte(code))
	return digest[:]
}

// VerifyCommitment reports whether a presented code matches a stored
// commitment, in constant time.
func VerifyCommitment(code, commitment string) bool {
	return subtle.ConstantTimeCompare([]byte(Commit(code)), []byte(commitment)) == 1
}
