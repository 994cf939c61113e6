package otp

import (
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPaymentIDFormat(t *testing.T) {
	id := NewPaymentID()
	require.Regexp(t, regexp.MustCompile(`^PAY_\d+_[0-9a-f]{10}$`), id)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		next := NewPaymentID()
		_, dup := seen[next]
		require.False(t, dup, "duplicate payment id %s", next)
		seen[next] = struct{}{}
	}
}

func TestNewCodeRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 100000)
		require.LessOrEqual(t, n, 999999)
	}
}

func TestCommitDeterministic(t *testing.T) {
	require.Equal(t, Commit("123456"), Commit("123456"))
	require.NotEqual(t, Commit("123456"), Commit("123457"))
	require.Len(t, Commit("123456"), 64)
}

func TestVerifyCommitment(t *testing.T) {
	commitment := Commit("654321")
	require.True(t, VerifyCommitment("654321", commitment))
	require.False(t, VerifyCommitment("111111", commitment))
}

func TestDeriveKeyIsDigestBytes(t *testing.T) {
	key := DeriveKey("123456")
	require.Len(t, key, 32)
	require.Equal(t, DeriveKey("123456"), key)
}

func TestSealOpenRoundTrip(t *testing.T) {
	payload := []byte(`{"source":"payxyz","operation":{"type":"payment"}}`)

	sealed, err := Seal(payload, "123456")
	require.NoError(t, err)
	require.Equal(t, Commit("123456"), sealed.Commitment)

	opened, err := Open(sealed, "123456")
	require.NoError(t, err)
	require.Equal(t, payload, opened)
}

func TestOpenRejectsWrongCodeBeforeDecrypting(t *testing.T) {
	sealed, err := Seal([]byte("signed envelope"), "123456")
	require.NoError(t, err)

	_, err = Open(sealed, "999999")
	require.ErrorIs(t, err, ErrCodeMismatch)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sealed, err := Seal([]byte("signed envelope"), "123456")
	require.NoError(t, err)

	sealed.Ciphertext = "AAAA" + sealed.Ciphertext[4:]
	_, err = Open(sealed, "123456")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCodeMismatch)
}
