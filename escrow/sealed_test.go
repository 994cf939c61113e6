package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supipay/ledger"
	"supipay/otp"
)

func TestInitiateSealedSpendsNothing(t *testing.T) {
	f := newFixture(t)
	start := time.Unix(1_700_000_000, 0).UTC()
	f.orch.SetNowFunc(func() time.Time { return start })

	res, err := f.orch.InitiateSealed(context.Background(), f.senderKey, f.request("12.5"))
	require.NoError(t, err)
	require.Regexp(t, paymentIDPattern, res.PaymentID)
	require.Regexp(t, `^[1-9]\d{5}$`, res.Code)
	require.Equal(t, start.Add(48*time.Hour), res.ExpiresAt)

	// Nothing reached the network beyond the sequence lookup.
	require.Empty(t, f.node.submitted)
	require.Empty(t, f.node.sent)
	require.Zero(t, f.node.sims)

	record, err := f.store.GetSealed(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, SealedPending, record.Status)
	require.Equal(t, otp.Commit(res.Code), record.Commitment)
	require.NotEmpty(t, record.Ciphertext)
	require.NotEmpty(t, record.IV)
}

func TestReleaseSealedSubmitsEnvelopeAsIs(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.InitiateSealed(context.Background(), f.senderKey, f.request("12.5"))
	require.NoError(t, err)

	receipt, err := f.orch.ReleaseSealed(context.Background(), res.PaymentID, res.Code)
	require.NoError(t, err)
	require.Equal(t, "payhash", receipt.Hash)

	require.Len(t, f.node.submitted, 1)
	env := f.node.submitted[0]
	require.Equal(t, ledger.OpPayment, env.Operation.Type)
	require.Equal(t, f.receiver, env.Operation.Payment.Destination)
	require.Equal(t, ledger.MinFee, env.Fee)
	require.NotEmpty(t, env.Signature)
	// The deferred window was fixed at sealing time.
	require.InDelta(t, time.Now().Add(48*time.Hour).Unix(), env.Expiry, 60)

	record, err := f.store.GetSealed(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, SealedCompleted, record.Status)
}

func TestReleaseSealedWrongCode(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.InitiateSealed(context.Background(), f.senderKey, f.request("12.5"))
	require.NoError(t, err)

	wrong := "123456"
	if wrong == res.Code {
		wrong = "654321"
	}
	_, err = f.orch.ReleaseSealed(context.Background(), res.PaymentID, wrong)
	require.ErrorIs(t, err, otp.ErrCodeMismatch)
	require.Equal(t, KindValidation, KindOf(err))
	require.Empty(t, f.node.submitted)

	record, err := f.store.GetSealed(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, SealedPending, record.Status)
}

func TestReleaseSealedExpiredEvenWithRightCode(t *testing.T) {
	f := newFixture(t)
	start := time.Unix(1_700_000_000, 0).UTC()
	f.orch.SetNowFunc(func() time.Time { return start })

	res, err := f.orch.InitiateSealed(context.Background(), f.senderKey, f.request("12.5"))
	require.NoError(t, err)

	f.orch.SetNowFunc(func() time.Time { return start.Add(48*time.Hour + time.Second) })

	_, err = f.orch.ReleaseSealed(context.Background(), res.PaymentID, res.Code)
	require.ErrorIs(t, err, ErrSealedExpired)
	require.Empty(t, f.node.submitted)

	record, err := f.store.GetSealed(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, SealedExpired, record.Status)

	// Expired records stay refused on retry.
	_, err = f.orch.ReleaseSealed(context.Background(), res.PaymentID, res.Code)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestReleaseSealedUnknownPaymentID(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ReleaseSealed(context.Background(), "PAY_1_9999999999", "123456")
	require.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestSealedValidityWindowConfigurable(t *testing.T) {
	f := newFixture(t)
	start := time.Unix(1_700_000_000, 0).UTC()
	f.orch.SetNowFunc(func() time.Time { return start })
	f.orch.SetValidity(2 * time.Hour)

	res, err := f.orch.InitiateSealed(context.Background(), f.senderKey, f.request("1"))
	require.NoError(t, err)
	require.Equal(t, start.Add(2*time.Hour), res.ExpiresAt)
}
