package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supipay/assets"
	"supipay/crypto"
	"supipay/ledger"
	"supipay/otp"
	"supipay/swap"
)

const testContract = "ctrtestescrow"

type fakeNode struct {
	simErr   error
	simValue json.RawMessage

	paths    []ledger.Path
	pathsErr error

	finalStatus ledger.TxStatus

	submitted []*ledger.Envelope
	sent      []*ledger.Envelope
	sims      int
}

func (f *fakeNode) LoadAccount(ctx context.Context, address string) (*ledger.Account, error) {
	return &ledger.Account{Address: address, Sequence: 5}, nil
}

func (f *fakeNode) SubmitTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SubmitResult, error) {
	clone := *env
	f.submitted = append(f.submitted, &clone)
	return &ledger.SubmitResult{Hash: "payhash", Status: ledger.TxStatusSuccess}, nil
}

func (f *fakeNode) SimulateTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SimulationResult, error) {
	f.sims++
	if f.simErr != nil {
		return nil, f.simErr
	}
	return &ledger.SimulationResult{
		Footprint: json.RawMessage(`{"readBytes":32}`),
		Value:     f.simValue,
	}, nil
}

func (f *fakeNode) SendTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SubmitResult, error) {
	clone := *env
	f.sent = append(f.sent, &clone)
	return &ledger.SubmitResult{Hash: "escrowhash", Status: ledger.TxStatusPending}, nil
}

func (f *fakeNode) GetTransaction(ctx context.Context, hash string) (*ledger.TxRecord, error) {
	status := f.finalStatus
	if status == "" {
		status = ledger.TxStatusSuccess
	}
	return &ledger.TxRecord{Hash: hash, Status: status}, nil
}

func (f *fakeNode) StrictSendPaths(ctx context.Context, source ledger.Asset, sourceAmount string, dest ledger.Asset) ([]ledger.Path, error) {
	return f.paths, f.pathsErr
}

func (f *fakeNode) AssetsForCode(ctx context.Context, code string) ([]ledger.AssetRecord, error) {
	return nil, nil
}

type memStore struct {
	escrows map[string]*Metadata
	sealed  map[string]*SealedRecord

	putEscrowErr error
	deletes      []string
}

func newMemStore() *memStore {
	return &memStore{escrows: map[string]*Metadata{}, sealed: map[string]*SealedRecord{}}
}

func (s *memStore) PutEscrow(ctx context.Context, m *Metadata) error {
	if s.putEscrowErr != nil {
		return s.putEscrowErr
	}
	clone := *m
	s.escrows[m.PaymentID] = &clone
	return nil
}

func (s *memStore) GetEscrow(ctx context.Context, paymentID string) (*Metadata, error) {
	m, ok := s.escrows[paymentID]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *memStore) DeleteEscrow(ctx context.Context, paymentID string) error {
	s.deletes = append(s.deletes, paymentID)
	if _, ok := s.escrows[paymentID]; !ok {
		return ErrMetadataNotFound
	}
	delete(s.escrows, paymentID)
	return nil
}

func (s *memStore) ListEscrowsForReceiver(ctx context.Context, receiver string, status Status) ([]*Metadata, error) {
	var out []*Metadata
	for _, m := range s.escrows {
		if m.Receiver == receiver && m.Status == status {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memStore) PutSealed(ctx context.Context, r *SealedRecord) error {
	clone := *r
	s.sealed[r.PaymentID] = &clone
	return nil
}

func (s *memStore) GetSealed(ctx context.Context, paymentID string) (*SealedRecord, error) {
	r, ok := s.sealed[paymentID]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *memStore) SetSealedStatus(ctx context.Context, paymentID string, status SealedStatus) error {
	r, ok := s.sealed[paymentID]
	if !ok {
		return ErrMetadataNotFound
	}
	r.Status = status
	return nil
}

type memPrefs struct {
	prefs map[string][2]string
}

func (p *memPrefs) PreferredAsset(ctx context.Context, wallet string) (string, string, error) {
	if p.prefs == nil {
		return "", "", nil
	}
	pref := p.prefs[wallet]
	return pref[0], pref[1], nil
}

func (p *memPrefs) SetPreferredAsset(ctx context.Context, wallet, code, issuer string) error {
	if p.prefs == nil {
		p.prefs = map[string][2]string{}
	}
	p.prefs[wallet] = [2]string{code, issuer}
	return nil
}

type fixture struct {
	node  *fakeNode
	store *memStore
	prefs *memPrefs
	orch  *Orchestrator

	senderKey   *crypto.PrivateKey
	receiverKey *crypto.PrivateKey
	receiver    string
	issuer      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node := &fakeNode{}
	store := newMemStore()
	prefs := &memPrefs{}

	tx := ledger.NewTxClient(node, nil)
	tx.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })

	issuerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	issuer := issuerKey.PubKey().Address().String()

	resolver := assets.NewResolver(node, map[string]string{"USDC": issuer, "INRC": issuer})
	swaps := swap.NewEngine(node, tx, nil)
	orch := NewOrchestrator(tx, resolver, swaps, store, prefs, testContract, nil)

	senderKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	receiverKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	return &fixture{
		node:        node,
		store:       store,
		prefs:       prefs,
		orch:        orch,
		senderKey:   senderKey,
		receiverKey: receiverKey,
		receiver:    receiverKey.PubKey().Address().String(),
		issuer:      issuer,
	}
}

func (f *fixture) request(amount string) PaymentRequest {
	return PaymentRequest{Receiver: f.receiver, Amount: amount, AssetCode: "XLM"}
}

var paymentIDPattern = regexp.MustCompile(`^PAY_\d+_[0-9a-f]{10}$`)

func TestDirectPayPlainPayment(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.orch.DirectPay(context.Background(), f.senderKey, f.request("42.5"))
	require.NoError(t, err)
	require.Equal(t, "payhash", receipt.Hash)

	require.Len(t, f.node.submitted, 1)
	op := f.node.submitted[0].Operation
	require.Equal(t, ledger.OpPayment, op.Type)
	require.Equal(t, f.receiver, op.Payment.Destination)
	require.Equal(t, "42.5", op.Payment.Amount)
	require.Equal(t, ledger.MinFee, f.node.submitted[0].Fee)
}

func TestDirectPaySwapsWhenPreferenceDiffers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prefs.SetPreferredAsset(context.Background(), f.receiver, "USDC", f.issuer))
	f.node.paths = []ledger.Path{{
		DestinationAsset:  ledger.Asset{Code: "USDC", Issuer: f.issuer},
		DestinationAmount: "40",
	}}

	_, err := f.orch.DirectPay(context.Background(), f.senderKey, f.request("42.5"))
	require.NoError(t, err)

	// One transfer, converting in flight.
	require.Len(t, f.node.submitted, 1)
	op := f.node.submitted[0].Operation
	require.Equal(t, ledger.OpPathPayment, op.Type)
	require.Equal(t, f.receiver, op.PathPayment.Destination)
	require.Equal(t, "38", op.PathPayment.DestMin)
}

func TestDirectPayNoPathIsSwapUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prefs.SetPreferredAsset(context.Background(), f.receiver, "USDC", f.issuer))

	_, err := f.orch.DirectPay(context.Background(), f.senderKey, f.request("42.5"))
	require.Error(t, err)
	require.Equal(t, KindSwapUnavailable, KindOf(err))
	require.Empty(t, f.node.submitted)
}

func TestDirectPayRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.DirectPay(context.Background(), f.senderKey, PaymentRequest{Receiver: "bogus", Amount: "1", AssetCode: "XLM"})
	require.Equal(t, KindValidation, KindOf(err))

	_, err = f.orch.DirectPay(context.Background(), f.senderKey, f.request("-3"))
	require.Equal(t, KindValidation, KindOf(err))

	_, err = f.orch.DirectPay(context.Background(), f.senderKey, f.request("0"))
	require.Equal(t, KindValidation, KindOf(err))
}

func TestInitiateProtectedLocksEscrow(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.InitiateProtected(context.Background(), f.senderKey, f.request("100"))
	require.NoError(t, err)
	require.Regexp(t, paymentIDPattern, res.PaymentID)
	require.Regexp(t, `^[1-9]\d{5}$`, res.Code)
	require.Equal(t, "escrowhash", res.Hash)

	require.Len(t, f.node.sent, 1)
	call := f.node.sent[0].Operation.ContractCall
	require.Equal(t, testContract, call.Contract)
	require.Equal(t, "create_escrow", call.Function)
	require.Len(t, call.Args, 6)
	require.Equal(t, res.PaymentID, call.Args[0].Value)
	require.Equal(t, f.senderKey.PubKey().Address().String(), call.Args[1].Value)
	require.Equal(t, f.receiver, call.Args[2].Value)
	require.Equal(t, "1000000000", call.Args[3].Value)
	require.Equal(t, otp.Commit(res.Code), call.Args[5].Value)
	require.Equal(t, ledger.ContractFee, f.node.sent[0].Fee)

	meta, err := f.store.GetEscrow(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, meta.Status)
	require.Equal(t, "escrowhash", meta.TxHash)
}

func TestInitiateProtectedSurvivesMetadataFailure(t *testing.T) {
	f := newFixture(t)
	f.store.putEscrowErr = errors.New("store down")

	res, err := f.orch.InitiateProtected(context.Background(), f.senderKey, f.request("100"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Hash)
}

func TestInitiateProtectedRejectsSubStroopAmount(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.InitiateProtected(context.Background(), f.senderKey, f.request("1.00000001"))
	require.Equal(t, KindValidation, KindOf(err))
	require.Empty(t, f.node.sent)
}

func TestReleaseWrongCodeIsRefused(t *testing.T) {
	f := newFixture(t)
	f.node.simErr = errors.Join(ledger.ErrSimulationFailed, errors.New("commitment mismatch"))

	_, err := f.orch.Release(context.Background(), f.receiverKey, "PAY_1_deadbeef00", "123456")
	require.ErrorIs(t, err, ErrReleaseRefused)
	require.Equal(t, KindSimulation, KindOf(err))
	require.Empty(t, f.node.sent)
}

func TestReleaseWithoutPreferenceCleansUp(t *testing.T) {
	f := newFixture(t)
	meta := &Metadata{PaymentID: "PAY_1_aaaaaaaaaa", Receiver: f.receiver, Amount: "100", AssetCode: "XLM", Status: StatusPending}
	require.NoError(t, f.store.PutEscrow(context.Background(), meta))

	res, err := f.orch.Release(context.Background(), f.receiverKey, meta.PaymentID, "654321")
	require.NoError(t, err)
	require.Equal(t, "escrowhash", res.Hash)
	require.Empty(t, res.SwapHash)
	require.Empty(t, res.SwapErr)

	_, err = f.store.GetEscrow(context.Background(), meta.PaymentID)
	require.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestReleaseSwapsToPreferredAsset(t *testing.T) {
	f := newFixture(t)
	meta := &Metadata{PaymentID: "PAY_1_bbbbbbbbbb", Receiver: f.receiver, Amount: "100", AssetCode: "XLM", Status: StatusPending}
	require.NoError(t, f.store.PutEscrow(context.Background(), meta))
	require.NoError(t, f.prefs.SetPreferredAsset(context.Background(), f.receiver, "INRC", f.issuer))
	f.node.paths = []ledger.Path{{
		DestinationAsset:  ledger.Asset{Code: "INRC", Issuer: f.issuer},
		DestinationAmount: "8300",
	}}

	res, err := f.orch.Release(context.Background(), f.receiverKey, meta.PaymentID, "654321")
	require.NoError(t, err)
	require.Equal(t, "escrowhash", res.Hash)
	require.Equal(t, "payhash", res.SwapHash)
	require.Empty(t, res.SwapErr)

	// The swap is a self path payment bounded by the slippage tolerance.
	require.Len(t, f.node.submitted, 1)
	op := f.node.submitted[0].Operation
	require.Equal(t, ledger.OpPathPayment, op.Type)
	require.Equal(t, f.receiver, op.PathPayment.Destination)
	require.Equal(t, "7885", op.PathPayment.DestMin)
}

func TestReleaseSwapFailureIsPartialSuccess(t *testing.T) {
	f := newFixture(t)
	meta := &Metadata{PaymentID: "PAY_1_cccccccccc", Receiver: f.receiver, Amount: "100", AssetCode: "XLM", Status: StatusPending}
	require.NoError(t, f.store.PutEscrow(context.Background(), meta))
	require.NoError(t, f.prefs.SetPreferredAsset(context.Background(), f.receiver, "INRC", f.issuer))
	// No paths: the swap cannot be priced.

	res, err := f.orch.Release(context.Background(), f.receiverKey, meta.PaymentID, "654321")
	require.NoError(t, err)
	require.Equal(t, "escrowhash", res.Hash)
	require.Empty(t, res.SwapHash)
	require.NotEmpty(t, res.SwapErr)

	// Cleanup still ran.
	_, err = f.store.GetEscrow(context.Background(), meta.PaymentID)
	require.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestReleaseFinalityTimeoutIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	f.node.finalStatus = ledger.TxStatusNotFound

	_, err := f.orch.Release(context.Background(), f.receiverKey, "PAY_1_dddddddddd", "654321")
	require.ErrorIs(t, err, ledger.ErrFinalityTimeout)
	require.Equal(t, KindFinalityTimeout, KindOf(err))
	// The release was sent exactly once; ambiguity never triggers a resubmit.
	require.Len(t, f.node.sent, 1)
}

func TestCancelRefundsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	meta := &Metadata{PaymentID: "PAY_1_eeeeeeeeee", Receiver: f.receiver, Status: StatusPending}
	require.NoError(t, f.store.PutEscrow(context.Background(), meta))

	receipt, err := f.orch.Cancel(context.Background(), f.senderKey, meta.PaymentID)
	require.NoError(t, err)
	require.Equal(t, "escrowhash", receipt.Hash)

	call := f.node.sent[0].Operation.ContractCall
	require.Equal(t, "cancel_escrow", call.Function)
	require.Equal(t, []ledger.CallArg{ledger.StringArg(meta.PaymentID)}, call.Args)

	_, err = f.store.GetEscrow(context.Background(), meta.PaymentID)
	require.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestStatusDecodesContractState(t *testing.T) {
	f := newFixture(t)
	f.node.simValue = json.RawMessage(`{"payment_id":"PAY_1_ffffffffff","sender":"paysender","receiver":"payreceiver","amount":"1000000000","token":"ctrtoken","is_active":true}`)

	state, err := f.orch.Status(context.Background(), "PAY_1_ffffffffff")
	require.NoError(t, err)
	require.True(t, state.IsActive)
	require.Equal(t, "1000000000", state.Amount)

	// Read-only: simulated once, nothing submitted, no fee spent.
	require.Equal(t, 1, f.node.sims)
	require.Empty(t, f.node.sent)
	require.Empty(t, f.node.submitted)
}

func TestStatusMissingEscrowIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.node.simValue = json.RawMessage(`null`)

	_, err := f.orch.Status(context.Background(), "PAY_1_0000000000")
	require.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestInboxListsPendingForReceiver(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutEscrow(context.Background(), &Metadata{PaymentID: "PAY_1_1111111111", Receiver: f.receiver, Status: StatusPending}))
	require.NoError(t, f.store.PutEscrow(context.Background(), &Metadata{PaymentID: "PAY_1_2222222222", Receiver: "paysomeoneelse", Status: StatusPending}))

	items, err := f.orch.Inbox(context.Background(), f.receiver)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "PAY_1_1111111111", items[0].PaymentID)
}

func TestAddTrustline(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.AddTrustline(context.Background(), f.receiverKey, "USDC", "")
	require.NoError(t, err)
	require.Len(t, f.node.submitted, 1)
	op := f.node.submitted[0].Operation
	require.Equal(t, ledger.OpChangeTrust, op.Type)
	require.Equal(t, "USDC", op.ChangeTrust.Asset.Code)

	_, err = f.orch.AddTrustline(context.Background(), f.receiverKey, "XLM", "")
	require.Equal(t, KindValidation, KindOf(err))
}
