package swap

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"supipay/crypto"
	"supipay/ledger"
)

type pathClient struct {
	ledger.Client

	paths    []ledger.Path
	pathsErr error

	submitted *ledger.Envelope
}

func (c *pathClient) StrictSendPaths(ctx context.Context, source ledger.Asset, sourceAmount string, dest ledger.Asset) ([]ledger.Path, error) {
	return c.paths, c.pathsErr
}

func (c *pathClient) LoadAccount(ctx context.Context, address string) (*ledger.Account, error) {
	return &ledger.Account{Address: address, Sequence: 3}, nil
}

func (c *pathClient) SubmitTransaction(ctx context.Context, env *ledger.Envelope) (*ledger.SubmitResult, error) {
	clone := *env
	c.submitted = &clone
	return &ledger.SubmitResult{Hash: "feedface", Status: ledger.TxStatusSuccess}, nil
}

func usdc(t *testing.T) ledger.Asset {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return ledger.Asset{Code: "USDC", Issuer: key.PubKey().Address().String()}
}

func TestNeeded(t *testing.T) {
	a := usdc(t)
	require.False(t, Needed(ledger.NativeAsset(), ledger.NativeAsset()))
	require.False(t, Needed(a, a))
	require.False(t, Needed(a, ledger.Asset{Code: "usdc", Issuer: a.Issuer}))
	require.True(t, Needed(ledger.NativeAsset(), a))
	require.True(t, Needed(a, ledger.Asset{Code: "USDC", Issuer: usdc(t).Issuer}))
}

func TestDestMinAppliesSlippageBound(t *testing.T) {
	got, err := DestMin("100", DefaultSlippage)
	require.NoError(t, err)
	require.Equal(t, "95", got)

	// Rounds down to 7 decimal places so the bound never exceeds the quote.
	got, err = DestMin("0.123456789", DefaultSlippage)
	require.NoError(t, err)
	bound := decimal.RequireFromString(got)
	quoted := decimal.RequireFromString("0.123456789")
	require.True(t, bound.LessThanOrEqual(quoted.Mul(decimal.NewFromFloat(0.95))))
	require.LessOrEqual(t, bound.Exponent()*-1, int32(AmountPrecision))
}

func TestDestMinRejectsNonPositive(t *testing.T) {
	_, err := DestMin("0", DefaultSlippage)
	require.Error(t, err)
	_, err = DestMin("abc", DefaultSlippage)
	require.Error(t, err)
}

func TestBestQuotePicksHighestDestinationAmount(t *testing.T) {
	dest := usdc(t)
	client := &pathClient{paths: []ledger.Path{
		{DestinationAsset: dest, DestinationAmount: "91.5"},
		{DestinationAsset: dest, DestinationAmount: "95.25"},
		{DestinationAsset: dest, DestinationAmount: "94"},
	}}
	engine := NewEngine(client, ledger.NewTxClient(client, nil), nil)

	quote, err := engine.BestQuote(context.Background(), ledger.NativeAsset(), "100", dest)
	require.NoError(t, err)
	require.Equal(t, "95.25", quote.DestinationAmount)
	require.Equal(t, "90.4875", quote.DestMin)
}

func TestBestQuoteNoPath(t *testing.T) {
	client := &pathClient{}
	engine := NewEngine(client, ledger.NewTxClient(client, nil), nil)

	_, err := engine.BestQuote(context.Background(), ledger.NativeAsset(), "100", usdc(t))
	require.ErrorIs(t, err, ErrNoPath)
}

func TestExecuteEmbedsDestMinAtBuildTime(t *testing.T) {
	dest := usdc(t)
	hop := usdc(t)
	client := &pathClient{paths: []ledger.Path{{
		DestinationAsset:  dest,
		DestinationAmount: "200",
		Hops:              []ledger.Asset{hop},
	}}}
	engine := NewEngine(client, ledger.NewTxClient(client, nil), nil)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	self := key.PubKey().Address().String()

	receipt, err := engine.Execute(context.Background(), key, self, ledger.NativeAsset(), "100", dest)
	require.NoError(t, err)
	require.Equal(t, ledger.TxStatusSuccess, receipt.Status)

	require.NotNil(t, client.submitted)
	op := client.submitted.Operation
	require.Equal(t, ledger.OpPathPayment, op.Type)
	require.Equal(t, "190", op.PathPayment.DestMin)
	require.Equal(t, self, op.PathPayment.Destination)
	require.Equal(t, []ledger.Asset{hop}, op.PathPayment.Path)
	require.NotEmpty(t, client.submitted.Signature)
}

func TestSetSlippageRange(t *testing.T) {
	engine := NewEngine(&pathClient{}, nil, nil)
	require.Error(t, engine.SetSlippage(decimal.Zero))
	require.Error(t, engine.SetSlippage(decimal.NewFromInt(1)))
	require.NoError(t, engine.SetSlippage(decimal.NewFromFloat(0.01)))
}
