// Package swap quotes and executes asset conversions through the ledger's
// strict-send path engine.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"supipay/crypto"
	"supipay/ledger"
)

// ErrNoPath means the ledger offers no conversion route between the two
// assets at the requested amount.
var ErrNoPath = errors.New("swap: no conversion path available")

// AmountPrecision is the ledger's amount precision in decimal places.
const AmountPrecision = 7

// DefaultSlippage is the fraction of the quoted destination amount the
// executed swap may lose before the ledger aborts it.
var DefaultSlippage = decimal.NewFromFloat(0.05)

// Quote is a priced conversion: the best available path and the minimum
// destination amount the resulting operation will accept.
type Quote struct {
	Path              ledger.Path
	DestinationAmount string
	DestMin           string
}

// Engine prices and executes swaps against a ledger client.
type Engine struct {
	client   ledger.Client
	tx       *ledger.TxClient
	slippage decimal.Decimal
	log      *slog.Logger
}

func NewEngine(client ledger.Client, tx *ledger.TxClient, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, tx: tx, slippage: DefaultSlippage, log: log}
}

// SetSlippage overrides the slippage tolerance. The value is a fraction in
// (0, 1), not a percentage.
func (e *Engine) SetSlippage(s decimal.Decimal) error {
	if s.LessThanOrEqual(decimal.Zero) || s.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("swap: slippage %s out of range", s)
	}
	e.slippage = s
	return nil
}

// Needed reports whether converting from have to want requires a swap.
// Matching is by code and issuer, case-insensitive on the code.
func Needed(have, want ledger.Asset) bool {
	if have.IsNative() && want.IsNative() {
		return false
	}
	return !strings.EqualFold(have.Code, want.Code) || have.Issuer != want.Issuer
}

// DestMin applies the slippage tolerance to a quoted destination amount,
// rounding down to the ledger's amount precision. Rounding down keeps the
// bound conservative.
func DestMin(quoted string, slippage decimal.Decimal) (string, error) {
	amount, err := decimal.NewFromString(quoted)
	if err != nil {
		return "", fmt.Errorf("swap: invalid quoted amount %q: %w", quoted, err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("swap: quoted amount %q not positive", quoted)
	}
	factor := decimal.NewFromInt(1).Sub(slippage)
	return amount.Mul(factor).RoundFloor(AmountPrecision).String(), nil
}

// BestQuote asks the ledger for strict-send paths and picks the one delivering
// the highest destination amount, with the slippage bound already applied.
func (e *Engine) BestQuote(ctx context.Context, source ledger.Asset, sourceAmount string, dest ledger.Asset) (*Quote, error) {
	paths, err := e.client.StrictSendPaths(ctx, source, sourceAmount, dest)
	if err != nil {
		return nil, fmt.Errorf("swap: path lookup: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, source, dest)
	}
	best := paths[0]
	bestAmount, err := decimal.NewFromString(best.DestinationAmount)
	if err != nil {
		return nil, fmt.Errorf("swap: invalid path amount %q: %w", best.DestinationAmount, err)
	}
	for _, p := range paths[1:] {
		amount, err := decimal.NewFromString(p.DestinationAmount)
		if err != nil {
			return nil, fmt.Errorf("swap: invalid path amount %q: %w", p.DestinationAmount, err)
		}
		if amount.GreaterThan(bestAmount) {
			best = p
			bestAmount = amount
		}
	}
	destMin, err := DestMin(best.DestinationAmount, e.slippage)
	if err != nil {
		return nil, err
	}
	e.log.Debug("swap quoted",
		"source", source.String(),
		"dest", dest.String(),
		"paths", len(paths),
		"destinationAmount", best.DestinationAmount,
		"destMin", destMin)
	return &Quote{Path: best, DestinationAmount: best.DestinationAmount, DestMin: destMin}, nil
}

// Operation builds the path-payment operation for a quote. The slippage bound
// is embedded at build time; the ledger enforces it atomically.
func (e *Engine) Operation(q *Quote, sendAsset ledger.Asset, sendAmount, destination string, destAsset ledger.Asset) ledger.Operation {
	return ledger.Operation{
		Type: ledger.OpPathPayment,
		PathPayment: &ledger.PathPaymentOp{
			SendAsset:   sendAsset,
			SendAmount:  sendAmount,
			Destination: destination,
			DestAsset:   destAsset,
			DestMin:     q.DestMin,
			Path:        q.Path.Hops,
		},
	}
}

// Execute quotes and drives a swap from the key's account to destination.
// Sending to the key's own address converts a balance in place.
func (e *Engine) Execute(ctx context.Context, key *crypto.PrivateKey, destination string, sendAsset ledger.Asset, sendAmount string, destAsset ledger.Asset) (*ledger.Receipt, error) {
	quote, err := e.BestQuote(ctx, sendAsset, sendAmount, destAsset)
	if err != nil {
		return nil, err
	}
	op := e.Operation(quote, sendAsset, sendAmount, destination, destAsset)
	env, err := e.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeePayment)
	if err != nil {
		return nil, err
	}
	return e.tx.Run(ctx, env, key)
}
