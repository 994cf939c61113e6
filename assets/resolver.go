// Package assets maps human asset codes to ledger asset handles and to the
// contract addresses used when invoking on-ledger contracts.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"supipay/crypto"
	"supipay/ledger"
)

// ErrUnknownAsset means no issuer could be found for a code; the caller must
// supply an issuer or pick a known asset. Guessing an issuer is never safe.
var ErrUnknownAsset = errors.New("assets: no issuer found for asset code")

const tokenSeedPrefix = "token:"

// Resolver normalises asset codes against a static well-known issuer table,
// falling back to the network asset directory.
type Resolver struct {
	client    ledger.Client
	wellKnown map[string]string
}

// NewResolver builds a resolver. wellKnown maps upper-case asset codes to
// issuer addresses and may be nil.
func NewResolver(client ledger.Client, wellKnown map[string]string) *Resolver {
	normalized := make(map[string]string, len(wellKnown))
	for code, issuer := range wellKnown {
		normalized[strings.ToUpper(strings.TrimSpace(code))] = strings.TrimSpace(issuer)
	}
	return &Resolver{client: client, wellKnown: normalized}
}

// IsNativeCode reports whether a code names the ledger's native asset.
func IsNativeCode(code string) bool {
	trimmed := strings.TrimSpace(code)
	return strings.EqualFold(trimmed, ledger.NativeAssetCode) || strings.EqualFold(trimmed, "native")
}

// Resolve maps a code plus optional issuer to a ledger asset handle. With no
// issuer given, the well-known table is consulted first, then the network
// directory; the first directory record wins.
func (r *Resolver) Resolve(ctx context.Context, code, issuer string) (ledger.Asset, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ledger.Asset{}, errors.New("assets: asset code required")
	}
	if IsNativeCode(code) {
		return ledger.NativeAsset(), nil
	}
	canonical := strings.ToUpper(code)
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		if _, err := crypto.DecodeAccountAddress(issuer); err != nil {
			return ledger.Asset{}, fmt.Errorf("assets: invalid issuer for %s: %w", canonical, err)
		}
		return ledger.Asset{Code: canonical, Issuer: issuer}, nil
	}
	if known, ok := r.wellKnown[canonical]; ok {
		return ledger.Asset{Code: canonical, Issuer: known}, nil
	}
	records, err := r.client.AssetsForCode(ctx, canonical)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("assets: directory lookup for %s: %w", canonical, err)
	}
	if len(records) == 0 {
		return ledger.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, canonical)
	}
	return ledger.Asset{Code: canonical, Issuer: records[0].Issuer}, nil
}

// NativeTokenAddress is the fixed, well-known contract address of the native
// asset's token contract.
func NativeTokenAddress() crypto.Address {
	return crypto.DeriveAddress(crypto.ContractPrefix, []byte(tokenSeedPrefix+"native"))
}

// TokenAddress derives the contract address a contract call uses to reference
// an asset. The derivation is deterministic in the asset handle.
func TokenAddress(asset ledger.Asset) crypto.Address {
	if asset.IsNative() {
		return NativeTokenAddress()
	}
	seed := tokenSeedPrefix + asset.Code + ":" + asset.Issuer
	return crypto.DeriveAddress(crypto.ContractPrefix, []byte(seed))
}
