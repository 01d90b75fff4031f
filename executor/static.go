package executor

import (
	"context"
	"math/big"
	"strings"

	"a2apay/tokens"
)

// StaticFees quotes fees from a fixed gas price when no RPC endpoint is available.
type StaticFees struct {
	// GasPriceWei defaults to 1 gwei.
	GasPriceWei *big.Int
}

// EstimateFee returns the default gas limit priced at the static gas price.
func (s StaticFees) EstimateFee(_ context.Context, req TransferRequest) (FeeQuote, error) {
	chain, err := tokens.ChainByID(req.ChainID)
	if err != nil {
		return FeeQuote{}, err
	}
	price := s.GasPriceWei
	if price == nil || price.Sign() <= 0 {
		price = big.NewInt(1_000_000_000)
	}
	limit := defaultERC20Gas
	if strings.EqualFold(req.Token, chain.NativeSymbol) {
		limit = defaultNativeGas
	} else if _, err := tokens.Lookup(req.Token, req.ChainID); err != nil {
		return FeeQuote{}, err
	}
	return newFeeQuote(limit, price, chain.NativeSymbol), nil
}
