// Package tokens holds the chains and stablecoin deployments the gateway can settle on.
package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedChain is returned when a chain id is not in the registry.
	ErrUnsupportedChain = errors.New("tokens: unsupported chain")
	// ErrUnsupportedToken is returned when a symbol has no deployment on the chain.
	ErrUnsupportedToken = errors.New("tokens: unsupported token")
)

// Chain describes an EVM network.
type Chain struct {
	ID           uint64
	Name         string
	NativeSymbol string
}

// Token is a stablecoin deployment on one chain.
type Token struct {
	Symbol   string
	ChainID  uint64
	Address  string
	Decimals uint8
}

var chains = map[uint64]Chain{
	1:     {ID: 1, Name: "ethereum", NativeSymbol: "ETH"},
	10:    {ID: 10, Name: "optimism", NativeSymbol: "ETH"},
	56:    {ID: 56, Name: "bsc", NativeSymbol: "BNB"},
	137:   {ID: 137, Name: "polygon", NativeSymbol: "POL"},
	8453:  {ID: 8453, Name: "base", NativeSymbol: "ETH"},
	42161: {ID: 42161, Name: "arbitrum", NativeSymbol: "ETH"},
}

var deployments = map[string]map[uint64]Token{
	"USDC": {
		1:     {Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		10:    {Symbol: "USDC", ChainID: 10, Address: "0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85", Decimals: 6},
		56:    {Symbol: "USDC", ChainID: 56, Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
		137:   {Symbol: "USDC", ChainID: 137, Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6},
		8453:  {Symbol: "USDC", ChainID: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		42161: {Symbol: "USDC", ChainID: 42161, Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
	},
	"USDT": {
		1:     {Symbol: "USDT", ChainID: 1, Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		10:    {Symbol: "USDT", ChainID: 10, Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		56:    {Symbol: "USDT", ChainID: 56, Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		137:   {Symbol: "USDT", ChainID: 137, Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		42161: {Symbol: "USDT", ChainID: 42161, Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: 6},
	},
	"DAI": {
		1:     {Symbol: "DAI", ChainID: 1, Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
		10:    {Symbol: "DAI", ChainID: 10, Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		137:   {Symbol: "DAI", ChainID: 137, Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		42161: {Symbol: "DAI", ChainID: 42161, Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
	},
}

// NormalizeSymbol upper-cases and trims a token symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ChainByID looks up a chain.
func ChainByID(id uint64) (Chain, error) {
	c, ok := chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, id)
	}
	return c, nil
}

// Lookup returns the deployment of symbol on chainID.
func Lookup(symbol string, chainID uint64) (Token, error) {
	if _, err := ChainByID(chainID); err != nil {
		return Token{}, err
	}
	symbol = NormalizeSymbol(symbol)
	byChain, ok := deployments[symbol]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, symbol)
	}
	tok, ok := byChain[chainID]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, symbol, chainID)
	}
	return tok, nil
}

// Symbols lists every known token symbol, sorted.
func Symbols() []string {
	out := make([]string, 0, len(deployments))
	for sym := range deployments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Chains lists every registered chain ordered by id.
func Chains() []Chain {
	out := make([]Chain, 0, len(chains))
	for _, c := range chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
