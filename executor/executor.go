// Package executor settles approved payment proposals on-chain.
package executor

import (
	"context"
	"errors"
)

// ErrNoBackend is returned when no RPC endpoint is configured for a chain.
var ErrNoBackend = errors.New("executor: no backend for chain")

// TransferRequest is a payment to broadcast. Amount is in human token units.
type TransferRequest struct {
	To      string
	Amount  string
	Token   string
	ChainID uint64
}

// Executor broadcasts a transfer and returns its transaction hash.
type Executor interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// FeeQuote is the estimated network cost of a transfer.
type FeeQuote struct {
	GasLimit uint64
	// GasPrice is in wei.
	GasPrice string
	// Fee is GasLimit*GasPrice in native units.
	Fee      string
	FeeToken string
}

// FeeEstimator prices a transfer before it is confirmed.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, req TransferRequest) (FeeQuote, error)
}

// FuncExecutor adapts callback functions to the Executor and FeeEstimator interfaces.
type FuncExecutor struct {
	TransferFunc func(ctx context.Context, req TransferRequest) (string, error)
	FeeFunc      func(ctx context.Context, req TransferRequest) (FeeQuote, error)
}

// Transfer delegates to the configured callback.
func (f FuncExecutor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if f.TransferFunc == nil {
		return "", errors.New("executor: transfer not configured")
	}
	return f.TransferFunc(ctx, req)
}

// EstimateFee delegates to the configured callback.
func (f FuncExecutor) EstimateFee(ctx context.Context, req TransferRequest) (FeeQuote, error) {
	if f.FeeFunc == nil {
		return FeeQuote{}, errors.New("executor: fee estimation not configured")
	}
	return f.FeeFunc(ctx, req)
}
