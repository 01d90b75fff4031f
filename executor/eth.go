package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"a2apay/crypto"
	"a2apay/tokens"
)

const erc20ABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

const (
	defaultERC20Gas  uint64 = 100_000
	defaultNativeGas uint64 = 21_000
	nativeDecimals          = 18
)

// Backend is the subset of the JSON-RPC client the executor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthExecutor signs dynamic-fee transactions with a hot key and broadcasts them.
type EthExecutor struct {
	key      *crypto.PrivateKey
	backends map[uint64]Backend
	erc20    abi.ABI
	nonces   *NonceManager
	logger   *slog.Logger
}

// NewEthExecutor constructs an executor that signs with key and routes each
// chain id to its backend.
func NewEthExecutor(key *crypto.PrivateKey, backends map[uint64]Backend, logger *slog.Logger) (*EthExecutor, error) {
	if key == nil {
		return nil, fmt.Errorf("executor: signing key required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("executor: parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EthExecutor{key: key, backends: backends, erc20: parsed, nonces: NewNonceManager(), logger: logger}, nil
}

// DialBackends connects to every configured RPC endpoint. The returned func
// closes the clients.
func DialBackends(ctx context.Context, endpoints map[uint64]string) (map[uint64]Backend, func(), error) {
	backends := make(map[uint64]Backend, len(endpoints))
	clients := make([]*ethclient.Client, 0, len(endpoints))
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for chainID, url := range endpoints {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("executor: dial chain %d: %w", chainID, err)
		}
		clients = append(clients, client)
		backends[chainID] = client
	}
	return backends, closeAll, nil
}

// Address returns the account funds are sent from.
func (e *EthExecutor) Address() common.Address { return e.key.Address() }

type call struct {
	to       common.Address
	value    *big.Int
	data     []byte
	fallback uint64
	feeToken string
}

func (e *EthExecutor) prepare(req TransferRequest) (Backend, call, error) {
	backend, ok := e.backends[req.ChainID]
	if !ok {
		return nil, call{}, fmt.Errorf("%w %d", ErrNoBackend, req.ChainID)
	}
	if !common.IsHexAddress(req.To) {
		return nil, call{}, fmt.Errorf("executor: invalid recipient %q", req.To)
	}
	chain, err := tokens.ChainByID(req.ChainID)
	if err != nil {
		return nil, call{}, err
	}
	recipient := common.HexToAddress(req.To)
	if strings.EqualFold(req.Token, chain.NativeSymbol) {
		value, err := tokens.ParseUnits(req.Amount, nativeDecimals)
		if err != nil {
			return nil, call{}, err
		}
		return backend, call{to: recipient, value: value.ToBig(), fallback: defaultNativeGas, feeToken: chain.NativeSymbol}, nil
	}
	tok, err := tokens.Lookup(req.Token, req.ChainID)
	if err != nil {
		return nil, call{}, err
	}
	amount, err := tokens.ParseUnits(req.Amount, tok.Decimals)
	if err != nil {
		return nil, call{}, err
	}
	data, err := e.erc20.Pack("transfer", recipient, amount.ToBig())
	if err != nil {
		return nil, call{}, fmt.Errorf("executor: pack transfer: %w", err)
	}
	return backend, call{
		to:       common.HexToAddress(tok.Address),
		value:    new(big.Int),
		data:     data,
		fallback: defaultERC20Gas,
		feeToken: chain.NativeSymbol,
	}, nil
}

func (e *EthExecutor) gas(ctx context.Context, backend Backend, c call) (uint64, *big.Int, error) {
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("executor: suggest gas price: %w", err)
	}
	// 20% headroom on both price and limit.
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(120)), big.NewInt(100))
	to := c.to
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.key.Address(),
		To:    &to,
		Value: c.value,
		Data:  c.data,
	})
	if err != nil {
		e.logger.Warn("gas estimation failed, using default limit", "error", err, "gas", c.fallback)
		gasLimit = c.fallback
	}
	return gasLimit * 120 / 100, gasPrice, nil
}

// Transfer builds, signs and broadcasts the transfer.
func (e *EthExecutor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	backend, c, err := e.prepare(req)
	if err != nil {
		return "", err
	}
	gasLimit, gasPrice, err := e.gas(ctx, backend, c)
	if err != nil {
		return "", err
	}
	from := e.key.Address()
	nonce, release, err := e.nonces.Acquire(ctx, req.ChainID, from, backend)
	if err != nil {
		return "", err
	}
	chainID := new(big.Int).SetUint64(req.ChainID)
	to := c.to
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasPrice,
		GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
		Gas:       gasLimit,
		To:        &to,
		Value:     c.value,
		Data:      c.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key.PrivateKey)
	if err != nil {
		release(false)
		return "", fmt.Errorf("executor: sign: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		release(false)
		if isNonceError(err) {
			e.nonces.Reset(req.ChainID, from)
		}
		return "", fmt.Errorf("executor: send: %w", err)
	}
	release(true)
	hash := signed.Hash().Hex()
	e.logger.Info("transfer broadcast",
		"chain_id", req.ChainID,
		"token", req.Token,
		"to", strings.ToLower(req.To),
		"tx_hash", hash,
		"nonce", nonce)
	return hash, nil
}

// EstimateFee prices the transfer with the same gas policy Transfer uses.
func (e *EthExecutor) EstimateFee(ctx context.Context, req TransferRequest) (FeeQuote, error) {
	backend, c, err := e.prepare(req)
	if err != nil {
		return FeeQuote{}, err
	}
	gasLimit, gasPrice, err := e.gas(ctx, backend, c)
	if err != nil {
		return FeeQuote{}, err
	}
	return newFeeQuote(gasLimit, gasPrice, c.feeToken), nil
}

func newFeeQuote(gasLimit uint64, gasPrice *big.Int, feeToken string) FeeQuote {
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	feeUnits, _ := uint256.FromBig(fee)
	return FeeQuote{
		GasLimit: gasLimit,
		GasPrice: gasPrice.String(),
		Fee:      tokens.FormatUnits(feeUnits, nativeDecimals),
		FeeToken: feeToken,
	}
}
