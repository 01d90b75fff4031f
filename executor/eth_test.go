package executor

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"a2apay/crypto"
)

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	gasPrice    *big.Int
	estimate    uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction
	calls       []ethereum.CallMsg
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func newTestExecutor(t *testing.T, backend *fakeBackend) (*EthExecutor, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	exec, err := NewEthExecutor(key, map[uint64]Backend{8453: backend}, nil)
	require.NoError(t, err)
	return exec, key
}

func TestTransferERC20(t *testing.T) {
	backend := &fakeBackend{nonce: 7, gasPrice: big.NewInt(1_000), estimate: 50_000}
	exec, key := newTestExecutor(t, backend)

	recipient := "0x1111111111111111111111111111111111111111"
	hash, err := exec.Transfer(context.Background(), TransferRequest{To: recipient, Amount: "12.5", Token: "usdc", ChainID: 8453})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash().Hex())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(60_000), tx.Gas())
	require.Equal(t, "1200", tx.GasTipCap().String())
	require.Equal(t, "2400", tx.GasFeeCap().String())
	require.Equal(t, uint64(8453), tx.ChainId().Uint64())
	require.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), *tx.To())
	require.Zero(t, tx.Value().Sign())

	data := tx.Data()
	require.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])
	require.Equal(t, common.HexToAddress(recipient), common.BytesToAddress(data[4:36]))
	require.Equal(t, "12500000", new(big.Int).SetBytes(data[36:68]).String())

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
	require.Equal(t, key.Address(), exec.Address())
}

func TestTransferNativeFallsBackToDefaultGas(t *testing.T) {
	backend := &fakeBackend{gasPrice: big.NewInt(100), estimateErr: errors.New("execution reverted")}
	exec, _ := newTestExecutor(t, backend)

	_, err := exec.Transfer(context.Background(), TransferRequest{To: "0x2222222222222222222222222222222222222222", Amount: "0.5", Token: "ETH", ChainID: 8453})
	require.NoError(t, err)
	tx := backend.sent[0]
	require.Equal(t, uint64(25_200), tx.Gas())
	require.Equal(t, "500000000000000000", tx.Value().String())
	require.Empty(t, tx.Data())
}

func TestTransferErrors(t *testing.T) {
	backend := &fakeBackend{gasPrice: big.NewInt(1), estimate: 21_000, sendErr: errors.New("nonce too low")}
	exec, _ := newTestExecutor(t, backend)
	ctx := context.Background()

	_, err := exec.Transfer(ctx, TransferRequest{To: "0x2222222222222222222222222222222222222222", Amount: "1", Token: "USDC", ChainID: 1})
	require.ErrorIs(t, err, ErrNoBackend)

	_, err = exec.Transfer(ctx, TransferRequest{To: "not-an-address", Amount: "1", Token: "USDC", ChainID: 8453})
	require.Error(t, err)

	_, err = exec.Transfer(ctx, TransferRequest{To: "0x2222222222222222222222222222222222222222", Amount: "1", Token: "DAI", ChainID: 8453})
	require.Error(t, err)

	_, err = exec.Transfer(ctx, TransferRequest{To: "0x2222222222222222222222222222222222222222", Amount: "1", Token: "USDC", ChainID: 8453})
	require.ErrorContains(t, err, "nonce too low")
}

func TestEstimateFee(t *testing.T) {
	backend := &fakeBackend{gasPrice: big.NewInt(1_000_000_000), estimate: 50_000}
	exec, _ := newTestExecutor(t, backend)

	quote, err := exec.EstimateFee(context.Background(), TransferRequest{To: "0x2222222222222222222222222222222222222222", Amount: "3", Token: "USDC", ChainID: 8453})
	require.NoError(t, err)
	require.Equal(t, uint64(60_000), quote.GasLimit)
	require.Equal(t, "1200000000", quote.GasPrice)
	require.Equal(t, "0.000072", quote.Fee)
	require.Equal(t, "ETH", quote.FeeToken)
	require.Empty(t, backend.sent)
}

func TestStaticFees(t *testing.T) {
	quote, err := StaticFees{}.EstimateFee(context.Background(), TransferRequest{Token: "USDT", ChainID: 137})
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), quote.GasLimit)
	require.Equal(t, "0.0001", quote.Fee)
	require.Equal(t, "POL", quote.FeeToken)

	_, err = StaticFees{}.EstimateFee(context.Background(), TransferRequest{Token: "USDT", ChainID: 8453})
	require.Error(t, err)
}

func TestFuncExecutor(t *testing.T) {
	var got TransferRequest
	exec := FuncExecutor{TransferFunc: func(_ context.Context, req TransferRequest) (string, error) {
		got = req
		return "0xabc", nil
	}}
	hash, err := exec.Transfer(context.Background(), TransferRequest{To: "0x1", Amount: "1"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.Equal(t, "1", got.Amount)

	_, err = exec.EstimateFee(context.Background(), TransferRequest{})
	require.Error(t, err)
	_, err = FuncExecutor{}.Transfer(context.Background(), TransferRequest{})
	require.Error(t, err)
}

func TestConcurrentTransfersUseDistinctNonces(t *testing.T) {
	// The node keeps reporting 7 because none of the broadcasts are mined.
	backend := &fakeBackend{nonce: 7, gasPrice: big.NewInt(1_000), estimate: 50_000}
	exec, _ := newTestExecutor(t, backend)

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Transfer(context.Background(), TransferRequest{
				To: "0x1111111111111111111111111111111111111111", Amount: "1", Token: "USDC", ChainID: 8453,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, backend.sent, workers)
	nonces := make([]uint64, 0, workers)
	for _, tx := range backend.sent {
		nonces = append(nonces, tx.Nonce())
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	require.Equal(t, []uint64{7, 8, 9, 10, 11, 12}, nonces)
}

func TestNonceResetAfterNonceError(t *testing.T) {
	backend := &fakeBackend{nonce: 3, gasPrice: big.NewInt(1_000), estimate: 50_000}
	exec, _ := newTestExecutor(t, backend)
	ctx := context.Background()
	req := TransferRequest{To: "0x1111111111111111111111111111111111111111", Amount: "1", Token: "USDC", ChainID: 8453}

	_, err := exec.Transfer(ctx, req)
	require.NoError(t, err)
	_, err = exec.Transfer(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(4), backend.sent[1].Nonce())

	// A replacement elsewhere moved the account backwards from our view.
	backend.sendErr = errors.New("nonce too high")
	_, err = exec.Transfer(ctx, req)
	require.ErrorContains(t, err, "nonce too high")

	backend.sendErr = nil
	_, err = exec.Transfer(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(3), backend.sent[2].Nonce())
}

func TestNonceManagerHonoursContext(t *testing.T) {
	m := NewNonceManager()
	backend := &fakeBackend{nonce: 1}
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	nonce, release, err := m.Acquire(context.Background(), 8453, account, backend)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = m.Acquire(ctx, 8453, account, backend)
	require.ErrorIs(t, err, context.Canceled)

	// Another chain is independent.
	other, releaseOther, err := m.Acquire(context.Background(), 10, account, backend)
	require.NoError(t, err)
	require.Equal(t, uint64(1), other)
	releaseOther(false)

	release(true)
	next, release, err := m.Acquire(context.Background(), 8453, account, backend)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)
	release(false)
}
