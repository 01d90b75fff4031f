package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"a2apay/budget"
	"a2apay/crypto"
	"a2apay/executor"
	"a2apay/identity"
	"a2apay/store"
	"a2apay/tokens"
)

const (
	recipient = "0x00000000000000000000000000000000000000b0"
	settledTx = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type testAgent struct {
	key *crypto.PrivateKey
	did string
	seq int
}

func newTestAgent(t *testing.T, chainID uint64) *testAgent {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &testAgent{key: key, did: identity.GenerateDID(key.Address().Hex(), chainID)}
}

// body signs params as the agent and wraps them in a request envelope.
func (a *testAgent) body(t *testing.T, method Method, params map[string]any) []byte {
	t.Helper()
	a.seq++
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["from"]; !ok {
		params["from"] = a.did
	}
	if _, ok := params["nonce"]; !ok {
		params["nonce"] = fmt.Sprintf("nonce-%s-%04d", uuid.NewString()[:8], a.seq)
	}
	if _, ok := params["timestamp"]; !ok {
		params["timestamp"] = fixedNow.Format(time.RFC3339)
	}
	signed, err := SignParams(a.key, params)
	require.NoError(t, err)
	return mustJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      a.seq,
		"method":  method,
		"params":  signed,
	})
}

type routerHarness struct {
	router *Router
	store  *store.Store
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *routerHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	deps := Dependencies{
		Messages:  st,
		Proposals: st,
		Clock:     func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&deps)
	}
	router, err := NewRouter(Config{
		ReplayWindow: 5 * time.Minute,
		Platform:     PlatformInfo{Name: "test-platform", BaseURL: "https://pay.example"},
	}, deps)
	require.NoError(t, err)
	return &routerHarness{router: router, store: st}
}

func (h *routerHarness) call(t *testing.T, body []byte) Response {
	t.Helper()
	return h.router.Handle(context.Background(), body)
}

func requireCode(t *testing.T, resp Response, code int) {
	t.Helper()
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code, resp.Error.Message)
}

func requireResult[T any](t *testing.T, resp Response) T {
	t.Helper()
	require.Nil(t, resp.Error)
	out, ok := resp.Result.(T)
	require.Truef(t, ok, "unexpected result type %T", resp.Result)
	return out
}

func (h *routerHarness) requestPayment(t *testing.T, agent *testAgent, amount string) ProposalResult {
	t.Helper()
	resp := h.call(t, agent.body(t, MethodRequestPayment, map[string]any{
		"to":     recipient,
		"amount": amount,
		"token":  "USDC",
	}))
	return requireResult[ProposalResult](t, resp)
}

func TestNewRouterBindsEveryMethod(t *testing.T) {
	h := newHarness(t, nil)
	for _, method := range Methods() {
		_, ok := h.router.bindings[method]
		require.True(t, ok, method)
		_, ok = h.router.schemas.params[method]
		require.True(t, ok, method)
	}
}

func TestNewRouterRequiresBudgetForExecutor(t *testing.T) {
	st := &store.Store{}
	_, err := NewRouter(Config{}, Dependencies{
		Messages:  st,
		Proposals: st,
		Executor:  executor.FuncExecutor{},
	})
	require.Error(t, err)
}

func TestHandleEnvelopeErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.call(t, []byte(`{"jsonrpc":`))
	requireCode(t, resp, CodeParseError)
	require.Nil(t, resp.ID)

	resp = h.call(t, []byte(`{"jsonrpc":"1.0","id":1,"method":"a2a.handshake","params":{}}`))
	requireCode(t, resp, CodeInvalidRequest)
	require.Nil(t, resp.ID)

	resp = h.call(t, []byte(`{"jsonrpc":"2.0","id":7,"method":"a2a.unknown","params":{}}`))
	requireCode(t, resp, CodeInvalidRequest)
	require.Nil(t, resp.ID)
	fields, ok := resp.Error.Data.([]FieldError)
	require.True(t, ok)
	require.Equal(t, "method", fields[0].Field)
}

func TestEnvelopeSchemaAcceptsEveryMethod(t *testing.T) {
	schemas, err := compileSchemas()
	require.NoError(t, err)
	for _, method := range Methods() {
		raw, err := decodeValue([]byte(`{"jsonrpc":"2.0","id":1,"method":"` + string(method) + `","params":{}}`))
		require.NoError(t, err)
		require.Nil(t, validate(schemas.envelope, raw), method)
	}
}

func TestHandleInvalidParamsReportsFields(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 8453)

	resp := h.call(t, agent.body(t, MethodRequestPayment, map[string]any{
		"to":     "not-an-address",
		"amount": "1.00",
	}))
	requireCode(t, resp, CodeInvalidParams)
	fields, ok := resp.Error.Data.([]FieldError)
	require.True(t, ok)
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Field)
	}
	require.Contains(t, names, "to")
	require.Contains(t, names, "params")
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	resp := h.call(t, agent.body(t, MethodHandshake, map[string]any{
		"protocols": []string{"a2a/0.9", ProtocolVersion},
	}))
	res := requireResult[HandshakeResult](t, resp)
	require.Equal(t, agent.did, res.To)
	require.Equal(t, ProtocolVersion, res.NegotiatedProtocol)
	require.Equal(t, Methods(), res.Methods)
	require.Contains(t, res.Tokens, "USDC")
	require.Equal(t, 300, res.ReplayWindowSeconds)
	require.Equal(t, "https://pay.example/a2a", res.Agent.Endpoints.A2A)
	require.Empty(t, res.PeerCard)
}

func TestHandshakeChecksPeerCard(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	signed, err := SignCard(PlatformCard(PlatformInfo{Name: "peer", BaseURL: "https://peer.example"}), agent.key)
	require.NoError(t, err)
	resp := h.call(t, agent.body(t, MethodHandshake, map[string]any{"agent_card": signed}))
	require.Equal(t, PeerCardVerified, requireResult[HandshakeResult](t, resp).PeerCard)

	tampered := signed
	tampered.URL = "https://evil.example"
	resp = h.call(t, agent.body(t, MethodHandshake, map[string]any{"agent_card": tampered}))
	require.Equal(t, PeerCardInvalid, requireResult[HandshakeResult](t, resp).PeerCard)

	unsigned := PlatformCard(PlatformInfo{Name: "peer", BaseURL: "https://peer.example"})
	resp = h.call(t, agent.body(t, MethodHandshake, map[string]any{"agent_card": unsigned}))
	require.Equal(t, PeerCardUnsigned, requireResult[HandshakeResult](t, resp).PeerCard)
}

func TestTimestampOutsideWindowRejected(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	stale := fixedNow.Add(-6 * time.Minute).Format(time.RFC3339)
	resp := h.call(t, agent.body(t, MethodHandshake, map[string]any{"timestamp": stale}))
	requireCode(t, resp, CodeTimestampExpired)

	future := fixedNow.Add(6 * time.Minute).Format(time.RFC3339)
	resp = h.call(t, agent.body(t, MethodHandshake, map[string]any{"timestamp": future}))
	requireCode(t, resp, CodeTimestampExpired)

	edge := fixedNow.Add(-5 * time.Minute).Format(time.RFC3339)
	resp = h.call(t, agent.body(t, MethodHandshake, map[string]any{"timestamp": edge}))
	require.Nil(t, resp.Error)
}

func TestReplayedNonceRejected(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	body := agent.body(t, MethodHandshake, map[string]any{"nonce": "nonce-replay-000001"})
	require.Nil(t, h.call(t, body).Error)
	requireCode(t, h.call(t, body), CodeReplayDetected)

	// A different signer cannot reuse the nonce either.
	other := newTestAgent(t, 1)
	requireCode(t, h.call(t, other.body(t, MethodHandshake, map[string]any{"nonce": "nonce-replay-000001"})), CodeReplayDetected)
}

func TestConcurrentReplayAcceptsExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	body := agent.body(t, MethodHandshake, map[string]any{"nonce": "nonce-concurrent-01"})

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		replays  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.router.Handle(context.Background(), body)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case resp.Error == nil:
				accepted++
			case resp.Error.Code == CodeReplayDetected:
				replays++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
	require.Equal(t, workers-1, replays)
}

func TestTamperedSignatureRejected(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	impostor := newTestAgent(t, 1)

	// Signed by impostor but claiming agent's DID.
	resp := h.call(t, impostor.body(t, MethodHandshake, map[string]any{"from": agent.did}))
	requireCode(t, resp, CodeInvalidSignature)
}

func TestSignatureFailureDoesNotConsumeNonce(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	impostor := newTestAgent(t, 1)

	resp := h.call(t, impostor.body(t, MethodHandshake, map[string]any{
		"from":  agent.did,
		"nonce": "nonce-unconsumed-01",
	}))
	requireCode(t, resp, CodeInvalidSignature)

	resp = h.call(t, agent.body(t, MethodHandshake, map[string]any{"nonce": "nonce-unconsumed-01"}))
	require.Nil(t, resp.Error)
}

func TestRequestCancelAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 8453)

	proposal := h.requestPayment(t, agent, "12.50")
	require.Equal(t, "pending", proposal.Status)
	require.Equal(t, uint64(8453), proposal.ChainID)
	require.Equal(t, "USDC", proposal.Token)

	resp := h.call(t, agent.body(t, MethodCancelPayment, map[string]any{
		"request_id": proposal.RequestID,
	}))
	cancelled := requireResult[CancelResult](t, resp)
	require.True(t, cancelled.Cancelled)
	require.Equal(t, "cancelled", cancelled.Status)
	require.Equal(t, defaultCancelReason, cancelled.Reason)

	resp = h.call(t, agent.body(t, MethodPaymentStatus, map[string]any{
		"request_id": proposal.RequestID,
	}))
	status := requireResult[StatusResult](t, resp)
	require.True(t, status.Found)
	require.Equal(t, "rejected", status.Status)
	require.NotNil(t, status.RejectionReason)
	require.Equal(t, defaultCancelReason, *status.RejectionReason)

	// A second cancel reports the terminal state without mutating it.
	resp = h.call(t, agent.body(t, MethodCancelPayment, map[string]any{
		"request_id": proposal.RequestID,
		"reason":     "again",
	}))
	again := requireResult[CancelResult](t, resp)
	require.False(t, again.Cancelled)
	require.Equal(t, "rejected", again.Status)
	require.Equal(t, "cannot cancel payment in rejected status", again.Error)
}

func TestRequestPaymentUnsupportedToken(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	resp := h.call(t, agent.body(t, MethodRequestPayment, map[string]any{
		"to":     recipient,
		"amount": "1",
		"token":  "DOGE",
		"nonce":  "nonce-unsupported-token-1",
	}))
	requireCode(t, resp, CodeInternalError)
	require.Contains(t, resp.Error.Message, "unsupported token")

	var msg store.AgentMessage
	require.NoError(t, h.store.DB().First(&msg, "nonce = ?", "nonce-unsupported-token-1").Error)
	require.Equal(t, store.MessageFailed, msg.Status)
	require.NotNil(t, msg.ErrorMessage)
	require.Contains(t, *msg.ErrorMessage, "unsupported token")
	require.Equal(t, resp.Error.Message, *msg.ErrorMessage)
}

func TestProposalsAreScopedToOwner(t *testing.T) {
	h := newHarness(t, nil)
	owner := newTestAgent(t, 1)
	stranger := newTestAgent(t, 1)

	proposal := h.requestPayment(t, owner, "5")

	resp := h.call(t, stranger.body(t, MethodPaymentStatus, map[string]any{
		"request_id": proposal.RequestID,
	}))
	status := requireResult[StatusResult](t, resp)
	require.False(t, status.Found)
	require.Equal(t, "not_found", status.Status)

	resp = h.call(t, stranger.body(t, MethodCancelPayment, map[string]any{
		"request_id": proposal.RequestID,
	}))
	requireCode(t, resp, CodeInternalError)
	require.Equal(t, errProposalNotFound.Error(), resp.Error.Message)
}

func TestConfirmWithTxHashIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "3")

	confirm := func() ConfirmResult {
		resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{
			"request_id": proposal.RequestID,
			"tx_hash":    settledTx,
			"status":     "completed",
		}))
		return requireResult[ConfirmResult](t, resp)
	}
	first := confirm()
	require.Equal(t, "executed", first.Status)
	require.NotNil(t, first.TxHash)
	require.Equal(t, settledTx, *first.TxHash)

	second := confirm()
	require.Equal(t, "executed", second.Status)
	require.Equal(t, settledTx, *second.TxHash)

	payment, err := h.store.PaymentByTxHash(context.Background(), settledTx)
	require.NoError(t, err)
	require.Equal(t, "3", payment.Amount)

	resp := h.call(t, agent.body(t, MethodPaymentStatus, map[string]any{"tx_hash": settledTx}))
	status := requireResult[StatusResult](t, resp)
	require.Equal(t, "executed", status.Status)
	require.Equal(t, proposal.RequestID, status.RequestID)
	require.NotNil(t, status.ExecutedAt)

	resp = h.call(t, agent.body(t, MethodCancelPayment, map[string]any{"request_id": proposal.RequestID}))
	cancel := requireResult[CancelResult](t, resp)
	require.False(t, cancel.Cancelled)
	require.Equal(t, "cannot cancel payment in executed status", cancel.Error)
}

func TestConfirmPendingHashThenFailed(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "1")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{
		"request_id": proposal.RequestID,
		"tx_hash":    settledTx,
	}))
	require.Equal(t, "executing", requireResult[ConfirmResult](t, resp).Status)

	resp = h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{
		"request_id": proposal.RequestID,
		"tx_hash":    settledTx,
		"status":     "failed",
	}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "failed", res.Status)
	require.NotEmpty(t, res.Reason)
}

func TestConfirmWithoutExecutorMovesToExecuting(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "1")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{"request_id": proposal.RequestID}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "executing", res.Status)
	require.Nil(t, res.TxHash)
	require.NotEmpty(t, res.Message)
}

func TestConfirmExecutingRecordsReportedHash(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "1")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{"request_id": proposal.RequestID}))
	require.Equal(t, "executing", requireResult[ConfirmResult](t, resp).Status)

	resp = h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{
		"request_id": proposal.RequestID,
		"tx_hash":    settledTx,
	}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "executing", res.Status)
	require.NotNil(t, res.TxHash)
	require.Equal(t, settledTx, *res.TxHash)

	resp = h.call(t, agent.body(t, MethodPaymentStatus, map[string]any{"tx_hash": settledTx}))
	status := requireResult[StatusResult](t, resp)
	require.True(t, status.Found)
	require.Equal(t, proposal.RequestID, status.RequestID)
	require.Equal(t, "executing", status.Status)
}

func newGuard(t *testing.T, perTx string) *budget.Guard {
	t.Helper()
	limit, err := tokens.ParseUnits(perTx, 18)
	require.NoError(t, err)
	guard, err := budget.NewGuard([]budget.Policy{{
		Token:                  "USDC",
		MaxPerTransaction:      limit,
		MaxConsecutiveFailures: 2,
	}}, budget.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return guard
}

func TestAutoExecuteSettlesWithinBudget(t *testing.T) {
	var transfers []executor.TransferRequest
	h := newHarness(t, func(d *Dependencies) {
		d.Budget = newGuard(t, "100")
		d.Executor = executor.FuncExecutor{TransferFunc: func(_ context.Context, req executor.TransferRequest) (string, error) {
			transfers = append(transfers, req)
			return settledTx, nil
		}}
	})
	agent := newTestAgent(t, 8453)
	proposal := h.requestPayment(t, agent, "40")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{"request_id": proposal.RequestID}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "executed", res.Status)
	require.Equal(t, settledTx, *res.TxHash)

	require.Len(t, transfers, 1)
	require.Equal(t, recipient, transfers[0].To)
	require.Equal(t, "USDC", transfers[0].Token)
	require.Equal(t, uint64(8453), transfers[0].ChainID)

	_, err := h.store.PaymentByTxHash(context.Background(), settledTx)
	require.NoError(t, err)
}

func TestAutoExecuteBudgetDenialLeavesProposalPending(t *testing.T) {
	called := false
	h := newHarness(t, func(d *Dependencies) {
		d.Budget = newGuard(t, "10")
		d.Executor = executor.FuncExecutor{TransferFunc: func(context.Context, executor.TransferRequest) (string, error) {
			called = true
			return settledTx, nil
		}}
	})
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "25")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{"request_id": proposal.RequestID}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "rejected", res.Status)
	require.Contains(t, res.Reason, "per-transaction limit")
	require.False(t, called)

	id := uuid.MustParse(proposal.RequestID)
	stored, err := h.store.Proposal(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.ProposalPending, stored.Status)
}

func TestAutoExecuteTransferFailure(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Budget = newGuard(t, "100")
		d.Executor = executor.FuncExecutor{TransferFunc: func(context.Context, executor.TransferRequest) (string, error) {
			return "", errors.New("insufficient funds for gas")
		}}
	})
	agent := newTestAgent(t, 1)
	proposal := h.requestPayment(t, agent, "1")

	resp := h.call(t, agent.body(t, MethodConfirmPayment, map[string]any{"request_id": proposal.RequestID}))
	res := requireResult[ConfirmResult](t, resp)
	require.Equal(t, "failed", res.Status)
	require.Equal(t, "insufficient funds for gas", res.Reason)
}

func TestPaymentQuoteUsesFeeEstimator(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Fees = executor.FuncExecutor{FeeFunc: func(_ context.Context, req executor.TransferRequest) (executor.FeeQuote, error) {
			return executor.FeeQuote{GasLimit: 65000, GasPrice: "1000000000", Fee: "0.000065", FeeToken: "ETH"}, nil
		}}
	})
	agent := newTestAgent(t, 10)

	resp := h.call(t, agent.body(t, MethodPaymentQuote, map[string]any{
		"to":     recipient,
		"amount": "10",
		"token":  "usdt",
	}))
	quote := requireResult[QuoteResult](t, resp)
	require.Equal(t, uint64(10), quote.ChainID)
	require.Equal(t, "USDT", quote.Token)
	require.Equal(t, "0.000065", quote.NetworkFee)
	require.Equal(t, 60, quote.ValidForSeconds)
	require.Equal(t, fixedNow.Add(time.Minute).Format(time.RFC3339), quote.ExpiresAt)
	_, err := uuid.Parse(quote.QuoteID)
	require.NoError(t, err)
}

func TestMessagesAreRecorded(t *testing.T) {
	h := newHarness(t, nil)
	agent := newTestAgent(t, 1)

	resp := h.call(t, agent.body(t, MethodHandshake, map[string]any{"nonce": "nonce-audit-trail-1"}))
	require.Nil(t, resp.Error)

	var msg store.AgentMessage
	require.NoError(t, h.store.DB().First(&msg, "nonce = ?", "nonce-audit-trail-1").Error)
	require.Equal(t, store.MessageCompleted, msg.Status)
	require.Equal(t, string(MethodHandshake), msg.MessageType)
	require.Equal(t, agent.did, msg.FromDID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
	require.Equal(t, "nonce-audit-trail-1", payload["nonce"])
}
