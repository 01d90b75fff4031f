package a2a

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"a2apay/budget"
	"a2apay/executor"
	"a2apay/identity"
	"a2apay/observability"
	"a2apay/store"
	"a2apay/tokens"
)

var errProposalNotFound = errors.New("payment request not found")

const defaultCancelReason = "Cancelled by agent"

// ProposalResult is returned by requestPayment.
type ProposalResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	ChainID   uint64 `json:"chain_id"`
	To        string `json:"to"`
	CreatedAt string `json:"created_at"`
}

// QuoteResult is a time-boxed fee estimate.
type QuoteResult struct {
	QuoteID         string `json:"quote_id"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	Token           string `json:"token"`
	ChainID         uint64 `json:"chain_id"`
	NetworkFee      string `json:"network_fee"`
	FeeToken        string `json:"fee_token"`
	GasLimit        uint64 `json:"gas_limit"`
	GasPrice        string `json:"gas_price"`
	ExpiresAt       string `json:"expires_at"`
	ValidForSeconds int    `json:"valid_for_seconds"`
}

// StatusResult reports a proposal or settled payment.
type StatusResult struct {
	Found           bool    `json:"found"`
	RequestID       string  `json:"request_id,omitempty"`
	Status          string  `json:"status"`
	TxHash          *string `json:"tx_hash,omitempty"`
	Amount          string  `json:"amount,omitempty"`
	Token           string  `json:"token,omitempty"`
	ChainID         uint64  `json:"chain_id,omitempty"`
	To              string  `json:"to,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	ExecutedAt      *string `json:"executed_at,omitempty"`
	CreatedAt       string  `json:"created_at,omitempty"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
}

// ConfirmResult reports the outcome of confirmPayment.
type ConfirmResult struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	TxHash    *string `json:"tx_hash,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// CancelResult reports the outcome of cancelPayment.
type CancelResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// resolveChain picks the explicit chain id, then the DID's chain, then the default.
func resolveChain(explicit *uint64, did string) uint64 {
	if explicit != nil && *explicit > 0 {
		return *explicit
	}
	if id, ok := identity.ChainIDFromDID(did); ok && id > 0 {
		return id
	}
	return identity.DefaultChainID
}

func (r *Router) requestPayment(ctx context.Context, call *Call, params *RequestPaymentParams) (any, error) {
	chainID := resolveChain(params.ChainID, call.FromDID)
	tok, err := tokens.Lookup(params.Token, chainID)
	if err != nil {
		return nil, err
	}
	units, err := tokens.ParseUnits(params.Amount, tok.Decimals)
	if err != nil {
		return nil, err
	}
	if units.IsZero() {
		return nil, errors.New("payment amount must be positive")
	}
	chain, err := tokens.ChainByID(chainID)
	if err != nil {
		return nil, err
	}

	p := &store.PaymentProposal{
		AgentID:          call.MessageID,
		OwnerAddress:     call.FromAddress,
		RecipientAddress: params.To,
		Amount:           params.Amount,
		Token:            tok.Symbol,
		ChainID:          chainID,
	}
	if params.Memo != nil {
		p.Reason = *params.Memo
	}
	meta := store.ProposalMetadata{Source: "a2a", FromDID: call.FromDID, Chain: chain.Name}
	if params.InvoiceID != nil {
		meta.InvoiceID = *params.InvoiceID
	}
	if params.CallbackURL != nil {
		meta.CallbackURL = *params.CallbackURL
	}
	if err := p.SetMetadata(meta); err != nil {
		return nil, err
	}
	if err := r.deps.Proposals.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	observability.Events().RecordTransition(string(store.ProposalPending))
	return ProposalResult{
		RequestID: p.ID.String(),
		Status:    string(p.Status),
		Amount:    p.Amount,
		Token:     p.Token,
		ChainID:   p.ChainID,
		To:        p.RecipientAddress,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (r *Router) paymentQuote(ctx context.Context, call *Call, params *PaymentQuoteParams) (any, error) {
	chainID := resolveChain(params.ChainID, call.FromDID)
	tok, err := tokens.Lookup(params.Token, chainID)
	if err != nil {
		return nil, err
	}
	if _, err := tokens.ParseUnits(params.Amount, tok.Decimals); err != nil {
		return nil, err
	}
	fee, err := r.deps.Fees.EstimateFee(ctx, executor.TransferRequest{
		To:      params.To,
		Amount:  params.Amount,
		Token:   tok.Symbol,
		ChainID: chainID,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}
	return QuoteResult{
		QuoteID:         uuid.NewString(),
		To:              strings.ToLower(params.To),
		Amount:          params.Amount,
		Token:           tok.Symbol,
		ChainID:         chainID,
		NetworkFee:      fee.Fee,
		FeeToken:        fee.FeeToken,
		GasLimit:        fee.GasLimit,
		GasPrice:        fee.GasPrice,
		ExpiresAt:       r.now().Add(r.cfg.QuoteTTL).UTC().Format(time.RFC3339),
		ValidForSeconds: int(r.cfg.QuoteTTL / time.Second),
	}, nil
}

// ownedProposal loads a proposal visible to the caller. Other owners' proposals
// are reported as missing.
func (r *Router) ownedProposal(ctx context.Context, call *Call, requestID string) (*store.PaymentProposal, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, errProposalNotFound
	}
	p, err := r.deps.Proposals.Proposal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(p.OwnerAddress, call.FromAddress) {
		return nil, errProposalNotFound
	}
	return p, nil
}

func proposalStatus(p *store.PaymentProposal) StatusResult {
	res := StatusResult{
		Found:           true,
		RequestID:       p.ID.String(),
		Status:          string(p.Status),
		TxHash:          p.TxHash,
		Amount:          p.Amount,
		Token:           p.Token,
		ChainID:         p.ChainID,
		To:              p.RecipientAddress,
		RejectionReason: p.RejectionReason,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.ExecutedAt != nil {
		executed := p.ExecutedAt.UTC().Format(time.RFC3339)
		res.ExecutedAt = &executed
	}
	return res
}

func notFound() StatusResult {
	return StatusResult{Found: false, Status: "not_found"}
}

func (r *Router) paymentStatus(ctx context.Context, call *Call, params *PaymentStatusParams) (any, error) {
	if params.RequestID != nil {
		p, err := r.ownedProposal(ctx, call, *params.RequestID)
		if errors.Is(err, errProposalNotFound) {
			return notFound(), nil
		}
		if err != nil {
			return nil, err
		}
		return proposalStatus(p), nil
	}
	if params.TxHash == nil {
		return notFound(), nil
	}
	hash := *params.TxHash
	p, err := r.deps.Proposals.ProposalByTxHash(ctx, hash)
	switch {
	case err == nil && strings.EqualFold(p.OwnerAddress, call.FromAddress):
		return proposalStatus(p), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	payment, err := r.deps.Proposals.PaymentByTxHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(), nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(payment.FromAddress, call.FromAddress) && !strings.EqualFold(payment.ToAddress, call.FromAddress) {
		return notFound(), nil
	}
	txHash := payment.TxHash
	res := StatusResult{
		Found:     true,
		Status:    payment.Status,
		TxHash:    &txHash,
		Amount:    payment.Amount,
		Token:     payment.Token,
		ChainID:   payment.ChainID,
		To:        payment.ToAddress,
		CreatedAt: payment.CreatedAt.UTC().Format(time.RFC3339),
	}
	if payment.ProposalID != nil {
		res.RequestID = payment.ProposalID.String()
	}
	return res, nil
}

func (r *Router) transition(ctx context.Context, p *store.PaymentProposal, t store.Transition) (*store.PaymentProposal, error) {
	out, err := r.deps.Proposals.TransitionProposal(ctx, p.ID, t)
	if err != nil {
		return nil, err
	}
	for _, s := range t.Path {
		observability.Events().RecordTransition(string(s))
	}
	return out, nil
}

func confirmResult(p *store.PaymentProposal, message string) ConfirmResult {
	res := ConfirmResult{RequestID: p.ID.String(), Status: string(p.Status), TxHash: p.TxHash, Message: message}
	if p.RejectionReason != nil {
		res.Reason = *p.RejectionReason
	}
	return res
}

func (r *Router) confirmPayment(ctx context.Context, call *Call, params *ConfirmPaymentParams) (any, error) {
	p, err := r.ownedProposal(ctx, call, params.RequestID)
	if err != nil {
		return nil, err
	}
	// Confirmations of settled proposals are idempotent.
	if p.Status.Terminal() {
		return confirmResult(p, fmt.Sprintf("payment already %s", p.Status)), nil
	}
	if params.TxHash != nil {
		return r.confirmWithHash(ctx, p, *params.TxHash, params.Status)
	}
	if p.Status == store.ProposalExecuting {
		return confirmResult(p, "payment is already executing"), nil
	}
	if r.deps.Executor == nil {
		out, err := r.transition(ctx, p, store.Transition{Path: []store.ProposalStatus{store.ProposalExecuting}})
		if err != nil {
			return nil, err
		}
		return confirmResult(out, "submit the transaction and confirm again with tx_hash"), nil
	}
	return r.autoExecute(ctx, p)
}

func (r *Router) confirmWithHash(ctx context.Context, p *store.PaymentProposal, txHash string, status *ConfirmStatus) (any, error) {
	reported := ConfirmPending
	if status != nil {
		reported = *status
	}
	var path []store.ProposalStatus
	if p.Status == store.ProposalPending {
		path = append(path, store.ProposalExecuting)
	}
	t := store.Transition{TxHash: txHash}
	switch reported {
	case ConfirmCompleted:
		path = append(path, store.ProposalExecuted)
	case ConfirmFailed:
		path = append(path, store.ProposalFailed)
		t.RejectionReason = "transaction reported failed by agent"
	}
	if len(path) == 0 {
		if p.TxHash != nil && strings.EqualFold(*p.TxHash, txHash) {
			return confirmResult(p, "payment is already executing"), nil
		}
		out, err := r.deps.Proposals.TransitionProposal(ctx, p.ID, t)
		if err != nil {
			return nil, err
		}
		return confirmResult(out, "payment is already executing"), nil
	}
	t.Path = path
	out, err := r.transition(ctx, p, t)
	if err != nil {
		return nil, err
	}
	return confirmResult(out, ""), nil
}

func (r *Router) autoExecute(ctx context.Context, p *store.PaymentProposal) (any, error) {
	spend := budget.SpendRequest{
		AgentID:      p.AgentID.String(),
		OwnerAddress: p.OwnerAddress,
		Amount:       p.Amount,
		Token:        p.Token,
		ChainID:      p.ChainID,
	}
	decision, err := r.deps.Budget.Check(ctx, spend)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		observability.Settlement().RecordBudgetDenial(p.Token)
		r.logger.Info("budget guard denied payment", "request_id", p.ID, "reason", decision.Reason)
		return ConfirmResult{RequestID: p.ID.String(), Status: string(store.ProposalRejected), Reason: decision.Reason}, nil
	}

	executing, err := r.transition(ctx, p, store.Transition{Path: []store.ProposalStatus{store.ProposalExecuting}})
	if err != nil {
		return nil, err
	}

	start := r.now()
	txHash, execErr := r.deps.Executor.Transfer(ctx, executor.TransferRequest{
		To:      executing.RecipientAddress,
		Amount:  executing.Amount,
		Token:   executing.Token,
		ChainID: executing.ChainID,
	})
	observability.Settlement().RecordExecution(executing.Token, execErr == nil, r.now().Sub(start))

	// Bookkeeping after a broadcast must not be abandoned with the request.
	ctx = context.WithoutCancel(ctx)
	if execErr != nil {
		if err := r.deps.Budget.RecordFailure(ctx, spend); err != nil {
			r.logger.Error("record budget failure", "error", err, "request_id", p.ID)
		}
		failed, err := r.transition(ctx, executing, store.Transition{
			Path:            []store.ProposalStatus{store.ProposalFailed},
			RejectionReason: execErr.Error(),
		})
		if err != nil {
			return nil, err
		}
		r.logger.Warn("auto-execution failed", "request_id", p.ID, "error", execErr)
		return confirmResult(failed, ""), nil
	}
	executed, err := r.transition(ctx, executing, store.Transition{
		Path:   []store.ProposalStatus{store.ProposalExecuted},
		TxHash: txHash,
	})
	if err != nil {
		return nil, err
	}
	if err := r.deps.Budget.RecordSuccess(ctx, spend); err != nil {
		r.logger.Error("record budget success", "error", err, "request_id", p.ID)
	}
	return confirmResult(executed, ""), nil
}

func (r *Router) cancelPayment(ctx context.Context, call *Call, params *CancelPaymentParams) (any, error) {
	p, err := r.ownedProposal(ctx, call, params.RequestID)
	if err != nil {
		return nil, err
	}
	if p.Status != store.ProposalPending {
		return CancelResult{
			RequestID: p.ID.String(),
			Status:    string(p.Status),
			Error:     fmt.Sprintf("cannot cancel payment in %s status", p.Status),
		}, nil
	}
	reason := defaultCancelReason
	if params.Reason != nil && strings.TrimSpace(*params.Reason) != "" {
		reason = *params.Reason
	}
	_, err = r.transition(ctx, p, store.Transition{
		Path:            []store.ProposalStatus{store.ProposalRejected},
		RejectionReason: reason,
	})
	var te *store.TransitionError
	if errors.As(err, &te) {
		// Lost a race with a concurrent confirm.
		return CancelResult{
			RequestID: p.ID.String(),
			Status:    string(te.From),
			Error:     fmt.Sprintf("cannot cancel payment in %s status", te.From),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return CancelResult{RequestID: p.ID.String(), Status: "cancelled", Cancelled: true, Reason: reason}, nil
}
