package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"a2apay/budget"
	"a2apay/executor"
	"a2apay/observability"
	"a2apay/observability/logging"
	"a2apay/store"
)

// MessageStore persists the audit trail of authenticated messages.
type MessageStore interface {
	NonceLookup
	CreateMessage(ctx context.Context, msg *store.AgentMessage) error
	FinishMessage(ctx context.Context, id uuid.UUID, status store.MessageStatus, errMsg string) error
}

// ProposalStore persists payment proposals and settled payments.
type ProposalStore interface {
	CreateProposal(ctx context.Context, p *store.PaymentProposal) error
	Proposal(ctx context.Context, id uuid.UUID) (*store.PaymentProposal, error)
	ProposalByTxHash(ctx context.Context, hash string) (*store.PaymentProposal, error)
	TransitionProposal(ctx context.Context, id uuid.UUID, t store.Transition) (*store.PaymentProposal, error)
	PaymentByTxHash(ctx context.Context, hash string) (*store.Payment, error)
}

// BudgetGuard approves autonomous spend and keeps its own accounting.
type BudgetGuard interface {
	Check(ctx context.Context, req budget.SpendRequest) (budget.Decision, error)
	RecordSuccess(ctx context.Context, req budget.SpendRequest) error
	RecordFailure(ctx context.Context, req budget.SpendRequest) error
}

// Config carries the router's tunables.
type Config struct {
	ReplayWindow time.Duration
	QuoteTTL     time.Duration
	Platform     PlatformInfo
	// PlatformCard overrides the derived card, e.g. with a signed copy.
	PlatformCard *AgentCard
}

// Dependencies are the router's collaborators. Executor is optional; when it
// is set Budget must be set too.
type Dependencies struct {
	Messages  MessageStore
	Proposals ProposalStore
	Verifier  Verifier
	Budget    BudgetGuard
	Executor  executor.Executor
	Fees      executor.FeeEstimator
	Logger    *slog.Logger
	Clock     func() time.Time
}

type binding struct {
	decode func(raw json.RawMessage) (securedParams, error)
	handle func(ctx context.Context, call *Call, params securedParams) (any, error)
}

// bind pairs a method with its typed handler.
func bind[P any, PP interface {
	*P
	securedParams
}](handler func(ctx context.Context, call *Call, params PP) (any, error)) binding {
	return binding{
		decode: func(raw json.RawMessage) (securedParams, error) {
			params := PP(new(P))
			if err := json.Unmarshal(raw, params); err != nil {
				return nil, err
			}
			return params, nil
		},
		handle: func(ctx context.Context, call *Call, params securedParams) (any, error) {
			typed, ok := params.(PP)
			if !ok {
				return nil, fmt.Errorf("unexpected params type %T", params)
			}
			return handler(ctx, call, typed)
		},
	}
}

// Router validates, authenticates, records and dispatches protocol messages.
type Router struct {
	cfg      Config
	deps     Dependencies
	schemas  *schemaSet
	replay   *ReplayGuard
	bindings map[Method]binding
	card     AgentCard
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewRouter builds a router. It fails if any method lacks a schema or handler.
func NewRouter(cfg Config, deps Dependencies) (*Router, error) {
	if deps.Messages == nil || deps.Proposals == nil {
		return nil, errors.New("a2a: message and proposal stores are required")
	}
	if deps.Executor != nil && deps.Budget == nil {
		return nil, errors.New("a2a: auto-execution requires a budget guard")
	}
	if deps.Verifier == nil {
		deps.Verifier = EIP191Verifier{}
	}
	if deps.Fees == nil {
		deps.Fees = executor.StaticFees{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 60 * time.Second
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	r := &Router{
		cfg:     cfg,
		deps:    deps,
		schemas: schemas,
		replay:  NewReplayGuard(cfg.ReplayWindow, deps.Messages, deps.Clock),
		logger:  deps.Logger.With("component", "a2a"),
		tracer:  otel.Tracer("a2apay/a2a"),
		now:     deps.Clock,
	}
	if cfg.PlatformCard != nil {
		r.card = *cfg.PlatformCard
	} else {
		r.card = PlatformCard(cfg.Platform)
	}
	r.bindings = map[Method]binding{
		MethodHandshake:      bind(r.handshake),
		MethodRequestPayment: bind(r.requestPayment),
		MethodPaymentQuote:   bind(r.paymentQuote),
		MethodConfirmPayment: bind(r.confirmPayment),
		MethodPaymentStatus:  bind(r.paymentStatus),
		MethodCancelPayment:  bind(r.cancelPayment),
	}
	for _, method := range Methods() {
		if _, ok := r.bindings[method]; !ok {
			return nil, fmt.Errorf("a2a: no handler bound for %s", method)
		}
	}
	return r, nil
}

// Card returns the platform agent card.
func (r *Router) Card() AgentCard { return r.card }

// Handle processes one raw JSON-RPC message and always returns a response.
func (r *Router) Handle(ctx context.Context, body []byte) Response {
	start := r.now()
	resp, method := r.handle(ctx, body)
	code := ""
	if resp.Error != nil {
		code = strconv.Itoa(resp.Error.Code)
	}
	observability.Protocol().Observe(string(method), code, r.now().Sub(start))
	return resp
}

func (r *Router) handle(ctx context.Context, body []byte) (Response, Method) {
	raw, err := decodeValue(body)
	if err != nil {
		return errorResponse(nil, NewError(CodeParseError, "Parse error", nil)), ""
	}
	if fieldErrs := validate(r.schemas.envelope, raw); fieldErrs != nil {
		return errorResponse(nil, NewError(CodeInvalidRequest, "Invalid Request", fieldErrs)), ""
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, NewError(CodeInvalidRequest, "Invalid Request", nil)), ""
	}

	ctx, span := r.tracer.Start(ctx, string(req.Method), trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", string(req.Method)),
	))
	defer span.End()

	result, rpcErr := r.process(ctx, &req)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
		return errorResponse(req.ID, rpcErr), req.Method
	}
	return resultResponse(req.ID, result), req.Method
}

func (r *Router) process(ctx context.Context, req *Request) (any, *Error) {
	b, ok := r.bindings[req.Method]
	if !ok {
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
	schema := r.schemas.params[req.Method]

	rawParams, err := decodeValue(req.Params)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "Invalid params", nil)
	}
	if fieldErrs := validate(schema, rawParams); fieldErrs != nil {
		return nil, NewError(CodeInvalidParams, "Invalid params", fieldErrs)
	}
	params, err := b.decode(req.Params)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "Invalid params", []FieldError{{Field: "params", Message: err.Error()}})
	}
	sec := params.Security()
	log := r.logger.With("method", req.Method, "from", sec.From, "nonce", sec.Nonce)

	ts, err := r.replay.CheckTimestamp(sec.Timestamp)
	if err != nil {
		r.security(log, "timestamp_rejected", err)
		return nil, NewError(CodeTimestampExpired, err.Error(), nil)
	}
	if err := r.replay.CheckNonce(ctx, sec.Nonce); err != nil {
		if errors.Is(err, ErrNonceReused) {
			r.security(log, "replay_detected", err)
			return nil, NewError(CodeReplayDetected, "Replay detected: nonce already used", nil)
		}
		log.Error("nonce lookup failed", "error", err)
		return nil, NewError(CodeInternalError, "Internal error", nil)
	}
	address, ok := VerifyParams(r.deps.Verifier, log, sec.From, req.Params)
	if !ok {
		r.security(log, "invalid_signature", nil, logging.MaskHex("signature", sec.Signature))
		return nil, NewError(CodeInvalidSignature, "Invalid signature", nil)
	}

	payload, err := compactJSON(req.Params)
	if err != nil {
		return nil, NewError(CodeInternalError, "Internal error", nil)
	}
	msg := &store.AgentMessage{
		ID:          uuid.New(),
		MessageType: string(req.Method),
		FromDID:     sec.From,
		FromAddress: address,
		Payload:     payload,
		Signature:   sec.Signature,
		Nonce:       sec.Nonce,
		Timestamp:   ts.UTC(),
		Status:      store.MessageProcessing,
	}
	if err := r.deps.Messages.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateNonce) {
			r.security(log, "replay_detected", err)
			return nil, NewError(CodeReplayDetected, "Replay detected: nonce already used", nil)
		}
		log.Error("persist message failed", "error", err)
		return nil, NewError(CodeInternalError, "Internal error", nil)
	}

	call := &Call{
		Method:      req.Method,
		MessageID:   msg.ID,
		FromDID:     sec.From,
		FromAddress: address,
		Received:    r.now().UTC(),
	}
	result, handlerErr := b.handle(ctx, call, params)

	// The message outcome is recorded even if the caller has gone away.
	finishCtx := context.WithoutCancel(ctx)
	if handlerErr != nil {
		log.Error("handler failed", "error", handlerErr, "message_id", msg.ID)
		if err := r.deps.Messages.FinishMessage(finishCtx, msg.ID, store.MessageFailed, handlerErr.Error()); err != nil {
			log.Error("record message failure", "error", err, "message_id", msg.ID)
		}
		return nil, NewError(CodeInternalError, handlerErr.Error(), nil)
	}
	if err := r.deps.Messages.FinishMessage(finishCtx, msg.ID, store.MessageCompleted, ""); err != nil {
		log.Error("record message completion", "error", err, "message_id", msg.ID)
	}
	log.Info("message processed", "message_id", msg.ID)
	return result, nil
}

func (r *Router) security(log *slog.Logger, reason string, err error, args ...any) {
	observability.Events().RecordSecurity(reason)
	if err != nil {
		args = append(args, "error", err)
	}
	logging.Security(log, reason, args...)
}

func compactJSON(raw []byte) (string, error) {
	var v json.RawMessage
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	return string(out), err
}
