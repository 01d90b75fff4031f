// Package a2a implements the agent-to-agent payment negotiation protocol: a
// signed JSON-RPC 2.0 message layer for requesting, quoting, confirming,
// querying and cancelling stablecoin payments.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jsonRPCVersion = "2.0"

// Method names one of the protocol operations.
type Method string

const (
	MethodHandshake      Method = "a2a.handshake"
	MethodRequestPayment Method = "a2a.requestPayment"
	MethodPaymentQuote   Method = "a2a.paymentQuote"
	MethodConfirmPayment Method = "a2a.confirmPayment"
	MethodPaymentStatus  Method = "a2a.paymentStatus"
	MethodCancelPayment  Method = "a2a.cancelPayment"
)

// Methods lists every protocol method.
func Methods() []Method {
	return []Method{
		MethodHandshake,
		MethodRequestPayment,
		MethodPaymentQuote,
		MethodConfirmPayment,
		MethodPaymentStatus,
		MethodCancelPayment,
	}
}

// JSON-RPC reserved and protocol-specific error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeInvalidSignature = -32001
	CodeReplayDetected   = -32002
	CodeTimestampExpired = -32003
	CodeAgentNotFound    = -32004
	CodePaymentFailed    = -32005
	CodeRateLimited      = -32006
)

// Request is an inbound JSON-RPC envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is an outbound JSON-RPC envelope. A nil ID encodes as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a: %d %s", e.Code, e.Message)
}

// NewError builds a protocol error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// FieldError describes one failed params constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func resultResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// ErrorResponse wraps err in a response envelope for transports that reject a
// message before it reaches the router.
func ErrorResponse(id json.RawMessage, err *Error) Response {
	return errorResponse(id, err)
}

func errorResponse(id json.RawMessage, err *Error) Response {
	return Response{JSONRPC: jsonRPCVersion, ID: id, Error: err}
}

// SecurityFields are carried by every method's params.
type SecurityFields struct {
	From      string `json:"from"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// Security exposes the embedded security fields.
func (s *SecurityFields) Security() *SecurityFields { return s }

// securedParams is implemented by every per-method params struct.
type securedParams interface {
	Security() *SecurityFields
}

// HandshakeParams opens a session-less exchange and advertises the caller.
type HandshakeParams struct {
	SecurityFields
	AgentCard *AgentCard `json:"agent_card,omitempty"`
	Protocols []string   `json:"protocols,omitempty"`
}

// RequestPaymentParams asks the platform to pay a recipient.
type RequestPaymentParams struct {
	SecurityFields
	To          string  `json:"to"`
	Amount      string  `json:"amount"`
	Token       string  `json:"token"`
	ChainID     *uint64 `json:"chain_id,omitempty"`
	Memo        *string `json:"memo,omitempty"`
	InvoiceID   *string `json:"invoice_id,omitempty"`
	CallbackURL *string `json:"callback_url,omitempty"`
}

// PaymentQuoteParams asks for a fee estimate.
type PaymentQuoteParams struct {
	SecurityFields
	To      string  `json:"to"`
	Amount  string  `json:"amount"`
	Token   string  `json:"token"`
	ChainID *uint64 `json:"chain_id,omitempty"`
}

// ConfirmStatus is the caller's view of an externally submitted transfer.
type ConfirmStatus string

const (
	ConfirmCompleted ConfirmStatus = "completed"
	ConfirmPending   ConfirmStatus = "pending"
	ConfirmFailed    ConfirmStatus = "failed"
)

// ConfirmPaymentParams approves a pending proposal.
type ConfirmPaymentParams struct {
	SecurityFields
	RequestID string         `json:"request_id"`
	TxHash    *string        `json:"tx_hash,omitempty"`
	Status    *ConfirmStatus `json:"status,omitempty"`
}

// PaymentStatusParams looks a payment up by proposal id or transaction hash.
type PaymentStatusParams struct {
	SecurityFields
	RequestID *string `json:"request_id,omitempty"`
	TxHash    *string `json:"tx_hash,omitempty"`
}

// CancelPaymentParams withdraws a pending proposal.
type CancelPaymentParams struct {
	SecurityFields
	RequestID string  `json:"request_id"`
	Reason    *string `json:"reason,omitempty"`
}

// Call carries the authenticated context of a message into its handler.
type Call struct {
	Method      Method
	MessageID   uuid.UUID
	FromDID     string
	FromAddress string
	Received    time.Time
}
