package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageStatus tracks an inbound protocol message through processing.
type MessageStatus string

const (
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// ProposalStatus is a state in the payment proposal workflow.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalExecuting ProposalStatus = "executing"
	ProposalExecuted  ProposalStatus = "executed"
	ProposalFailed    ProposalStatus = "failed"
	ProposalRejected  ProposalStatus = "rejected"
)

var proposalEdges = map[ProposalStatus][]ProposalStatus{
	ProposalPending:   {ProposalExecuting, ProposalRejected},
	ProposalExecuting: {ProposalExecuted, ProposalFailed},
}

// CanTransition reports whether the workflow allows moving from one status to another.
func CanTransition(from, to ProposalStatus) bool {
	for _, next := range proposalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalExecuted || s == ProposalFailed || s == ProposalRejected
}

// AgentMessage is the audit record of an authenticated protocol message.
type AgentMessage struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	MessageType  string        `gorm:"size:64;index"`
	FromDID      string        `gorm:"size:128;index"`
	FromAddress  string        `gorm:"size:42;index"`
	Payload      string        `gorm:"type:text"`
	Signature    string        `gorm:"size:200"`
	Nonce        string        `gorm:"size:128;uniqueIndex"`
	Timestamp    time.Time     `gorm:"index"`
	Status       MessageStatus `gorm:"size:16;index"`
	ErrorMessage *string       `gorm:"type:text"`
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

// PaymentProposal is a payment an agent asked the platform to make.
type PaymentProposal struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AgentID          uuid.UUID      `gorm:"type:uuid;index"`
	OwnerAddress     string         `gorm:"size:42;index"`
	RecipientAddress string         `gorm:"size:42"`
	Amount           string         `gorm:"size:80"`
	Token            string         `gorm:"size:16"`
	ChainID          uint64         `gorm:"index"`
	Reason           string         `gorm:"size:256"`
	Metadata         string         `gorm:"type:text"`
	Status           ProposalStatus `gorm:"size:16;index"`
	TxHash           *string        `gorm:"size:66;index"`
	ExecutedAt       *time.Time
	RejectionReason  *string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProposalMetadata is the JSON document kept in PaymentProposal.Metadata.
type ProposalMetadata struct {
	Source      string `json:"source"`
	FromDID     string `json:"from_did"`
	Chain       string `json:"chain,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// SetMetadata encodes m into the proposal.
func (p *PaymentProposal) SetMetadata(m ProposalMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	p.Metadata = string(raw)
	return nil
}

// DecodeMetadata returns the decoded metadata document.
func (p *PaymentProposal) DecodeMetadata() (ProposalMetadata, error) {
	var m ProposalMetadata
	if p.Metadata == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(p.Metadata), &m)
	return m, err
}

// Payment records a settled on-chain transfer.
type Payment struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProposalID  *uuid.UUID `gorm:"type:uuid;index"`
	TxHash      string     `gorm:"size:66;uniqueIndex"`
	FromAddress string     `gorm:"size:42;index"`
	ToAddress   string     `gorm:"size:42;index"`
	Amount      string     `gorm:"size:80"`
	Token       string     `gorm:"size:16"`
	ChainID     uint64
	Status      string `gorm:"size:16"`
	CreatedAt   time.Time
}

// AutoMigrate applies schema migrations for the gateway tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AgentMessage{}, &PaymentProposal{}, &Payment{})
}
