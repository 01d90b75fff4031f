package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateProposal inserts a new proposal in the pending state.
func (s *Store) CreateProposal(ctx context.Context, p *PaymentProposal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = ProposalPending
	p.OwnerAddress = strings.ToLower(p.OwnerAddress)
	p.RecipientAddress = strings.ToLower(p.RecipientAddress)
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("store: create proposal: %w", err)
	}
	return nil
}

// Proposal loads a proposal by id.
func (s *Store) Proposal(ctx context.Context, id uuid.UUID) (*PaymentProposal, error) {
	var p PaymentProposal
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ProposalByTxHash loads the proposal carrying hash.
func (s *Store) ProposalByTxHash(ctx context.Context, hash string) (*PaymentProposal, error) {
	var p PaymentProposal
	err := s.db.WithContext(ctx).Where("tx_hash = ?", strings.ToLower(hash)).Order("created_at desc").First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Transition describes a sequence of proposal state changes applied atomically.
type Transition struct {
	// Path lists the statuses to move through in order; every edge is checked.
	Path            []ProposalStatus
	TxHash          string
	RejectionReason string
}

// TransitionProposal applies t to the proposal under a row lock. Reaching
// executed with a transaction hash also records the settled Payment. An empty
// path only attaches TxHash to an executing proposal.
func (s *Store) TransitionProposal(ctx context.Context, id uuid.UUID, t Transition) (*PaymentProposal, error) {
	if len(t.Path) == 0 && t.TxHash == "" {
		return nil, errors.New("store: empty transition path")
	}
	var out PaymentProposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		current := out.Status
		if len(t.Path) == 0 && current != ProposalExecuting {
			return &TransitionError{From: current, To: current}
		}
		for _, next := range t.Path {
			if !CanTransition(current, next) {
				return &TransitionError{From: current, To: next}
			}
			current = next
		}
		now := s.now().UTC()
		out.Status = current
		if t.TxHash != "" {
			hash := strings.ToLower(t.TxHash)
			out.TxHash = &hash
		}
		if t.RejectionReason != "" {
			reason := t.RejectionReason
			out.RejectionReason = &reason
		}
		if current == ProposalExecuted {
			out.ExecutedAt = &now
		}
		if err := tx.Save(&out).Error; err != nil {
			return err
		}
		if current == ProposalExecuted && out.TxHash != nil {
			pid := out.ID
			payment := Payment{
				ID:          uuid.New(),
				ProposalID:  &pid,
				TxHash:      *out.TxHash,
				FromAddress: out.OwnerAddress,
				ToAddress:   out.RecipientAddress,
				Amount:      out.Amount,
				Token:       out.Token,
				ChainID:     out.ChainID,
				Status:      string(ProposalExecuted),
			}
			if err := createPayment(tx, &payment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
