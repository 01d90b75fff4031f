package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordPayment stores a settled transfer. A repeated hash returns ErrDuplicatePayment.
func (s *Store) RecordPayment(ctx context.Context, p *Payment) error {
	return createPayment(s.db.WithContext(ctx), p)
}

func createPayment(db *gorm.DB, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.TxHash = strings.ToLower(p.TxHash)
	p.FromAddress = strings.ToLower(p.FromAddress)
	p.ToAddress = strings.ToLower(p.ToAddress)
	err := db.Create(p).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicatePayment
	}
	return err
}

// PaymentByTxHash loads a settled payment.
func (s *Store) PaymentByTxHash(ctx context.Context, hash string) (*Payment, error) {
	var p Payment
	if err := s.db.WithContext(ctx).First(&p, "tx_hash = ?", strings.ToLower(hash)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
