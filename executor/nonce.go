package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type nonceKey struct {
	chainID uint64
	account common.Address
}

// nonceSlot serialises broadcasts for one sender on one chain. lock is a
// one-slot semaphore so waiters can give up when their context ends.
type nonceSlot struct {
	lock  chan struct{}
	next  uint64
	known bool
}

// NonceManager hands out account nonces per chain and sender. A nonce is held
// from Acquire until its release func runs, so concurrent transfers never sign
// with the same nonce.
type NonceManager struct {
	mu    sync.Mutex
	slots map[nonceKey]*nonceSlot
}

func NewNonceManager() *NonceManager {
	return &NonceManager{slots: make(map[nonceKey]*nonceSlot)}
}

func (m *NonceManager) slot(key nonceKey) *nonceSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &nonceSlot{lock: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	return s
}

// Acquire reserves the next nonce for account on chainID. The pending nonce
// reported by the node wins when it is ahead of the local counter. release
// must be called exactly once: with true when the transaction was accepted
// by the node, with false otherwise.
func (m *NonceManager) Acquire(ctx context.Context, chainID uint64, account common.Address, backend Backend) (uint64, func(sent bool), error) {
	s := m.slot(nonceKey{chainID: chainID, account: account})
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	pending, err := backend.PendingNonceAt(ctx, account)
	if err != nil {
		<-s.lock
		return 0, nil, fmt.Errorf("executor: pending nonce: %w", err)
	}
	nonce := pending
	if s.known && s.next > nonce {
		nonce = s.next
	}
	release := func(sent bool) {
		if sent {
			s.next = nonce + 1
			s.known = true
		}
		<-s.lock
	}
	return nonce, release, nil
}

// Reset drops the local counter so the next Acquire trusts the node again.
// Callers hold no nonce for the key when they call it.
func (m *NonceManager) Reset(chainID uint64, account common.Address) {
	s := m.slot(nonceKey{chainID: chainID, account: account})
	s.lock <- struct{}{}
	s.next, s.known = 0, false
	<-s.lock
}

func isNonceError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce")
}
