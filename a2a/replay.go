package a2a

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultReplayWindow bounds how far a message timestamp may drift from the server clock.
const DefaultReplayWindow = 300 * time.Second

var (
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrTimestampWindow  = errors.New("timestamp outside replay window")
	ErrNonceReused      = errors.New("nonce already used")
)

// NonceLookup reports whether a nonce has already been accepted.
type NonceLookup interface {
	NonceExists(ctx context.Context, nonce string) (bool, error)
}

// ReplayGuard rejects stale, future-dated and reused messages.
type ReplayGuard struct {
	window time.Duration
	nonces NonceLookup
	now    func() time.Time
}

// NewReplayGuard constructs a guard. A non-positive window selects DefaultReplayWindow.
func NewReplayGuard(window time.Duration, nonces NonceLookup, now func() time.Time) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{window: window, nonces: nonces, now: now}
}

// Window returns the configured freshness window.
func (g *ReplayGuard) Window() time.Duration { return g.window }

// CheckTimestamp parses an RFC 3339 timestamp and requires |now - ts| <= window.
func (g *ReplayGuard) CheckTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, ErrInvalidTimestamp
	}
	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return time.Time{}, fmt.Errorf("%w of %s", ErrTimestampWindow, g.window)
	}
	return ts, nil
}

// CheckNonce is the advisory lookup performed before insertion. The storage
// uniqueness constraint remains authoritative.
func (g *ReplayGuard) CheckNonce(ctx context.Context, nonce string) error {
	if g.nonces == nil {
		return nil
	}
	used, err := g.nonces.NonceExists(ctx, nonce)
	if err != nil {
		return fmt.Errorf("nonce lookup: %w", err)
	}
	if used {
		return ErrNonceReused
	}
	return nil
}
