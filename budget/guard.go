package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"a2apay/tokens"
)

// SpendRequest is a payment the guard is asked to approve.
type SpendRequest struct {
	AgentID      string
	OwnerAddress string
	Amount       string
	Token        string
	ChainID      uint64
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Reason  string
	// Remaining is the owner's remaining daily allowance in token units, empty when uncapped.
	Remaining string
}

type ownerKey struct {
	owner string
	token string
}

// Guard coordinates access to the configured spending limits.
type Guard struct {
	mu       sync.Mutex
	policies map[string]Policy
	totals   map[ownerKey]map[string]*uint256.Int
	failures map[ownerKey]int
	now      func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source used for daily buckets.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard constructs a guard for the supplied policies.
func NewGuard(policies []Policy, opts ...Option) (*Guard, error) {
	registry := make(map[string]Policy, len(policies))
	for _, policy := range policies {
		token := normalizeToken(policy.Token)
		if token == "" {
			return nil, fmt.Errorf("policy token required")
		}
		if _, exists := registry[token]; exists {
			return nil, fmt.Errorf("duplicate policy for token %s", token)
		}
		policy.Token = token
		if policy.MaxPerTransaction == nil {
			policy.MaxPerTransaction = new(uint256.Int)
		}
		if policy.DailyCap == nil {
			policy.DailyCap = new(uint256.Int)
		}
		registry[token] = policy
	}
	g := &Guard{
		policies: registry,
		totals:   make(map[ownerKey]map[string]*uint256.Int),
		failures: make(map[ownerKey]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Guard) policyFor(token string) (Policy, bool) {
	if p, ok := g.policies[tokens.NormalizeSymbol(token)]; ok {
		return p, true
	}
	p, ok := g.policies[WildcardToken]
	return p, ok
}

func (g *Guard) normalise(req SpendRequest) (ownerKey, *uint256.Int, error) {
	tok, err := tokens.Lookup(req.Token, req.ChainID)
	if err != nil {
		return ownerKey{}, nil, err
	}
	units, err := tokens.ParseUnits(req.Amount, tok.Decimals)
	if err != nil {
		return ownerKey{}, nil, err
	}
	key := ownerKey{owner: strings.ToLower(req.OwnerAddress), token: tok.Symbol}
	amount, err := tokens.Rescale(units, tok.Decimals, accountingDecimals)
	if err != nil {
		return key, nil, err
	}
	return key, amount, nil
}

// Check decides whether req fits within the owner's limits. An error is only
// returned for requests that cannot be evaluated at all.
func (g *Guard) Check(_ context.Context, req SpendRequest) (Decision, error) {
	key, amount, err := g.normalise(req)
	if errors.Is(err, tokens.ErrAmountOverflow) {
		return Decision{Reason: fmt.Sprintf("amount exceeds the accountable range for %s", key.token)}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("budget: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	policy, ok := g.policyFor(key.token)
	if !ok {
		return Decision{Reason: fmt.Sprintf("no budget policy for %s", key.token)}, nil
	}
	if amount.IsZero() {
		return Decision{Reason: "payment amount must be positive"}, nil
	}
	if policy.MaxConsecutiveFailures > 0 && g.failures[key] >= policy.MaxConsecutiveFailures {
		return Decision{Reason: fmt.Sprintf("auto-execution paused after %d consecutive failures", g.failures[key])}, nil
	}
	if !policy.MaxPerTransaction.IsZero() && amount.Gt(policy.MaxPerTransaction) {
		return Decision{Reason: fmt.Sprintf("amount exceeds per-transaction limit of %s %s",
			tokens.FormatUnits(policy.MaxPerTransaction, accountingDecimals), key.token)}, nil
	}
	if policy.DailyCap.IsZero() {
		return Decision{Allowed: true}, nil
	}
	remaining := g.remainingLocked(key, policy)
	if amount.Gt(remaining) {
		return Decision{
			Reason:    fmt.Sprintf("daily limit of %s %s exceeded", tokens.FormatUnits(policy.DailyCap, accountingDecimals), key.token),
			Remaining: tokens.FormatUnits(remaining, accountingDecimals),
		}, nil
	}
	left := new(uint256.Int).Sub(remaining, amount)
	return Decision{Allowed: true, Remaining: tokens.FormatUnits(left, accountingDecimals)}, nil
}

func (g *Guard) remainingLocked(key ownerKey, policy Policy) *uint256.Int {
	spent := g.totals[key][dayBucket(g.now())]
	switch {
	case spent == nil:
		return new(uint256.Int).Set(policy.DailyCap)
	case spent.Gt(policy.DailyCap):
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(policy.DailyCap, spent)
}

// RecordSuccess notes a settled payment against the owner's allowance and
// clears the failure streak.
func (g *Guard) RecordSuccess(_ context.Context, req SpendRequest) error {
	key, amount, err := g.normalise(req)
	if err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	day := dayBucket(g.now())
	buckets, ok := g.totals[key]
	if !ok {
		buckets = make(map[string]*uint256.Int)
		g.totals[key] = buckets
	}
	// Only the current bucket is ever read.
	for d := range buckets {
		if d != day {
			delete(buckets, d)
		}
	}
	if buckets[day] == nil {
		buckets[day] = new(uint256.Int)
	}
	if _, overflow := buckets[day].AddOverflow(buckets[day], amount); overflow {
		buckets[day].SetAllOne()
	}
	delete(g.failures, key)
	return nil
}

// RecordFailure extends the owner's failure streak for the token.
func (g *Guard) RecordFailure(_ context.Context, req SpendRequest) error {
	key := ownerKey{owner: strings.ToLower(req.OwnerAddress), token: tokens.NormalizeSymbol(req.Token)}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[key]++
	return nil
}

// Spent returns what owner has settled in token today, in token units.
func (g *Guard) Spent(owner, token string) string {
	key := ownerKey{owner: strings.ToLower(owner), token: tokens.NormalizeSymbol(token)}
	g.mu.Lock()
	defer g.mu.Unlock()
	return tokens.FormatUnits(g.totals[key][dayBucket(g.now())], accountingDecimals)
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
