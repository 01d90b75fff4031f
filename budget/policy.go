// Package budget enforces per-owner spending limits on agent-initiated payments.
package budget

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"a2apay/tokens"
)

// WildcardToken selects the policy applied to tokens without their own entry.
const WildcardToken = "*"

// accountingDecimals is the precision every amount is normalised to before comparison.
const accountingDecimals = 18

// ErrPolicyNotFound indicates that no policy covers the requested token.
var ErrPolicyNotFound = errors.New("budget: policy not found")

// Policy captures spending rules for a single token. Zero limits are unlimited.
type Policy struct {
	Token                  string
	MaxPerTransaction      *uint256.Int
	DailyCap               *uint256.Int
	MaxConsecutiveFailures int
}

type policyFile struct {
	Token                  string `yaml:"token"`
	MaxPerTransaction      string `yaml:"max_per_transaction"`
	DailyCap               string `yaml:"daily_cap"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
}

// LoadPolicies reads policies from a YAML list on disk. Amounts are human
// decimal strings in token units ("250.5").
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	var entries []policyFile
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	policies := make([]Policy, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		token := normalizeToken(entry.Token)
		if token == "" {
			return nil, fmt.Errorf("policy token required")
		}
		if _, exists := seen[token]; exists {
			return nil, fmt.Errorf("duplicate policy for token %s", token)
		}
		perTx, err := parseLimit(entry.MaxPerTransaction)
		if err != nil {
			return nil, fmt.Errorf("token %s max_per_transaction: %w", token, err)
		}
		dailyCap, err := parseLimit(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("token %s daily_cap: %w", token, err)
		}
		if entry.MaxConsecutiveFailures < 0 {
			return nil, fmt.Errorf("token %s max_consecutive_failures must be non-negative", token)
		}
		policies = append(policies, Policy{
			Token:                  token,
			MaxPerTransaction:      perTx,
			DailyCap:               dailyCap,
			MaxConsecutiveFailures: entry.MaxConsecutiveFailures,
		})
		seen[token] = struct{}{}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Token < policies[j].Token })
	return policies, nil
}

func parseLimit(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return tokens.ParseUnits(trimmed, accountingDecimals)
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if token == WildcardToken {
		return token
	}
	return tokens.NormalizeSymbol(token)
}
