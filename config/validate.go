package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"a2apay/tokens"
)

var ErrExecutorWithoutBudget = errors.New("executor.key_ref requires budget.policy_file")

// Validate checks the configuration for internal consistency.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL")
	}
	if base.Scheme != "https" && !isDevEnv(cfg.Env) {
		return fmt.Errorf("base_url must use https outside the dev environment")
	}
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn required")
	}
	if w := cfg.Protocol.ReplayWindow.Duration; w < time.Second || w > time.Hour {
		return fmt.Errorf("protocol.replay_window must be between 1s and 1h")
	}
	if cfg.Protocol.QuoteTTL.Duration <= 0 {
		return fmt.Errorf("protocol.quote_ttl must be positive")
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RatePerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rate_per_second and rate_limit.burst must be positive")
	}
	if cfg.AutoExecute() {
		if strings.TrimSpace(cfg.Budget.PolicyFile) == "" {
			return ErrExecutorWithoutBudget
		}
		if len(cfg.Executor.Endpoints) == 0 {
			return fmt.Errorf("executor.endpoints required when executor.key_ref is set")
		}
	}
	seen := make(map[uint64]struct{}, len(cfg.Executor.Endpoints))
	for i, ep := range cfg.Executor.Endpoints {
		if _, err := tokens.ChainByID(ep.ChainID); err != nil {
			return fmt.Errorf("executor.endpoints[%d]: %w", i, err)
		}
		if _, dup := seen[ep.ChainID]; dup {
			return fmt.Errorf("executor.endpoints[%d]: duplicate chain %d", i, ep.ChainID)
		}
		seen[ep.ChainID] = struct{}{}
		if u, err := url.Parse(ep.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("executor.endpoints[%d]: invalid rpc_url", i)
		}
	}
	return nil
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
