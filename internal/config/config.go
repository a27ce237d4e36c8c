package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/lightning/lndclient"
	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const (
	defaultDatabaseURL        = "sqlite:///tmp/satledger.db"
	defaultOpsListenAddr      = ":8081"
	defaultCurrency           = "BTC"
	defaultLightningNetwork   = "mainnet"
	defaultReconcileInterval  = time.Minute
	defaultDispatchTimeout    = 30 * time.Second
	defaultMinPendingAge      = 2 * time.Minute
	defaultConcurrency        = 4
	defaultLimitWindow        = 24 * time.Hour
	defaultIntraledgerCeiling = 100
	defaultWithdrawalCeiling  = 20
	defaultDriftAlertSats     = 100000
	defaultConsecutiveDrifts  = 3
)

// Config aggregates runtime settings for satledgerd.
type Config struct {
	DatabaseURL   string
	OpsListenAddr string
	Currency      string

	// AllowedOrigins enables CORS on the ops API for these origins. Empty disables it.
	AllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LND lndclient.Config

	ReconcileInterval     time.Duration
	DispatchTimeout       time.Duration
	MinPendingAge         time.Duration
	ReconcileConcurrency  int
	DriftAlertSats        int64
	ConsecutiveDriftAlert int

	Fees             payments.FeePolicy
	IntraledgerLimit ratelimit.Policy
	WithdrawalLimit  ratelimit.Policy

	RewardCatalog map[string]int64

	FeeAccountID      string
	EscrowAccountID   string
	InFlightAccountID string
	SuspenseAccountID string
	RewardAccountID   string
}

// Validate fills defaults and rejects settings the daemon cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.OpsListenAddr = defaultIfEmpty(cfg.OpsListenAddr, defaultOpsListenAddr)
	cfg.Currency = strings.ToUpper(defaultIfEmpty(cfg.Currency, defaultCurrency))
	cfg.LND.Network = defaultIfEmpty(cfg.LND.Network, defaultLightningNetwork)
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.MinPendingAge <= 0 {
		cfg.MinPendingAge = defaultMinPendingAge
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = defaultConcurrency
	}
	if cfg.DriftAlertSats <= 0 {
		cfg.DriftAlertSats = defaultDriftAlertSats
	}
	if cfg.ConsecutiveDriftAlert <= 0 {
		cfg.ConsecutiveDriftAlert = defaultConsecutiveDrifts
	}
	cfg.IntraledgerLimit = policyWithDefaults(cfg.IntraledgerLimit, defaultIntraledgerCeiling)
	cfg.WithdrawalLimit = policyWithDefaults(cfg.WithdrawalLimit, defaultWithdrawalCeiling)

	defaults := ledger.DefaultSystemAccounts()
	cfg.FeeAccountID = defaultIfEmpty(cfg.FeeAccountID, defaults.Fee.String())
	cfg.EscrowAccountID = defaultIfEmpty(cfg.EscrowAccountID, defaults.Escrow.String())
	cfg.InFlightAccountID = defaultIfEmpty(cfg.InFlightAccountID, defaults.InFlight.String())
	cfg.SuspenseAccountID = defaultIfEmpty(cfg.SuspenseAccountID, defaults.Suspense.String())
	cfg.RewardAccountID = defaultIfEmpty(cfg.RewardAccountID, defaults.RewardSource.String())

	if _, err := ledger.NewCurrency(cfg.Currency); err != nil {
		return fmt.Errorf("currency: %w", err)
	}
	if err := cfg.Fees.Validate(); err != nil {
		return err
	}
	if _, err := cfg.SystemAccounts(); err != nil {
		return err
	}
	if _, err := lndclient.ChainParams(cfg.LND.Network); err != nil {
		return err
	}
	if cfg.LightningEnabled() {
		if err := cfg.LND.Validate(); err != nil {
			return err
		}
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	return nil
}

// LightningEnabled reports whether an lnd node is configured.
func (cfg Config) LightningEnabled() bool {
	return strings.TrimSpace(cfg.LND.Host) != ""
}

// SystemAccounts parses the configured operator account ids.
func (cfg Config) SystemAccounts() (ledger.SystemAccounts, error) {
	var accounts ledger.SystemAccounts
	targets := []struct {
		raw    string
		target *ledger.AccountID
	}{
		{cfg.FeeAccountID, &accounts.Fee},
		{cfg.EscrowAccountID, &accounts.Escrow},
		{cfg.InFlightAccountID, &accounts.InFlight},
		{cfg.SuspenseAccountID, &accounts.Suspense},
		{cfg.RewardAccountID, &accounts.RewardSource},
	}
	for _, item := range targets {
		accountID, err := ledger.NewAccountID(item.raw)
		if err != nil {
			return ledger.SystemAccounts{}, err
		}
		*item.target = accountID
	}
	if err := accounts.Validate(); err != nil {
		return ledger.SystemAccounts{}, err
	}
	return accounts, nil
}

// RateLimitPolicies returns the limiter table.
func (cfg Config) RateLimitPolicies() map[ratelimit.Kind]ratelimit.Policy {
	return map[ratelimit.Kind]ratelimit.Policy{
		ratelimit.KindIntraledger: cfg.IntraledgerLimit,
		ratelimit.KindWithdrawal:  cfg.WithdrawalLimit,
	}
}

func policyWithDefaults(policy ratelimit.Policy, ceiling int64) ratelimit.Policy {
	if policy.Ceiling <= 0 {
		policy.Ceiling = ceiling
	}
	if policy.Window <= 0 {
		policy.Window = defaultLimitWindow
	}
	return policy
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		if origin := strings.TrimSpace(part); origin != "" {
			normalized = append(normalized, origin)
		}
	}
	return normalized
}

// ParseRewardCatalog reads "id=sats" pairs separated by commas.
func ParseRewardCatalog(raw string) (map[string]int64, error) {
	catalog := make(map[string]int64)
	if strings.TrimSpace(raw) == "" {
		return catalog, nil
	}
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rewardID, rawAmount, found := strings.Cut(trimmed, "=")
		if !found || strings.TrimSpace(rewardID) == "" {
			return nil, fmt.Errorf("reward catalog entry %q: expected id=sats", trimmed)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(rawAmount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reward catalog entry %q: %w", trimmed, err)
		}
		catalog[strings.TrimSpace(rewardID)] = amount
	}
	return catalog, nil
}

// FormatRewardCatalog is the inverse of ParseRewardCatalog with ids sorted.
func FormatRewardCatalog(catalog map[string]int64) string {
	rewardIDs := make([]string, 0, len(catalog))
	for rewardID := range catalog {
		rewardIDs = append(rewardIDs, rewardID)
	}
	sort.Strings(rewardIDs)
	parts := make([]string, 0, len(rewardIDs))
	for _, rewardID := range rewardIDs {
		parts = append(parts, fmt.Sprintf("%s=%d", rewardID, catalog[rewardID]))
	}
	return strings.Join(parts, ",")
}
