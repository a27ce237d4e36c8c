package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
)

const (
	operationRateLimit   = "rate_limit"
	errorSubjectAccount  = "account"
	errorCodeExceeded    = "exceeded"
	errorCodeBackend     = "backend"
	errorCodeUnknownKind = "unknown_kind"
	defaultKeyPrefix     = "satledger:ratelimit"
)

// Kind names a rate-limited action.
type Kind string

const (
	KindIntraledger Kind = "intraledger"
	KindWithdrawal  Kind = "withdrawal"
)

// String returns the kind name.
func (kind Kind) String() string {
	return string(kind)
}

// Policy is a fixed-window ceiling.
type Policy struct {
	Ceiling int64
	Window  time.Duration
}

// Counters is a fixed-window counter backend.
type Counters interface {
	// Increment adds one to key unless the window already holds ceiling hits.
	Increment(ctx context.Context, key string, ceiling int64, window time.Duration) (bool, error)
	// Delete drops the listed counters.
	Delete(ctx context.Context, keys ...string) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix namespaces counter keys.
func WithKeyPrefix(prefix string) Option {
	return func(limiter *Limiter) {
		if prefix != "" {
			limiter.keyPrefix = prefix
		}
	}
}

// WithRejectionHook is called once per rejected attempt.
func WithRejectionHook(hook func(kind Kind)) Option {
	return func(limiter *Limiter) {
		limiter.onReject = hook
	}
}

// Limiter enforces per-account, per-kind attempt ceilings.
type Limiter struct {
	counters  Counters
	policies  map[Kind]Policy
	keyPrefix string
	onReject  func(kind Kind)
}

// NewLimiter validates the policies and wires a Limiter.
func NewLimiter(counters Counters, policies map[Kind]Policy, options ...Option) (*Limiter, error) {
	if counters == nil {
		return nil, fmt.Errorf("%w: rate limit counters are nil", ledger.ErrInvalidServiceConfig)
	}
	copied := make(map[Kind]Policy, len(policies))
	for kind, policy := range policies {
		if policy.Ceiling <= 0 || policy.Window <= 0 {
			return nil, fmt.Errorf("%w: rate limit %s needs a positive ceiling and window", ledger.ErrInvalidServiceConfig, kind)
		}
		copied[kind] = policy
	}
	limiter := &Limiter{counters: counters, policies: copied, keyPrefix: defaultKeyPrefix}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// CheckAndIncrement consumes one attempt or fails with ledger.ErrRateLimitExceeded without consuming.
func (limiter *Limiter) CheckAndIncrement(ctx context.Context, accountID ledger.AccountID, kind Kind) error {
	policy, known := limiter.policies[kind]
	if !known {
		return ledger.WrapError(operationRateLimit, errorSubjectAccount, errorCodeUnknownKind,
			fmt.Errorf("%w: no policy for %s", ledger.ErrInvalidServiceConfig, kind))
	}
	allowed, err := limiter.counters.Increment(ctx, limiter.key(accountID, kind), policy.Ceiling, policy.Window)
	if err != nil {
		return ledger.WrapError(operationRateLimit, errorSubjectAccount, errorCodeBackend, err)
	}
	if !allowed {
		if limiter.onReject != nil {
			limiter.onReject(kind)
		}
		return ledger.WrapError(operationRateLimit, errorSubjectAccount, errorCodeExceeded,
			fmt.Errorf("%w: %s for %s", ledger.ErrRateLimitExceeded, kind, accountID.String()))
	}
	return nil
}

// Reset clears every counter of the account.
func (limiter *Limiter) Reset(ctx context.Context, accountID ledger.AccountID) error {
	kinds := make([]string, 0, len(limiter.policies))
	for kind := range limiter.policies {
		kinds = append(kinds, kind.String())
	}
	sort.Strings(kinds)
	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		keys = append(keys, limiter.key(accountID, Kind(kind)))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := limiter.counters.Delete(ctx, keys...); err != nil {
		return ledger.WrapError(operationRateLimit, errorSubjectAccount, errorCodeBackend, err)
	}
	return nil
}

func (limiter *Limiter) key(accountID ledger.AccountID, kind Kind) string {
	return limiter.keyPrefix + ":" + kind.String() + ":" + accountID.String()
}
