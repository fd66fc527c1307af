package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/escrowd/internal/config"
)

const (
	ScopeAuth      = "auth"
	ScopeFlowStart = "flow_start"

	keyPattern = "escrowd:ratelimit:%s:%s"
)

// Limiter throttles identity sign-ins per client address and payment flow starts per actor.
// A nil Limiter allows everything.
type Limiter struct {
	bucket *TokenBucket
	rules  map[string]Rule
}

func NewLimiter(bucket *TokenBucket, cfg config.RateLimitConfig) (*Limiter, error) {
	if bucket == nil {
		return nil, ErrNotConfigured
	}
	rules := map[string]Rule{
		ScopeAuth:      {Rate: cfg.AuthRate, Burst: cfg.AuthBurst},
		ScopeFlowStart: {Rate: cfg.FlowStartRate, Burst: cfg.FlowStartBurst},
	}
	for scope, rule := range rules {
		if !rule.valid() {
			return nil, fmt.Errorf("%s: %w", scope, ErrInvalidRule)
		}
	}
	return &Limiter{bucket: bucket, rules: rules}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token from the scope's bucket for subject. An empty subject is not limited;
// the handler rejects the request anyway.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) (Result, error) {
	subject = strings.TrimSpace(subject)
	if !l.Enabled() || subject == "" {
		return Result{Allowed: true}, nil
	}
	rule, ok := l.rules[scope]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate limit scope %q", scope)
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyPattern, scope, subject), rule)
}
