// Package retry runs operations with bounded attempts, per-attempt timeouts and backoff.
package retry

import (
	"fmt"
	"strings"
	"time"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts "fixed" or "exponential" in any case.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(s))) {
	case BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential:
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("%s - unknown backoff %q", logPrefix, s)
}

// Family names the operation families that each carry their own policy.
type Family string

const (
	FamilyDetect      Family = "detect"
	FamilyInject      Family = "inject"
	FamilyCommunicate Family = "communicate"
	FamilyQuery       Family = "query"
)

// Policy bounds one retried operation. MaxAttempts counts every attempt, including the first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	Backoff     Backoff
}

// Defaults returns the built-in policy for family.
func Defaults(family Family) Policy {
	switch family {
	case FamilyDetect:
		return Policy{MaxAttempts: 10, BaseDelay: 300 * time.Millisecond, Timeout: 5 * time.Second, Backoff: BackoffFixed}
	case FamilyInject:
		return Policy{MaxAttempts: 3, BaseDelay: time.Second, Timeout: 10 * time.Second, Backoff: BackoffFixed}
	case FamilyCommunicate:
		return Policy{MaxAttempts: 5, BaseDelay: time.Second, Timeout: 10 * time.Second, Backoff: BackoffExponential}
	case FamilyQuery:
		return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Timeout: 5 * time.Second, Backoff: BackoffFixed}
	}
	return Policy{MaxAttempts: 1, Backoff: BackoffFixed}
}

// Delay returns the wait after failed attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential || attempt <= 1 {
		return p.BaseDelay
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return p.BaseDelay * time.Duration(1<<uint(shift))
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s - maxAttempts must be at least 1, got %d", logPrefix, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%s - baseDelay must not be negative", logPrefix)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%s - timeout must not be negative", logPrefix)
	}
	if p.Backoff != BackoffFixed && p.Backoff != BackoffExponential {
		return fmt.Errorf("%s - unknown backoff %q", logPrefix, p.Backoff)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d base=%s timeout=%s backoff=%s", p.MaxAttempts, p.BaseDelay, p.Timeout, p.Backoff)
}
