// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	TypeFixed       = "fixed"
	TypeExponential = "exponential"
)

// Stop tells the caller to exhaust retries now regardless of remaining
// attempts. Zero means retry immediately.
const Stop = time.Duration(-1)

// Strategy is a caller-registered delay function for a named policy type.
// Strategies may be impure; determinism is the registrant's problem.
type Strategy func(attemptsMade int, data json.RawMessage, err error) time.Duration

// Policy is the canonical form of a backoff configuration. On the wire it
// also accepts the shorthand forms a bare number (fixed delay in
// milliseconds) and a bare string (a policy type with no delay).
type Policy struct {
	Type  string `json:"type"`
	Delay int64  `json:"delay,omitempty"` // milliseconds
}

func (p *Policy) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err == nil {
		p.Type = TypeFixed
		p.Delay = ms
		return nil
	}

	var typ string
	if err := json.Unmarshal(b, &typ); err == nil {
		p.Type = typ
		p.Delay = 0
		return nil
	}

	type policy Policy
	var raw policy
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid backoff policy: %w", err)
	}
	*p = Policy(raw)
	return nil
}

// maxDelayMillis is the largest delay expressible as a time.Duration;
// exponential growth saturates here instead of overflowing negative.
const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

// Compute returns the delay before the next retry attempt, 0 for an
// immediate retry, or Stop. attemptsMade counts the failure being handled,
// so the first retry computes with attemptsMade == 1. An unregistered
// custom type returns Stop rather than retrying blindly.
func Compute(p Policy, attemptsMade int, strategies map[string]Strategy, data json.RawMessage, err error) time.Duration {
	switch p.Type {
	case TypeFixed, "":
		return time.Duration(p.Delay) * time.Millisecond
	case TypeExponential:
		return time.Duration(exponentialDelay(p.Delay, attemptsMade)) * time.Millisecond
	default:
		strategy, ok := strategies[p.Type]
		if !ok {
			return Stop
		}
		return strategy(attemptsMade, data, err)
	}
}

func exponentialDelay(base int64, attemptsMade int) int64 {
	if base <= 0 {
		return 0
	}
	shift := uint(0)
	if attemptsMade > 1 {
		shift = uint(attemptsMade - 1)
	}
	if shift > 62 || base > maxDelayMillis>>shift {
		return maxDelayMillis
	}
	return base << shift
}
