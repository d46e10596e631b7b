package job

import (
	"encoding/json"
	"fmt"

	"github.com/forqdev/forq/forq/backoff"
)

const DefaultStackTraceLimit = 10

// KeepPolicy controls what happens to a job record after a terminal
// transition. On the wire it is either a boolean (true = delete the record
// immediately) or a number (keep at most that many finished records,
// evicting the oldest).
type KeepPolicy struct {
	Remove    bool
	KeepCount int
}

func (k KeepPolicy) MarshalJSON() ([]byte, error) {
	if k.Remove {
		return json.Marshal(true)
	}
	if k.KeepCount > 0 {
		return json.Marshal(k.KeepCount)
	}
	return json.Marshal(false)
}

func (k *KeepPolicy) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*k = KeepPolicy{Remove: flag}
		return nil
	}

	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 {
			n = 0
		}
		*k = KeepPolicy{KeepCount: n}
		return nil
	}

	return fmt.Errorf("invalid retention policy: %s", string(b))
}

// Options configures a job at construction time. The set of recognized
// keys is frozen by the wire contract; fields are not consulted again
// after the record is created except by the failure path.
type Options struct {
	// Attempts is the maximum attempt count. Zero means no retry.
	Attempts int `json:"attempts,omitempty"`
	// Delay postpones the first activation by this many milliseconds.
	Delay int64 `json:"delay,omitempty"`
	// Backoff decides the delay before each retry.
	Backoff backoff.Policy `json:"backoff,omitzero"`
	// RemoveOnComplete / RemoveOnFail are the terminal retention policies.
	RemoveOnComplete KeepPolicy `json:"removeOnComplete,omitzero"`
	RemoveOnFail     KeepPolicy `json:"removeOnFail,omitzero"`
	// StackTraceLimit caps retained stacktrace entries, oldest dropped.
	StackTraceLimit int `json:"stackTraceLimit,omitempty"`
	// Timestamp overrides the creation time, in epoch milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// normalize merges defaults and resolves backoff shorthand into the
// canonical {type, delay} form.
func (o *Options) normalize() {
	if o.StackTraceLimit <= 0 {
		o.StackTraceLimit = DefaultStackTraceLimit
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.Backoff.Type == "" && o.Backoff.Delay != 0 {
		o.Backoff.Type = backoff.TypeFixed
	}
}
