package backoff_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forqdev/forq/forq/backoff"
)

func TestComputeFixed(t *testing.T) {
	p := backoff.Policy{Type: backoff.TypeFixed, Delay: 500}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff.Compute(p, attempt, nil, nil, errors.New("boom"))
		assert.Equal(t, 500*time.Millisecond, d, "attempt %d", attempt)
	}
}

func TestComputeExponential(t *testing.T) {
	p := backoff.Policy{Type: backoff.TypeExponential, Delay: 100}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for i, want := range expected {
		d := backoff.Compute(p, i+1, nil, nil, errors.New("boom"))
		assert.Equal(t, want, d, "attempt %d", i+1)
	}
}

func TestComputeExponentialSaturates(t *testing.T) {
	p := backoff.Policy{Type: backoff.TypeExponential, Delay: 1000}

	ceiling := time.Duration(math.MaxInt64/int64(time.Millisecond)) * time.Millisecond
	for _, attempt := range []int{63, 64, 200} {
		d := backoff.Compute(p, attempt, nil, nil, errors.New("boom"))
		assert.Equal(t, ceiling, d, "attempt %d", attempt)
		assert.Positive(t, d, "a saturated delay must never read as Stop")
	}
}

func TestComputeEmptyPolicyRetriesImmediately(t *testing.T) {
	d := backoff.Compute(backoff.Policy{}, 1, nil, nil, errors.New("boom"))
	assert.Equal(t, time.Duration(0), d)
}

func TestComputeCustomStrategy(t *testing.T) {
	strategies := map[string]backoff.Strategy{
		"linear": func(attempt int, data json.RawMessage, err error) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}

	p := backoff.Policy{Type: "linear"}
	assert.Equal(t, 3*time.Second, backoff.Compute(p, 3, strategies, nil, errors.New("boom")))
}

func TestComputeUnknownCustomStrategyStops(t *testing.T) {
	p := backoff.Policy{Type: "no-such-strategy"}
	assert.Equal(t, backoff.Stop, backoff.Compute(p, 1, nil, nil, errors.New("boom")))
	assert.Equal(t, backoff.Stop, backoff.Compute(p, 1, map[string]backoff.Strategy{}, nil, errors.New("boom")))
}

func TestPolicyUnmarshalShorthand(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want backoff.Policy
	}{
		{
			name: "bare number is a fixed delay",
			raw:  `1500`,
			want: backoff.Policy{Type: backoff.TypeFixed, Delay: 1500},
		},
		{
			name: "bare string is a type",
			raw:  `"exponential"`,
			want: backoff.Policy{Type: backoff.TypeExponential},
		},
		{
			name: "canonical object",
			raw:  `{"type":"exponential","delay":250}`,
			want: backoff.Policy{Type: backoff.TypeExponential, Delay: 250},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p backoff.Policy
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &p))
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPolicyUnmarshalRejectsGarbage(t *testing.T) {
	var p backoff.Policy
	require.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &p))
}
