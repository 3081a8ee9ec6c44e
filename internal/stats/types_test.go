// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMinuteKey(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 45, 123, time.UTC)
	assert.Equal(t, "2026-03-15T10:30:00", MinuteKey(ts))

	// Non-UTC inputs normalize to UTC before bucketing.
	loc := time.FixedZone("CET", 3600)
	assert.Equal(t, "2026-03-15T09:30:00", MinuteKey(ts.In(loc).Add(0)))
}

func TestParseMinuteKey(t *testing.T) {
	ts, err := ParseMinuteKey("2026-03-15T10:30:00")
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC), ts)

	_, err = ParseMinuteKey("garbage")
	assert.Error(t, err)
}

func TestTrafficDeltaChain(t *testing.T) {
	d := TrafficDelta{Chains: []string{"ProxyA", "Select"}}
	assert.Equal(t, "ProxyA", d.Chain())
	assert.Equal(t, "ProxyA > Select", d.FullChain())

	empty := TrafficDelta{}
	assert.Equal(t, "DIRECT", empty.Chain())
}

func TestTrafficDeltaRuleLabel(t *testing.T) {
	tests := []struct {
		name string
		d    TrafficDelta
		want string
	}{
		{
			name: "multi-hop chain wins",
			d:    TrafficDelta{Chains: []string{"ProxyA", "Select"}, Rule: "Match", RulePayload: "x"},
			want: "Select",
		},
		{
			name: "rule with payload",
			d:    TrafficDelta{Chains: []string{"DIRECT"}, Rule: "DomainSuffix", RulePayload: "example.com"},
			want: "DomainSuffix(example.com)",
		},
		{
			name: "rule without payload",
			d:    TrafficDelta{Chains: []string{"DIRECT"}, Rule: "Match"},
			want: "Match",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.RuleLabel())
		})
	}
}

func TestTrafficDeltaZero(t *testing.T) {
	assert.True(t, TrafficDelta{}.Zero())
	assert.False(t, TrafficDelta{Upload: 1}.Zero())
	assert.False(t, TrafficDelta{Download: 1}.Zero())
}
