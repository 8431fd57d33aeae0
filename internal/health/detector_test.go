package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDetector(t *testing.T, opts Options) *Detector {
	t.Helper()
	d, err := NewDetector(opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	return d
}

func TestScanAttributesAuthAndLeavesServerUnattributed(t *testing.T) {
	d := newDetector(t, Options{Scope: "gateway"})
	for _, tc := range []struct{ n, m int }{{0, 0}, {1, 0}, {3, 2}, {7, 5}} {
		t.Run(fmt.Sprintf("n=%d,m=%d", tc.n, tc.m), func(t *testing.T) {
			var lines []string
			for i := 0; i < tc.n; i++ {
				lines = append(lines, fmt.Sprintf("[agent:pm] call %d failed: HTTP 401", i))
			}
			for i := 0; i < tc.m; i++ {
				lines = append(lines, fmt.Sprintf("upstream returned HTTP 503 (attempt %d)", i))
			}
			lines = append(lines, "heartbeat ok")

			tally := d.Scan(lines)
			assert.Equal(t, tc.n, tally.ByCategory[CategoryAuth])
			assert.Equal(t, tc.m, tally.ByCategory[CategoryServer])
			assert.Equal(t, tc.n+tc.m, tally.Total)
			assert.Equal(t, tc.m, tally.Unattributed)
			assert.Equal(t, tc.n, tally.ByAgent["pm"][CategoryAuth])
			assert.Zero(t, tally.ByAgent["pm"][CategoryServer])
			if tc.n == 0 {
				assert.Empty(t, tally.ByAgent)
			}
		})
	}
}

func TestExcludeShortCircuits(t *testing.T) {
	d := newDetector(t, Options{Scope: "gateway", Exclude: []string{`healthcheck`}})
	tally := d.Scan([]string{
		"healthcheck probe got HTTP 401",
		"agent=ops HTTP 401",
	})
	assert.Equal(t, 1, tally.Total)
	assert.Equal(t, 1, tally.ByAgent["ops"][CategoryAuth])
}

func TestScopeSelectsSignatures(t *testing.T) {
	line := "tool exec failed: exit code 2"
	assert.Empty(t, newDetector(t, Options{Scope: "gateway"}).Classify(line))
	assert.Equal(t, CategoryExecutor, newDetector(t, Options{Scope: "executor"}).Classify(line))
	assert.Equal(t, CategoryExecutor, newDetector(t, Options{Scope: "all"}).Classify(line))

	_, err := NewDetector(Options{Scope: "nope"}, nil)
	assert.Error(t, err)
}

func TestIncludeOverrideAndInvalidPatterns(t *testing.T) {
	d := newDetector(t, Options{
		Scope:   "gateway",
		Include: []string{`([unclosed`, `HTTP 401`, `disk full`},
		Exclude: []string{`*bad`},
	})
	assert.Equal(t, CategoryAuth, d.Classify("agentId=x HTTP 401"))
	assert.Equal(t, CategoryCustom, d.Classify("write failed: disk full"))
	assert.Empty(t, d.Classify("HTTP 503 from upstream"), "include overrides replace scope defaults")
}

func TestAttributionFirstPatternWins(t *testing.T) {
	d := newDetector(t, Options{})
	cases := map[string]string{
		"session agent:dev-prod:main HTTP 401":        "dev-prod",
		"[agent ops] HTTP 401":                        "ops",
		"agent=pm agentId=other HTTP 401":             "pm",
		`{"agentId":"json-agent","msg":"HTTP 401"}`:   "json-agent",
		"agent:first: [agent second] agent=third 401": "first",
	}
	for line, want := range cases {
		got, ok := d.Attribute(line)
		assert.True(t, ok, line)
		assert.Equal(t, want, got, line)
	}
	_, ok := d.Attribute("no identity here")
	assert.False(t, ok)
}

func TestAttributionOverrideDropsPatternsWithoutGroup(t *testing.T) {
	d := newDetector(t, Options{Attribution: []string{`user=\w+`, `user=(\w+)`}})
	got, ok := d.Attribute("user=alice HTTP 401")
	require.True(t, ok)
	assert.Equal(t, "alice", got)
	_, ok = d.Attribute("agent=pm HTTP 401")
	assert.False(t, ok)
}

func TestTallySummaries(t *testing.T) {
	d := newDetector(t, Options{})
	tally := d.Scan([]string{
		"agent=pm HTTP 401",
		"agent=pm HTTP 429",
		"agent=pm HTTP 401",
	})
	assert.Equal(t, map[string]int{"pm": 3}, tally.AgentTotals())
	assert.Equal(t, "auth=2 rate_limit=1", tally.AgentSummary("pm"))
	assert.Equal(t, "auth=2 rate_limit=1", tally.Summary())
}
