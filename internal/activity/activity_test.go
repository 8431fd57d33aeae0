package activity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	var mu sync.Mutex
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func TestStartedAndFinished(t *testing.T) {
	clock, advance := fixedClock(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	tr := New(Options{MaxRecentCalls: 5, Now: clock})

	tr.CallStarted("pm", "exec", map[string]any{"cmd": "make"})
	advance(2 * time.Second)
	tr.CallFinished("pm", "exec", "ok", 0)

	snap := tr.Snapshot()
	require.Len(t, snap.Agents, 1)
	a := snap.Agents[0]
	assert.Equal(t, "pm", a.Identity)
	assert.Equal(t, "exec", a.LastTool)
	assert.Equal(t, "make", a.LastParams["cmd"])
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, 2*time.Second, snap.Completed[0].Duration)
	assert.Equal(t, "ok", snap.Completed[0].Outcome)
	assert.Equal(t, "make", snap.Completed[0].Params["cmd"])
}

func TestRingsAreBounded(t *testing.T) {
	tr := New(Options{MaxRecentCalls: 3})
	for i := 0; i < 10; i++ {
		tool := fmt.Sprintf("tool-%d", i)
		tr.CallStarted("pm", tool, nil)
		tr.CallFinished("pm", tool, "ok", time.Millisecond)
	}
	snap := tr.Snapshot()
	require.Len(t, snap.Agents[0].Recent, 3)
	assert.Equal(t, "tool-9", snap.Agents[0].Recent[2].Tool)
	require.Len(t, snap.Completed, 3)
	assert.Equal(t, "tool-7", snap.Completed[0].Tool)
}

func TestExcludedToolsAndAnonymousCalls(t *testing.T) {
	tr := New(Options{ExcludeTools: []string{"pulse_status"}})
	tr.CallStarted("pm", "pulse_status", nil)
	tr.CallFinished("pm", "pulse_status", "ok", time.Second)
	tr.CallStarted("", "exec", nil)
	assert.Empty(t, tr.Snapshot().Agents)
	assert.Empty(t, tr.Snapshot().Completed)

	tr.CallFinished("", "exec", "error: boom", time.Second)
	snap := tr.Snapshot()
	assert.Empty(t, snap.Agents)
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, time.Second, snap.Completed[0].Duration)
}

func TestAgentsEvictedAndOrdered(t *testing.T) {
	clock, advance := fixedClock(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	tr := New(Options{MaxAgents: 2, Now: clock})
	tr.CallStarted("a", "read", nil)
	advance(time.Second)
	tr.CallStarted("b", "read", nil)
	advance(time.Second)
	tr.CallStarted("c", "read", nil)

	snap := tr.Snapshot()
	require.Len(t, snap.Agents, 2)
	assert.Equal(t, "c", snap.Agents[0].Identity)
	assert.Equal(t, "b", snap.Agents[1].Identity)

	tr.Reset()
	assert.Empty(t, tr.Snapshot().Agents)
}

func TestConfigureSwapsExcludeListAndBounds(t *testing.T) {
	tr := New(Options{ExcludeTools: []string{"pulse_status"}})
	tr.CallStarted("pm", "exec", nil)
	tr.CallStarted("pm", "pulse_status", nil)
	assert.Equal(t, "exec", tr.Snapshot().Agents[0].LastTool)

	tr.Configure(Options{ExcludeTools: []string{"exec"}, MaxRecentCalls: 1, MaxAgents: 1})
	assert.True(t, tr.Excluded("exec"))
	assert.False(t, tr.Excluded("pulse_status"))

	tr.CallStarted("pm", "pulse_status", nil)
	tr.CallStarted("pm", "exec", nil)
	snap := tr.Snapshot()
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "pulse_status", snap.Agents[0].LastTool)
	assert.Len(t, snap.Agents[0].Recent, 1)

	tr.CallStarted("qa", "read", nil)
	snap = tr.Snapshot()
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "qa", snap.Agents[0].Identity)
}

func TestConcurrentUse(t *testing.T) {
	tr := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			for j := 0; j < 50; j++ {
				tr.CallStarted(id, "exec", nil)
				tr.CallFinished(id, "exec", "ok", 0)
				_ = tr.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.Snapshot().Agents, 8)
}
