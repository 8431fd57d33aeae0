// Package activity keeps a process-local view of which tool each agent is
// running. Nothing here is persisted.
package activity

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Call is one tool invocation seen by the tracker.
type Call struct {
	Agent      string         `json:"agent,omitempty"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt,omitzero"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
}

// Agent is the snapshot for one identity.
type Agent struct {
	Identity   string         `json:"identity"`
	LastTool   string         `json:"lastTool"`
	LastParams map[string]any `json:"lastParams,omitempty"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Recent     []Call         `json:"recent"`
}

// Snapshot is a copy of the tracker's state.
type Snapshot struct {
	Agents    []Agent `json:"agents"`
	Completed []Call  `json:"completed"`
}

// Options bound the tracker.
type Options struct {
	MaxRecentCalls int
	MaxAgents      int
	ExcludeTools   []string
	Now            func() time.Time
}

type agentEntry struct {
	agent   Agent
	pending map[string]Call // tool -> started call awaiting its result
}

// Tracker records call-started and call-finished notifications. It is safe
// for concurrent use, and a nil *Tracker ignores everything.
type Tracker struct {
	mu        sync.Mutex
	agents    *lru.Cache[string, *agentEntry]
	completed []Call
	maxRecent int
	exclude   map[string]bool
	now       func() time.Time
}

// New returns a tracker. Non-positive bounds fall back to 20 recent calls and
// 256 agents.
func New(opts Options) *Tracker {
	cache, err := lru.New[string, *agentEntry](agentLimit(opts.MaxAgents))
	if err != nil {
		panic(err) // only for a non-positive size
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	t := &Tracker{agents: cache, now: now}
	t.apply(opts)
	return t
}

// Configure swaps the bounds and the exclude list in place. Recorded calls
// are kept; rings shrink on their next write and surplus agents are evicted.
func (t *Tracker) Configure(opts Options) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(opts)
	t.agents.Resize(agentLimit(opts.MaxAgents))
}

func (t *Tracker) apply(opts Options) {
	t.maxRecent = opts.MaxRecentCalls
	if t.maxRecent <= 0 {
		t.maxRecent = 20
	}
	t.exclude = make(map[string]bool, len(opts.ExcludeTools))
	for _, name := range opts.ExcludeTools {
		t.exclude[strings.TrimSpace(name)] = true
	}
}

func agentLimit(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}

// Excluded reports whether tool is ignored.
func (t *Tracker) Excluded(tool string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exclude[tool]
}

// CallStarted records that identity began tool with params. Calls without an
// identity or to excluded tools are ignored.
func (t *Tracker) CallStarted(identity, tool string, params map[string]any) {
	if t == nil || identity == "" || tool == "" {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exclude[tool] {
		return
	}

	entry, ok := t.agents.Get(identity)
	if !ok {
		entry = &agentEntry{agent: Agent{Identity: identity}, pending: map[string]Call{}}
		t.agents.Add(identity, entry)
	}
	call := Call{Agent: identity, Tool: tool, Params: copyParams(params), StartedAt: now}
	entry.agent.LastTool = tool
	entry.agent.LastParams = call.Params
	entry.agent.LastSeenAt = now
	entry.agent.Recent = pushBounded(entry.agent.Recent, call, t.maxRecent)
	entry.pending[tool] = call
}

// CallFinished records the outcome of a call. identity may be empty when the
// host cannot attribute the result; the call then lands only in the global
// ring. A non-positive duration is derived from the matching CallStarted.
func (t *Tracker) CallFinished(identity, tool, outcome string, duration time.Duration) {
	if t == nil || tool == "" {
		return
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exclude[tool] {
		return
	}

	call := Call{Agent: identity, Tool: tool, Outcome: outcome, FinishedAt: now}
	if identity != "" {
		if entry, ok := t.agents.Get(identity); ok {
			if started, ok := entry.pending[tool]; ok {
				call.StartedAt = started.StartedAt
				call.Params = started.Params
				delete(entry.pending, tool)
			}
			entry.agent.LastSeenAt = now
		}
	}
	if duration <= 0 && !call.StartedAt.IsZero() {
		duration = now.Sub(call.StartedAt)
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = now.Add(-duration)
	}
	call.Duration = duration
	t.completed = pushBounded(t.completed, call, t.maxRecent)
}

// Snapshot copies the current state, most recently seen agents first.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var snap Snapshot
	for _, key := range t.agents.Keys() {
		entry, ok := t.agents.Peek(key)
		if !ok {
			continue
		}
		a := entry.agent
		a.Recent = append([]Call(nil), a.Recent...)
		snap.Agents = append(snap.Agents, a)
	}
	sort.SliceStable(snap.Agents, func(i, j int) bool {
		if !snap.Agents[i].LastSeenAt.Equal(snap.Agents[j].LastSeenAt) {
			return snap.Agents[i].LastSeenAt.After(snap.Agents[j].LastSeenAt)
		}
		return snap.Agents[i].Identity < snap.Agents[j].Identity
	})
	snap.Completed = append([]Call(nil), t.completed...)
	return snap
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents.Purge()
	t.completed = nil
}

func pushBounded(ring []Call, c Call, limit int) []Call {
	ring = append(ring, c)
	if len(ring) > limit {
		ring = append([]Call(nil), ring[len(ring)-limit:]...)
	}
	return ring
}

func copyParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
