// Package escalation tracks cumulative per-agent error counts and latches a
// single pending escalation signal until a publish consumes it.
package escalation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Signal is the latched escalation. Later triggers overwrite the reason and
// mention of an unconsumed signal.
type Signal struct {
	Pending bool      `json:"pending"`
	Mention string    `json:"mention,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Scope   string    `json:"scope,omitempty"`
	Agent   string    `json:"agent,omitempty"`
	At      time.Time `json:"at"`
}

// State is the persisted escalation bookkeeping.
type State struct {
	// Counters maps scope -> agent -> cumulative count.
	Counters map[string]map[string]int `json:"counters,omitempty"`
	// LastFired maps scope -> time of its last escalation.
	LastFired map[string]time.Time `json:"last_fired,omitempty"`
	Signal    Signal               `json:"signal"`
}

// Config controls when a scope escalates.
type Config struct {
	Enabled   bool
	Threshold int
	Cooldown  time.Duration
	// Mention overrides DefaultMention when set.
	Mention        string
	DefaultMention string
}

func (c Config) mention() string {
	if strings.TrimSpace(c.Mention) != "" {
		return c.Mention
	}
	return c.DefaultMention
}

// Trigger describes one escalation that fired.
type Trigger struct {
	Scope  string
	Agent  string
	Count  int
	Reason string
}

// Counter returns the cumulative count for an agent in a scope.
func (s *State) Counter(scope, agent string) int {
	return s.Counters[scope][agent]
}

// Pending reports whether a signal is latched.
func (s *State) Pending() bool {
	return s.Signal.Pending
}

// Evaluate adds this tick's per-agent counts for scope and fires at most one
// escalation when an agent's cumulative count reaches the threshold and the
// scope's cooldown has elapsed. Firing latches the signal, clamps that agent's
// counter to the threshold and restarts the scope cooldown.
func Evaluate(st *State, cfg Config, scope string, counts map[string]int, detail map[string]string, now time.Time) *Trigger {
	if st.Counters == nil {
		st.Counters = make(map[string]map[string]int)
	}
	if st.LastFired == nil {
		st.LastFired = make(map[string]time.Time)
	}
	scoped := st.Counters[scope]
	if scoped == nil {
		scoped = make(map[string]int)
		st.Counters[scope] = scoped
	}
	var touched []string
	for agent, n := range counts {
		if agent == "" || n <= 0 {
			continue
		}
		scoped[agent] += n
		touched = append(touched, agent)
	}
	if !cfg.Enabled || cfg.Threshold <= 0 || len(touched) == 0 {
		return nil
	}
	if last, ok := st.LastFired[scope]; ok && now.Sub(last) < cfg.Cooldown {
		return nil
	}

	// highest cumulative count first, name as tie-break
	sort.Slice(touched, func(i, j int) bool {
		ci, cj := scoped[touched[i]], scoped[touched[j]]
		if ci != cj {
			return ci > cj
		}
		return touched[i] < touched[j]
	})
	agent := touched[0]
	count := scoped[agent]
	if count < cfg.Threshold {
		return nil
	}

	reason := fmt.Sprintf("%s: %d errors in %s", agent, count, scope)
	if d := detail[agent]; d != "" {
		reason += " (" + d + ")"
	}
	st.Signal = Signal{
		Pending: true,
		Mention: cfg.mention(),
		Reason:  reason,
		Scope:   scope,
		Agent:   agent,
		At:      now,
	}
	scoped[agent] = cfg.Threshold
	st.LastFired[scope] = now
	return &Trigger{Scope: scope, Agent: agent, Count: count, Reason: reason}
}

// Consume clears a pending signal after a successful publish.
func Consume(st *State) {
	st.Signal = Signal{}
}
