// Package health scans newly appended log lines for error signatures,
// attributes them to agents and reflects the result as synthetic jobs.
package health

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pulseline/internal/config"
	"pulseline/internal/logging"
)

// Signature categories.
const (
	CategoryAuth      = "auth"
	CategoryRateLimit = "rate_limit"
	CategoryServer    = "server"
	CategoryNetwork   = "network"
	CategoryExecutor  = "executor"
	// CategoryCustom labels include-override matches no built-in signature explains.
	CategoryCustom = "custom"
)

// Signature is a named error pattern.
type Signature struct {
	Category string
	Regex    *regexp.Regexp
}

// Signatures are checked in this order; the first match names the category.
var Signatures = []Signature{
	{CategoryAuth, regexp.MustCompile(`(?i)\b(HTTP|status)[ :=]*40[13]\b|\bunauthori[sz]ed\b|\bforbidden\b|invalid (api[ _-]?key|token|credentials)|authentication (failed|error)`)},
	{CategoryRateLimit, regexp.MustCompile(`(?i)\b(HTTP|status)[ :=]*429\b|rate[ _-]?limit(ed)?\b|too many requests|quota exceeded`)},
	{CategoryServer, regexp.MustCompile(`(?i)\b(HTTP|status)[ :=]*5\d\d\b|internal server error|bad gateway|service unavailable|gateway timeout|\boverloaded\b`)},
	{CategoryNetwork, regexp.MustCompile(`(?i)\bE(CONNRESET|CONNREFUSED|TIMEDOUT|NOTFOUND|AI_AGAIN)\b|socket hang up|connection (refused|reset|closed)|network (error|unreachable)|fetch failed`)},
	{CategoryExecutor, regexp.MustCompile(`(?i)exec(ution)? failed|command failed|exit(ed)? (with )?(code|status) [1-9]\d*|non-zero exit|spawn \S+ ENOENT|sandbox (error|failed)`)},
}

// Scopes maps a detection profile to the categories it watches.
var Scopes = map[string][]string{
	config.ScopeGateway:  {CategoryAuth, CategoryRateLimit, CategoryServer, CategoryNetwork},
	config.ScopeExecutor: {CategoryExecutor, CategoryNetwork},
	config.ScopeAll:      {CategoryAuth, CategoryRateLimit, CategoryServer, CategoryNetwork, CategoryExecutor},
}

// DefaultAttribution extracts an agent identity from a line. Each pattern has
// one capture group.
var DefaultAttribution = []string{
	`\bagent:([A-Za-z0-9_.-]+):`,
	`\[agent[ :]([A-Za-z0-9_.-]+)\]`,
	`\bagent=([A-Za-z0-9_.-]+)`,
	`\bagentId=([A-Za-z0-9_.-]+)`,
	`"agentId"\s*:\s*"([^"]+)"`,
}

// Options configure a Detector.
type Options struct {
	Scope string
	// Include replaces the scope's signatures when non-empty.
	Include []string
	Exclude []string
	// Attribution replaces DefaultAttribution when non-empty.
	Attribution []string
}

type rule struct {
	category string // empty: classify with Signatures at match time
	regex    *regexp.Regexp
}

// Detector classifies lines. It is immutable after construction.
type Detector struct {
	scope       string
	rules       []rule
	exclude     []*regexp.Regexp
	attribution []*regexp.Regexp
}

// NewDetector builds a detector for opts. Only an unknown scope is an error;
// invalid pattern overrides are dropped with a warning.
func NewDetector(opts Options, log *zap.SugaredLogger) (*Detector, error) {
	log = logging.Named(log, "health")
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = config.ScopeGateway
	}
	categories, ok := Scopes[scope]
	if !ok {
		return nil, fmt.Errorf("unknown detection scope %q", scope)
	}
	d := &Detector{scope: scope}

	if len(opts.Include) > 0 {
		for _, re := range compileAll(opts.Include, "include", log) {
			d.rules = append(d.rules, rule{regex: re})
		}
	} else {
		for _, category := range categories {
			for _, sig := range Signatures {
				if sig.Category == category {
					d.rules = append(d.rules, rule{category: category, regex: sig.Regex})
				}
			}
		}
	}
	d.exclude = compileAll(opts.Exclude, "exclude", log)

	attribution := opts.Attribution
	if len(attribution) == 0 {
		attribution = DefaultAttribution
	}
	for _, re := range compileAll(attribution, "attribution", log) {
		if re.NumSubexp() < 1 {
			log.Warnw("attribution pattern has no capture group; ignored", "pattern", re.String())
			continue
		}
		d.attribution = append(d.attribution, re)
	}
	return d, nil
}

func compileAll(patterns []string, kind string, log *zap.SugaredLogger) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warnw("invalid pattern ignored", "kind", kind, "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Scope returns the detection profile name.
func (d *Detector) Scope() string { return d.scope }

// Classify returns the category of a matching line, or "" when the line is
// excluded or matches nothing.
func (d *Detector) Classify(line string) string {
	for _, re := range d.exclude {
		if re.MatchString(line) {
			return ""
		}
	}
	for _, r := range d.rules {
		if !r.regex.MatchString(line) {
			continue
		}
		if r.category != "" {
			return r.category
		}
		for _, sig := range Signatures {
			if sig.Regex.MatchString(line) {
				return sig.Category
			}
		}
		return CategoryCustom
	}
	return ""
}

// Attribute returns the agent named by the first attribution pattern that
// matches line.
func (d *Detector) Attribute(line string) (string, bool) {
	for _, re := range d.attribution {
		m := re.FindStringSubmatch(line)
		if len(m) > 1 && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}

// Tally is the outcome of scanning one batch of lines.
type Tally struct {
	Total      int
	ByCategory map[string]int
	// ByAgent maps agent -> category -> count for attributed matches only.
	ByAgent      map[string]map[string]int
	Unattributed int
}

// Scan classifies and attributes every line.
func (d *Detector) Scan(lines []string) Tally {
	t := Tally{ByCategory: map[string]int{}, ByAgent: map[string]map[string]int{}}
	for _, line := range lines {
		category := d.Classify(line)
		if category == "" {
			continue
		}
		t.Total++
		t.ByCategory[category]++
		agent, ok := d.Attribute(line)
		if !ok {
			t.Unattributed++
			continue
		}
		if t.ByAgent[agent] == nil {
			t.ByAgent[agent] = map[string]int{}
		}
		t.ByAgent[agent][category]++
	}
	return t
}

// AgentTotals sums each agent's matches across categories.
func (t Tally) AgentTotals() map[string]int {
	out := make(map[string]int, len(t.ByAgent))
	for agent, cats := range t.ByAgent {
		for _, n := range cats {
			out[agent] += n
		}
	}
	return out
}

// Summary formats the per-category counts as "auth=3 server=1".
func (t Tally) Summary() string {
	return formatCounts(t.ByCategory)
}

// AgentSummary formats one agent's per-category counts.
func (t Tally) AgentSummary(agent string) string {
	return formatCounts(t.ByAgent[agent])
}

// AgentSummaries returns AgentSummary for every attributed agent.
func (t Tally) AgentSummaries() map[string]string {
	out := make(map[string]string, len(t.ByAgent))
	for agent := range t.ByAgent {
		out[agent] = t.AgentSummary(agent)
	}
	return out
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
