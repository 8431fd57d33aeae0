package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/escalation"
	"pulseline/internal/logging"
	"pulseline/internal/metrics"
	"pulseline/internal/state"
	"pulseline/internal/tail"
)

// Observer runs one tail-scan-reflect pass per tick.
type Observer struct {
	Engine   engine.Engine
	Detector *Detector
	LogPath  string
	MaxBytes int64
	// AgentJobs enables health:<scope>:<agent> sub-jobs for agents with at
	// least MinCount matches in a tick.
	AgentJobs  bool
	MinCount   int
	Escalation escalation.Config
	Metrics    *metrics.Metrics
	Log        *zap.SugaredLogger
}

// FromConfig builds an Observer from the observe section of cfg. The
// transport mention is the default escalation mention.
func FromConfig(cfg *config.Config, eng engine.Engine, m *metrics.Metrics, log *zap.SugaredLogger) (*Observer, error) {
	obs := cfg.Observe
	det, err := NewDetector(Options{
		Scope:       obs.Scope,
		Include:     obs.Include,
		Exclude:     obs.Exclude,
		Attribution: obs.Attribution,
	}, log)
	if err != nil {
		return nil, err
	}
	return &Observer{
		Engine:    eng,
		Detector:  det,
		LogPath:   obs.LogPath,
		MaxBytes:  cfg.MaxBytesPerTick(),
		AgentJobs: obs.AgentJobs.Enabled,
		MinCount:  obs.AgentJobs.MinCount,
		Escalation: escalation.Config{
			Enabled:        obs.Escalation.Enabled,
			Threshold:      obs.Escalation.Threshold,
			Cooldown:       cfg.EscalationCooldown(),
			Mention:        obs.Escalation.Mention,
			DefaultMention: cfg.Transport.Mention,
		},
		Metrics: m,
		Log:     log,
	}, nil
}

// Observation reports what one pass saw.
type Observation struct {
	Scope   string
	State   domain.JobState
	Detail  string
	Result  tail.Result
	Tally   Tally
	Trigger *escalation.Trigger
}

// Observe polls the log from st.Cursor, scans the new lines, feeds attributed
// counts to the escalation state and then updates the synthetic health jobs.
// st is modified in place and stays consistent when a job write fails; the
// caller persists it.
func (o *Observer) Observe(ctx context.Context, st *state.State, now time.Time) (Observation, error) {
	log := logging.Named(o.Log, "observe")
	scope := o.Detector.Scope()
	obs := Observation{Scope: scope, Tally: Tally{ByCategory: map[string]int{}, ByAgent: map[string]map[string]int{}}}

	jobs, err := o.Engine.CurrentState(ctx)
	if err != nil {
		return obs, err
	}

	if strings.TrimSpace(o.LogPath) == "" {
		obs.State, obs.Detail = domain.StateWaiting, "no log path configured"
		return obs, o.sync(ctx, jobs, domain.HealthJobKey(scope, ""), obs.State, obs.Detail)
	}

	cur, res, err := tail.Poll(st.Cursor, o.LogPath, o.MaxBytes)
	if err != nil {
		return obs, err
	}
	st.Cursor = cur
	obs.Result = res
	if !res.Found {
		obs.State, obs.Detail = domain.StateWaiting, "waiting for "+o.LogPath
		return obs, o.sync(ctx, jobs, domain.HealthJobKey(scope, ""), obs.State, obs.Detail)
	}
	if res.Rotated {
		log.Infow("log cursor reset", "path", o.LogPath, "pos", cur.Pos, "size", humanize.Bytes(uint64(res.Size)))
	}
	o.Metrics.TailBytes(res.BytesRead)

	tally := o.Detector.Scan(res.Lines())
	obs.Tally = tally
	o.Metrics.Matches(scope, tally.ByCategory)
	log.Debugw("scanned", "read", humanize.Bytes(uint64(res.BytesRead)), "matches", tally.Total, "unattributed", tally.Unattributed)

	// Counts are consumed with the cursor, so they reach the escalation
	// state before any job write can fail.
	obs.Trigger = escalation.Evaluate(&st.Escalation, o.Escalation, scope, tally.AgentTotals(), tally.AgentSummaries(), now)
	if obs.Trigger != nil {
		o.Metrics.Escalation(scope)
		log.Warnw("escalation", "scope", scope, "agent", obs.Trigger.Agent, "count", obs.Trigger.Count, "reason", obs.Trigger.Reason)
	}

	if tally.Total > 0 {
		obs.State = domain.StateBlocked
		obs.Detail = fmt.Sprintf("%d error lines in last tick: %s", tally.Total, tally.Summary())
	} else {
		obs.State, obs.Detail = domain.StateRunning, "watching "+o.LogPath
	}
	if err := o.sync(ctx, jobs, domain.HealthJobKey(scope, ""), obs.State, obs.Detail); err != nil {
		return obs, err
	}
	if o.AgentJobs {
		if err := o.syncAgents(ctx, jobs, scope, tally); err != nil {
			return obs, err
		}
	}

	return obs, nil
}

// syncAgents blocks sub-jobs of agents over MinCount this tick and returns
// previously blocked ones to running.
func (o *Observer) syncAgents(ctx context.Context, jobs map[string]domain.JobRecord, scope string, tally Tally) error {
	minCount := max(o.MinCount, 1)
	totals := tally.AgentTotals()
	agents := make([]string, 0, len(totals))
	for agent := range totals {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	seen := map[string]bool{}
	for _, agent := range agents {
		if totals[agent] < minCount {
			continue
		}
		id := domain.HealthJobKey(scope, agent)
		seen[id] = true
		detail := fmt.Sprintf("%d error lines in last tick: %s", totals[agent], tally.AgentSummary(agent))
		if err := o.sync(ctx, jobs, id, domain.StateBlocked, detail); err != nil {
			return err
		}
	}

	prefix := domain.HealthJobKey(scope, "") + ":"
	for id, rec := range jobs {
		if !strings.HasPrefix(id, prefix) || seen[id] || rec.State != domain.StateBlocked {
			continue
		}
		if err := o.sync(ctx, jobs, id, domain.StateRunning, "no errors in last tick"); err != nil {
			return err
		}
	}
	return nil
}

// sync upserts a synthetic job only when its state or detail changed.
func (o *Observer) sync(ctx context.Context, jobs map[string]domain.JobRecord, id string, st domain.JobState, detail string) error {
	if rec, ok := jobs[id]; ok && rec.State == st && rec.Detail == detail {
		return nil
	}
	owner := "pulseline"
	title := "log health (" + strings.TrimPrefix(id, "health:") + ")"
	rec, err := o.Engine.Upsert(ctx, id, domain.JobPatch{Title: &title, Owner: &owner, State: &st, Detail: &detail})
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	jobs[id] = rec
	return nil
}
