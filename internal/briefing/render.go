// Package briefing renders job rollups and decides when to publish them.
package briefing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pulseline/internal/activity"
	"pulseline/internal/domain"
	"pulseline/internal/escalation"
)

const headerPrefix = "Pulse briefing"

// Body renders the part of a briefing that is compared between publishes.
// It holds no timestamps so an unchanged job set renders identically.
func Body(jobs []domain.JobRecord) string {
	if len(jobs) == 0 {
		return "No active jobs."
	}
	counts := map[domain.JobState]int{}
	for _, rec := range jobs {
		counts[rec.State]++
	}
	var b strings.Builder
	var summary []string
	for _, st := range domain.AllStates {
		if counts[st] > 0 {
			summary = append(summary, fmt.Sprintf("%d %s", counts[st], st))
		}
	}
	fmt.Fprintf(&b, "%d jobs: %s\n", len(jobs), strings.Join(summary, ", "))

	var current domain.JobState
	for _, rec := range jobs {
		if rec.State != current {
			current = rec.State
			fmt.Fprintf(&b, "\n%s\n", strings.ToUpper(string(current)))
		}
		b.WriteString("- " + jobLine(rec) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Render assembles a publishable message: a timestamp header, the escalation
// line when sig is pending, then body.
func Render(now time.Time, body string, sig escalation.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s · %s\n", headerPrefix, now.UTC().Format("2006-01-02 15:04 UTC"))
	if sig.Pending {
		line := "ESCALATION: " + sig.Reason
		if m := strings.TrimSpace(sig.Mention); m != "" {
			line = m + " " + line
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(body)
	return b.String()
}

// Digest fingerprints a rendered message, ignoring its leading header line.
func Digest(message string) string {
	if strings.HasPrefix(message, headerPrefix) {
		if i := strings.IndexByte(message, '\n'); i >= 0 {
			message = message[i+1:]
		} else {
			message = ""
		}
	}
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

func jobLine(rec domain.JobRecord) string {
	parts := []string{rec.JobID}
	if rec.Title != "" {
		parts = append(parts, fmt.Sprintf("%q", rec.Title))
	}
	if rec.Progress != nil {
		parts = append(parts, fmt.Sprintf("%.0f%%", *rec.Progress))
	}
	if rec.Owner != "" {
		parts = append(parts, "@"+rec.Owner)
	}
	line := strings.Join(parts, " ")
	if rec.Detail != "" {
		line += " - " + rec.Detail
	}
	return line
}

// RenderStatus is the status tool's view: one line per job with its age.
func RenderStatus(jobs []domain.JobRecord, now time.Time) string {
	if len(jobs) == 0 {
		return "No jobs reported."
	}
	var b strings.Builder
	for _, rec := range jobs {
		fmt.Fprintf(&b, "[%s] %s (updated %s)\n", rec.State, jobLine(rec), humanize.RelTime(rec.UpdatedAt, now, "ago", "from now"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// AgentView joins an agent's self-reported job with its live tool activity.
type AgentView struct {
	Identity string            `json:"identity"`
	Job      *domain.JobRecord `json:"job,omitempty"`
	Activity *activity.Agent   `json:"activity,omitempty"`
}

// Agents collects one view per identity found in jobs or snap, sorted by name.
func Agents(jobs map[string]domain.JobRecord, snap activity.Snapshot) []AgentView {
	byID := map[string]*AgentView{}
	get := func(id string) *AgentView {
		v, ok := byID[id]
		if !ok {
			v = &AgentView{Identity: id}
			byID[id] = v
		}
		return v
	}
	for key, rec := range jobs {
		if id, ok := domain.AgentFromJobKey(key); ok {
			get(id).Job = &rec
		}
	}
	for i := range snap.Agents {
		a := snap.Agents[i]
		get(a.Identity).Activity = &a
	}
	out := make([]AgentView, 0, len(byID))
	for _, v := range byID {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// RenderAgents is the agents tool's view.
func RenderAgents(views []AgentView, now time.Time) string {
	if len(views) == 0 {
		return "No agent activity yet."
	}
	var b strings.Builder
	for _, v := range views {
		b.WriteString(v.Identity + ":")
		if v.Job != nil {
			fmt.Fprintf(&b, " %s", v.Job.State)
			if v.Job.Progress != nil {
				fmt.Fprintf(&b, " %.0f%%", *v.Job.Progress)
			}
			if v.Job.Detail != "" {
				b.WriteString(" - " + v.Job.Detail)
			}
		} else {
			b.WriteString(" no report")
		}
		if v.Activity != nil && v.Activity.LastTool != "" {
			fmt.Fprintf(&b, " | last tool %s %s (%d recent)", v.Activity.LastTool,
				humanize.RelTime(v.Activity.LastSeenAt, now, "ago", "from now"), len(v.Activity.Recent))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
