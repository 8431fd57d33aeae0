package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState is the lifecycle state an agent reports for a job.
type JobState string

const (
	StateRegistered JobState = "registered"
	StateRunning    JobState = "running"
	StateWaiting    JobState = "waiting"
	StateBlocked    JobState = "blocked"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// AllStates lists states in display order.
var AllStates = []JobState{
	StateBlocked,
	StateFailed,
	StateRunning,
	StateWaiting,
	StateRegistered,
	StateCompleted,
}

// ErrInvalidState is returned for a state outside AllStates.
var ErrInvalidState = errors.New("invalid state")

// ParseJobState validates a state string.
func ParseJobState(s string) (JobState, error) {
	st := JobState(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w %q: want one of registered, running, waiting, blocked, completed, failed", ErrInvalidState, s)
}

// JobRecord is the reduced current state of one job.
type JobRecord struct {
	JobID          string    `json:"jobId"`
	Title          string    `json:"title,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	State          JobState  `json:"state"`
	Progress       *float64  `json:"progress,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// JobEvent is one line of the append-only job log. Every field except JobID
// is optional so hand-written or partial lines still reduce.
type JobEvent struct {
	Seq            int64      `json:"seq,omitempty"`
	EventID        string     `json:"eventId,omitempty"`
	JobID          string     `json:"jobId"`
	Title          *string    `json:"title,omitempty"`
	Owner          *string    `json:"owner,omitempty"`
	Detail         *string    `json:"detail,omitempty"`
	State          *JobState  `json:"state,omitempty"`
	Progress       *float64   `json:"progress,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

// JobPatch carries the caller-supplied fields of an update. Nil fields keep
// their prior value.
type JobPatch struct {
	Title    *string
	Owner    *string
	Detail   *string
	State    *JobState
	Progress *float64
}

// EventFromRecord snapshots a full record as an event.
func EventFromRecord(rec JobRecord) JobEvent {
	state := rec.State
	created, updated, activity := rec.CreatedAt, rec.UpdatedAt, rec.LastActivityAt
	evt := JobEvent{
		JobID:          rec.JobID,
		Title:          &rec.Title,
		Owner:          &rec.Owner,
		Detail:         &rec.Detail,
		State:          &state,
		CreatedAt:      &created,
		UpdatedAt:      &updated,
		LastActivityAt: &activity,
	}
	if rec.Progress != nil {
		p := *rec.Progress
		evt.Progress = &p
	}
	return evt
}

const agentKeyPrefix = "agent:"
const agentKeySuffix = ":current"

// AgentJobKey is the job id an agent uses for its own current activity.
func AgentJobKey(identity string) string {
	return agentKeyPrefix + identity + agentKeySuffix
}

// AgentFromJobKey extracts the identity from an AgentJobKey.
func AgentFromJobKey(jobID string) (string, bool) {
	if !strings.HasPrefix(jobID, agentKeyPrefix) || !strings.HasSuffix(jobID, agentKeySuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(jobID, agentKeyPrefix), agentKeySuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// HealthJobKey is the synthetic job id for a detection scope, optionally per agent.
func HealthJobKey(scope, agent string) string {
	if agent == "" {
		return "health:" + scope
	}
	return "health:" + scope + ":" + agent
}
