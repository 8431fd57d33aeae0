package server

import (
	"pulseline/internal/activity"
	"pulseline/internal/briefing"
	"pulseline/internal/domain"
)

// Request payloads

type ReportRequest struct {
	JobID    string   `json:"jobId" minLength:"1"`
	Title    *string  `json:"title,omitempty"`
	Owner    *string  `json:"owner,omitempty"`
	State    *string  `json:"state,omitempty" enum:"registered,running,waiting,blocked,completed,failed"`
	Progress *float64 `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Detail   *string  `json:"detail,omitempty"`
}

type StatusRequest struct {
	IncludeCompleted bool `json:"includeCompleted,omitempty"`
}

type ResetRequest struct {
	Confirm bool `json:"confirm"`
}

// BeforeToolCallRequest is sent by the host before a tool runs.
type BeforeToolCallRequest struct {
	AgentID    string         `json:"agentId,omitempty"`
	SessionKey string         `json:"sessionKey,omitempty"`
	ToolName   string         `json:"toolName" minLength:"1"`
	Params     map[string]any `json:"params,omitempty"`
}

// ToolResultRequest is sent by the host after a tool returns.
type ToolResultRequest struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	ToolName   string `json:"toolName" minLength:"1"`
	// Error is set when the tool failed; Outcome defaults to "ok" otherwise.
	Error      string `json:"error,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty" minimum:"0"`
}

// Response payloads

type JobResponse struct {
	Job domain.JobRecord `json:"job"`
}

type StatusResponse struct {
	Text string             `json:"text"`
	Jobs []domain.JobRecord `json:"jobs"`
}

type AgentsResponse struct {
	Text   string               `json:"text"`
	Agents []briefing.AgentView `json:"agents"`
	Recent []activity.Call      `json:"recent"`
}

type ResetResponse struct {
	Reset bool `json:"reset"`
}

type HookResponse struct {
	Agent   string `json:"agent,omitempty"`
	Tracked bool   `json:"tracked"`
}

type PreviewResponse struct {
	Text string `json:"text"`
}

type TickResponse struct {
	Skipped   bool   `json:"skipped"`
	Published bool   `json:"published"`
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	SendError string `json:"sendError,omitempty"`
}

func mapOutcome(out briefing.Outcome) TickResponse {
	resp := TickResponse{
		Skipped:   out.Skipped,
		Published: out.Published,
		Sent:      out.Sent,
		Reason:    out.Reason,
		Message:   out.Message,
	}
	if out.SendErr != nil {
		resp.SendError = out.SendErr.Error()
	}
	return resp
}
