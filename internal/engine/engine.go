package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/events"
)

var (
	ErrMissingJobID       = errors.New("jobId is required")
	ErrInvalidProgress    = errors.New("progress must be a number between 0 and 100")
	ErrResetNotConfirmed  = errors.New("reset refused: pass confirm=true to discard every job")
	errStoreNotConfigured = errors.New("event store not configured")
)

// Engine reconciles the job event log into current job records.
type Engine struct {
	Store events.Store
	Now   func() time.Time
}

func New(store events.Store) Engine {
	return Engine{Store: store, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Reduce folds events into the latest record per job. Each present field of a
// later event overwrites the earlier value; createdAt comes from the first
// event seen for a job. Events are ordered by Seq when every event has one,
// otherwise by their position in evts.
func Reduce(evts []domain.JobEvent) map[string]domain.JobRecord {
	ordered := evts
	if hasSeq(evts) {
		ordered = make([]domain.JobEvent, len(evts))
		copy(ordered, evts)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	}
	out := make(map[string]domain.JobRecord)
	for _, evt := range ordered {
		rec, seen := out[evt.JobID]
		if !seen {
			rec = domain.JobRecord{JobID: evt.JobID, State: domain.StateRegistered}
			switch {
			case evt.CreatedAt != nil:
				rec.CreatedAt = *evt.CreatedAt
			case evt.UpdatedAt != nil:
				rec.CreatedAt = *evt.UpdatedAt
			}
		}
		applyEvent(&rec, evt)
		out[evt.JobID] = rec
	}
	return out
}

func hasSeq(evts []domain.JobEvent) bool {
	if len(evts) == 0 {
		return false
	}
	for _, evt := range evts {
		if evt.Seq <= 0 {
			return false
		}
	}
	return true
}

func applyEvent(rec *domain.JobRecord, evt domain.JobEvent) {
	if evt.Title != nil {
		rec.Title = *evt.Title
	}
	if evt.Owner != nil {
		rec.Owner = *evt.Owner
	}
	if evt.Detail != nil {
		rec.Detail = *evt.Detail
	}
	if evt.State != nil && *evt.State != "" {
		rec.State = *evt.State
	}
	if evt.Progress != nil {
		p := *evt.Progress
		rec.Progress = &p
	}
	if evt.UpdatedAt != nil {
		rec.UpdatedAt = *evt.UpdatedAt
	}
	if evt.LastActivityAt != nil {
		rec.LastActivityAt = *evt.LastActivityAt
	} else if evt.UpdatedAt != nil {
		rec.LastActivityAt = *evt.UpdatedAt
	}
}

// CurrentState reads the whole log and reduces it.
func (e Engine) CurrentState(ctx context.Context) (map[string]domain.JobRecord, error) {
	if e.Store == nil {
		return nil, errStoreNotConfigured
	}
	evts, err := e.Store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	return Reduce(evts), nil
}

// Get returns the current record for one job.
func (e Engine) Get(ctx context.Context, jobID string) (domain.JobRecord, bool, error) {
	jobs, err := e.CurrentState(ctx)
	if err != nil {
		return domain.JobRecord{}, false, err
	}
	rec, ok := jobs[jobID]
	return rec, ok, nil
}

// Upsert merges patch into the current record for jobID (a fresh registered
// record when none exists), stamps updatedAt/lastActivityAt and appends the
// merged record. Repeating a patch appends again with new timestamps.
func (e Engine) Upsert(ctx context.Context, jobID string, patch domain.JobPatch) (domain.JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return domain.JobRecord{}, ErrMissingJobID
	}
	now := e.now()
	rec, ok, err := e.Get(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if !ok {
		rec = domain.JobRecord{JobID: jobID, State: domain.StateRegistered, CreatedAt: now}
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Owner != nil {
		rec.Owner = *patch.Owner
	}
	if patch.Detail != nil {
		rec.Detail = *patch.Detail
	}
	if patch.State != nil {
		rec.State = *patch.State
	}
	if patch.Progress != nil {
		p := *patch.Progress
		rec.Progress = &p
	}
	rec.UpdatedAt = now
	rec.LastActivityAt = now

	evt := domain.EventFromRecord(rec)
	evt.EventID = uuid.NewString()
	if err := e.Store.Append(ctx, evt); err != nil {
		return domain.JobRecord{}, fmt.Errorf("append job event: %w", err)
	}
	return rec, nil
}

// ReportOptions are the caller-facing fields of a progress report.
type ReportOptions struct {
	JobID    string
	Title    *string
	Owner    *string
	State    *string
	Progress *float64
	Detail   *string
}

// Report validates a caller report and upserts it.
func (e Engine) Report(ctx context.Context, opts ReportOptions) (domain.JobRecord, error) {
	jobID := strings.TrimSpace(opts.JobID)
	if jobID == "" {
		return domain.JobRecord{}, ErrMissingJobID
	}
	patch := domain.JobPatch{
		Title:  opts.Title,
		Owner:  opts.Owner,
		Detail: opts.Detail,
	}
	if opts.State != nil {
		st, err := domain.ParseJobState(*opts.State)
		if err != nil {
			return domain.JobRecord{}, err
		}
		patch.State = &st
	}
	if opts.Progress != nil {
		p := *opts.Progress
		if math.IsNaN(p) || p < 0 || p > 100 {
			return domain.JobRecord{}, ErrInvalidProgress
		}
		patch.Progress = &p
	}
	return e.Upsert(ctx, jobID, patch)
}

// Reset discards every job. It refuses unless confirm is true.
func (e Engine) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrResetNotConfirmed
	}
	if e.Store == nil {
		return errStoreNotConfigured
	}
	return e.Store.Reset(ctx)
}

// ListJobs returns current jobs ordered by state then most recent update.
// Completed jobs are left out unless includeCompleted is set.
func (e Engine) ListJobs(ctx context.Context, includeCompleted bool) ([]domain.JobRecord, error) {
	jobs, err := e.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	return SortJobs(jobs, includeCompleted), nil
}

// SortJobs flattens a reduced state for display.
func SortJobs(jobs map[string]domain.JobRecord, includeCompleted bool) []domain.JobRecord {
	rank := make(map[domain.JobState]int, len(domain.AllStates))
	for i, st := range domain.AllStates {
		rank[st] = i
	}
	out := make([]domain.JobRecord, 0, len(jobs))
	for _, rec := range jobs {
		if !includeCompleted && rec.State == domain.StateCompleted {
			continue
		}
		out = append(out, rec)
	}
	rankOf := func(st domain.JobState) int {
		if r, ok := rank[st]; ok {
			return r
		}
		return len(rank)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rankOf(out[i].State), rankOf(out[j].State)
		if ri != rj {
			return ri < rj
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
