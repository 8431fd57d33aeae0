package briefing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/escalation"
	"pulseline/internal/health"
	"pulseline/internal/logging"
	"pulseline/internal/metrics"
	"pulseline/internal/state"
	"pulseline/internal/transport"
)

// Publish reasons.
const (
	ReasonChanged    = "changed"
	ReasonEscalation = "escalation"
	ReasonIdle       = "idle"
)

// Outcome describes one tick.
type Outcome struct {
	Skipped   bool
	Published bool
	// Sent is set when the transport accepted the message; a publish without
	// a sender is log-only.
	Sent    bool
	Reason  string
	Message string
	// SendErr is the transport failure, if any. It never fails the tick.
	SendErr     error
	Observation *health.Observation
}

// Scheduler runs the observe-render-publish cycle. Ticks are serialised;
// every tick reloads both the event log and the snapshot file.
type Scheduler struct {
	mu       sync.Mutex
	cfg      *config.Config
	engine   engine.Engine
	state    *state.File
	sender   transport.Sender
	observer *health.Observer
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	now      func() time.Time
}

// Options wire a Scheduler.
type Options struct {
	Config *config.Config
	Engine engine.Engine
	State  *state.File
	// Sender may be nil, in which case briefings are only logged.
	Sender  transport.Sender
	Metrics *metrics.Metrics
	Log     *zap.SugaredLogger
	Now     func() time.Time
}

// NewScheduler builds a scheduler. An invalid observe section is an error.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Config == nil {
		return nil, errors.New("scheduler config is required")
	}
	if opts.State == nil {
		return nil, errors.New("scheduler state file is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		engine:  opts.Engine,
		state:   opts.State,
		sender:  opts.Sender,
		metrics: opts.Metrics,
		log:     logging.Named(opts.Log, "briefing"),
		now:     now,
	}
	if err := s.SetConfig(opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

// SetConfig swaps the configuration used from the next tick on.
func (s *Scheduler) SetConfig(cfg *config.Config) error {
	obs, err := health.FromConfig(cfg, s.engine, s.metrics, s.log)
	if err != nil {
		return fmt.Errorf("observe config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.observer = obs
	return nil
}

// SetSender replaces the transport; nil switches to log-only.
func (s *Scheduler) SetSender(sender transport.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Config returns the active configuration.
func (s *Scheduler) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Preview renders what a publish would send now, without observing the log
// or touching any marker.
func (s *Scheduler) Preview(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state.Load(ctx)
	if err != nil {
		return "", err
	}
	jobs, err := s.engine.ListJobs(ctx, s.cfg.Briefing.IncludeCompleted)
	if err != nil {
		return "", err
	}
	return Render(s.now(), Body(jobs), st.Escalation.Signal), nil
}

// Tick runs one cycle: observe the log, read jobs, render, decide and
// publish. A failed send is reported in Outcome.SendErr and leaves the
// escalation latch and publish marker untouched so the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	if !cfg.Enabled {
		return Outcome{Skipped: true}, nil
	}
	now := s.now().UTC()
	s.metrics.Tick()

	st, err := s.state.Load(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load state: %w", err)
	}
	var out Outcome
	if cfg.Observe.Enabled && s.observer != nil {
		obs, err := s.observer.Observe(ctx, &st, now)
		if err != nil {
			s.log.Warnw("observe failed", "error", err)
		} else {
			out.Observation = &obs
		}
	}

	all, err := s.engine.CurrentState(ctx)
	if err != nil {
		return out, s.finish(ctx, &st, now, fmt.Errorf("read jobs: %w", err))
	}
	s.metrics.Jobs(countStates(all))
	body := Body(engine.SortJobs(all, cfg.Briefing.IncludeCompleted))
	digest := Digest(body)

	out.Reason = decide(cfg, st, digest, now)
	if out.Reason == "" {
		return out, s.finish(ctx, &st, now, nil)
	}
	out.Published = true
	out.Message = Render(now, body, st.Escalation.Signal)
	s.log.Infow("briefing", "reason", out.Reason, "text", out.Message)

	if s.sender != nil && cfg.Transport.Enabled {
		if err := s.sender.SendText(ctx, cfg.Transport.ChannelID, out.Message); err != nil {
			s.log.Warnw("publish failed; retrying next tick", "channel", cfg.Transport.ChannelID, "error", err)
			s.metrics.Publish("failed")
			out.SendErr = err
			return out, s.finish(ctx, &st, now, nil)
		}
		out.Sent = true
		s.metrics.Publish("sent")
	} else {
		s.metrics.Publish("logged")
	}
	escalation.Consume(&st.Escalation)
	st.Briefing.LastPublishedAt = now
	st.Briefing.LastDigest = digest
	return out, s.finish(ctx, &st, now, nil)
}

func (s *Scheduler) finish(ctx context.Context, st *state.State, now time.Time, cause error) error {
	st.Briefing.LastTickAt = now
	if err := s.state.Save(ctx, *st); err != nil {
		return errors.Join(cause, fmt.Errorf("save state: %w", err))
	}
	return cause
}

// decide returns the publish reason, or "" to stay quiet.
func decide(cfg *config.Config, st state.State, digest string, now time.Time) string {
	if st.Escalation.Pending() {
		return ReasonEscalation
	}
	last := st.Briefing.LastPublishedAt
	if last.IsZero() || now.Sub(last) >= cfg.PublishInterval() {
		if digest != st.Briefing.LastDigest {
			return ReasonChanged
		}
	}
	if idle := cfg.IdleEscalation(); idle > 0 && !last.IsZero() && now.Sub(last) >= idle {
		return ReasonIdle
	}
	return ""
}

func countStates(jobs map[string]domain.JobRecord) map[domain.JobState]int {
	counts := make(map[domain.JobState]int, len(domain.AllStates))
	for _, rec := range jobs {
		counts[rec.State]++
	}
	return counts
}

// Run ticks until ctx is done. The period follows briefing.tick and picks up
// changes made through SetConfig.
func (s *Scheduler) Run(ctx context.Context) error {
	period := s.Config().TickInterval()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		out, err := s.Tick(ctx)
		if err != nil {
			s.log.Errorw("tick failed", "error", err)
		} else if out.Published {
			s.log.Debugw("tick published", "reason", out.Reason, "sent", out.Sent)
		}
		if next := s.Config().TickInterval(); next != period {
			period = next
			ticker.Reset(period)
			s.log.Infow("tick period changed", "period", period.String())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ChannelConfigured reports whether cfg can deliver to a channel.
func ChannelConfigured(cfg *config.Config) bool {
	return cfg.Transport.Enabled && strings.TrimSpace(cfg.Transport.ChannelID) != "" && cfg.TransportToken() != ""
}
