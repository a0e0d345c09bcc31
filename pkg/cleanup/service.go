// Package cleanup enforces retention on finished workflow state.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

// Config tunes the retention sweeps.
type Config struct {
	// Disabled turns the background loop off entirely.
	Disabled bool `yaml:"disabled"`

	// Interval is the time between sweeps.
	Interval time.Duration `yaml:"interval"`

	// WorkflowTTL is how long terminal workflows and their event
	// histories are kept after completion.
	WorkflowTTL time.Duration `yaml:"workflow_ttl"`

	// CursorTTL is how long an idle client's replay cursor survives
	// before it is dropped.
	CursorTTL time.Duration `yaml:"cursor_ttl"`
}

// DefaultConfig returns the standard retention settings.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Hour,
		WorkflowTTL: 24 * time.Hour,
		CursorTTL:   7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.WorkflowTTL <= 0 {
		c.WorkflowTTL = def.WorkflowTTL
	}
	if c.CursorTTL <= 0 {
		c.CursorTTL = def.CursorTTL
	}
	return c
}

// Service periodically removes expired state:
//   - terminal workflows past their TTL, with their event histories
//   - replay cursors of clients that have not reconnected
//
// Both sweeps are idempotent and tolerate concurrent task activity.
type Service struct {
	cfg       Config
	workflows *workflow.Manager
	events    *events.EventStore
	log       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service over the workflow manager and
// event store.
func NewService(cfg Config, workflows *workflow.Manager, eventStore *events.EventStore) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		workflows: workflows,
		events:    eventStore,
		log:       slog.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Disabled {
		s.log.Info("cleanup disabled by configuration")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("cleanup started",
		"interval", s.cfg.Interval,
		"workflow_ttl", s.cfg.WorkflowTTL,
		"cursor_ttl", s.cfg.CursorTTL)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.log.Info("cleanup stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepWorkflows(ctx)
	s.sweepCursors(ctx)
}

// sweepWorkflows drops terminal workflows past the TTL along with the
// per-task event lists nobody can page back to anymore.
func (s *Service) sweepWorkflows(ctx context.Context) {
	removed, err := s.workflows.CleanupTerminal(ctx, s.cfg.WorkflowTTL)
	if err != nil {
		s.log.Error("retention: workflow sweep failed", "error", err)
	}
	for _, taskID := range removed {
		if err := s.events.DeleteTaskEvents(ctx, taskID); err != nil {
			s.log.Error("retention: failed to drop task events",
				"task_id", taskID, "error", err)
		}
		if err := s.events.MarkTaskInactive(ctx, taskID); err != nil {
			s.log.Error("retention: failed to clear active marker",
				"task_id", taskID, "error", err)
		}
	}
	if len(removed) > 0 {
		s.log.Info("retention: removed expired workflows", "count", len(removed))
	}
}

// sweepCursors drops replay cursors whose last-seen event is older
// than the TTL. A returning client falls back to the recent-events
// snapshot instead of an incremental catch-up.
func (s *Service) sweepCursors(ctx context.Context) {
	clients, err := s.events.CursorClients(ctx)
	if err != nil {
		s.log.Error("retention: cursor listing failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.cfg.CursorTTL)
	var dropped int
	for _, clientID := range clients {
		ts, ok, err := s.events.GetClientCursor(ctx, clientID)
		if err != nil {
			s.log.Error("retention: cursor read failed",
				"client_id", clientID, "error", err)
			continue
		}
		if !ok || !cursorTime(ts).Before(cutoff) {
			continue
		}
		if err := s.events.DeleteClientCursor(ctx, clientID); err != nil {
			s.log.Error("retention: cursor delete failed",
				"client_id", clientID, "error", err)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		s.log.Info("retention: dropped stale client cursors", "count", dropped)
	}
}

// cursorTime converts an event timestamp (fractional Unix seconds)
// into a time.Time.
func cursorTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
