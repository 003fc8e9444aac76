// Package scheduler owns the global run queue and the single running slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	MinPriority = 0
	MaxPriority = 10
)

var (
	// ErrNotQueued is returned when an operation targets a run that is not waiting in the queue.
	ErrNotQueued = errors.New("run is not queued")
	// ErrHoldsSlot is returned when a run that holds the running slot is enqueued again.
	ErrHoldsSlot = errors.New("run holds the running slot")
)

// Entry is one queued run.
type Entry struct {
	RunID      string    `json:"runId"`
	Priority   int       `json:"priority"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Store keeps the queued entries ordered by priority desc, then Seq asc.
type Store interface {
	NextSeq(ctx context.Context) (int64, error)
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, runID string) (Entry, bool, error)
	Remove(ctx context.Context, runID string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// QueuedRun is an entry with its 1-based position in the queue.
type QueuedRun struct {
	Entry

	Position int `json:"position"`
}

// Snapshot is a point-in-time view of the slot and the queue.
type Snapshot struct {
	Running string      `json:"running,omitempty"`
	Queued  []QueuedRun `json:"queued"`
}

// Scheduler admits at most one run at a time. The slot lives in process
// memory while the queue itself lives in the store.
type Scheduler struct {
	logger  *slog.Logger
	store   Store
	mu      sync.Mutex
	running string
}

func New(store Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("module", "scheduler"),
		store:  store,
	}
}

// ClampPriority bounds a priority to MinPriority..MaxPriority.
func ClampPriority(n int) int {
	return min(max(n, MinPriority), MaxPriority)
}

// Enqueue adds a run to the queue. Enqueueing a run that is already queued
// keeps its place and updates its priority.
func (s *Scheduler) Enqueue(ctx context.Context, runID string, priority int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == runID {
		return Entry{}, ErrHoldsSlot
	}

	priority = ClampPriority(priority)

	entry, ok, err := s.store.Get(ctx, runID)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read queue entry: %w", err)
	}

	if ok {
		entry.Priority = priority
	} else {
		seq, err := s.store.NextSeq(ctx)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to allocate queue sequence: %w", err)
		}

		entry = Entry{RunID: runID, Priority: priority, Seq: seq, EnqueuedAt: time.Now().UTC()}
	}

	if err := s.store.Put(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue run: %w", err)
	}

	s.logger.DebugContext(ctx, "Run enqueued", "run_id", runID, "priority", priority, "seq", entry.Seq)

	return entry, nil
}

// SetPriority changes the priority of a queued run, clamped to the allowed range.
func (s *Scheduler) SetPriority(ctx context.Context, runID string, priority int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.store.Get(ctx, runID)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read queue entry: %w", err)
	}

	if !ok {
		return Entry{}, ErrNotQueued
	}

	entry.Priority = ClampPriority(priority)

	if err := s.store.Put(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to update priority: %w", err)
	}

	return entry, nil
}

// Dequeue removes a run from the queue without running it.
func (s *Scheduler) Dequeue(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.store.Remove(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to dequeue run: %w", err)
	}

	if !removed {
		return ErrNotQueued
	}

	return nil
}

// Next claims the slot for the head of the queue. It reports false when the
// slot is already held or the queue is empty.
func (s *Scheduler) Next(ctx context.Context) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != "" {
		return Entry{}, false, nil
	}

	entries, err := s.store.List(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to list queue: %w", err)
	}

	if len(entries) == 0 {
		return Entry{}, false, nil
	}

	head := entries[0]

	if _, err := s.store.Remove(ctx, head.RunID); err != nil {
		return Entry{}, false, fmt.Errorf("failed to pop queue head: %w", err)
	}

	s.running = head.RunID

	s.logger.InfoContext(ctx, "Run admitted", "run_id", head.RunID, "priority", head.Priority)

	return head, true, nil
}

// Release frees the slot if runID holds it.
func (s *Scheduler) Release(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != runID || runID == "" {
		return false
	}

	s.running = ""

	s.logger.Info("Run released slot", "run_id", runID)

	return true
}

// Running returns the run holding the slot, or an empty string.
func (s *Scheduler) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *Scheduler) Holds(runID string) bool {
	return runID != "" && s.Running() == runID
}

// Position returns the 1-based queue position of runID.
func (s *Scheduler) Position(ctx context.Context, runID string) (int, bool, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return 0, false, err
	}

	for _, q := range snap.Queued {
		if q.RunID == runID {
			return q.Position, true, nil
		}
	}

	return 0, false, nil
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list queue: %w", err)
	}

	snap := Snapshot{Running: s.running, Queued: make([]QueuedRun, len(entries))}
	for i, e := range entries {
		snap.Queued[i] = QueuedRun{Entry: e, Position: i + 1}
	}

	return snap, nil
}

func (s *Scheduler) Close() error {
	return s.store.Close()
}

func less(a, b Entry) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}

	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}
