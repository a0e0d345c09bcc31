package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/pkg/store"
)

// timestampTick is the minimum spacing between two event timestamps.
// When the wall clock has not advanced past the previous timestamp, the
// next one is bumped by this amount to keep the sequence strictly
// increasing.
const timestampTick = 1e-6

// subscriberBuffer is the channel capacity for live subscribers. A
// subscriber that falls this far behind loses live events and recovers
// them through its cursor on the next catchup.
const subscriberBuffer = 256

// StoreConfig bounds the event log.
type StoreConfig struct {
	// RingSize caps the global event ring.
	RingSize int `yaml:"ring_size"`

	// TaskEventCap caps each finished task's event list. Active tasks
	// are exempt: their events are never evicted.
	TaskEventCap int `yaml:"task_event_cap"`
}

// DefaultStoreConfig returns the standard event log bounds.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		RingSize:     1000,
		TaskEventCap: 500,
	}
}

// EventStore is the single mutable global of the engine: every emitted
// event passes through StoreEvent, which assigns a monotonic timestamp
// and persists the event before fan-out. All writes are serialized so
// the global ring's order always matches timestamp order.
type EventStore struct {
	kv       store.Store
	ringSize int
	taskCap  int

	// mu guards lastTS and write ordering into the backing store.
	mu     sync.Mutex
	lastTS float64

	activeMu sync.RWMutex
	active   map[string]bool

	subMu sync.RWMutex
	subs  map[string]chan Event
}

// NewEventStore builds an EventStore on top of kv. The monotonic clock
// is seeded from the newest persisted event so timestamps keep
// increasing across restarts.
func NewEventStore(ctx context.Context, kv store.Store, cfg StoreConfig) (*EventStore, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultStoreConfig().RingSize
	}
	if cfg.TaskEventCap <= 0 {
		cfg.TaskEventCap = DefaultStoreConfig().TaskEventCap
	}

	s := &EventStore{
		kv:       kv,
		ringSize: cfg.RingSize,
		taskCap:  cfg.TaskEventCap,
		active:   make(map[string]bool),
		subs:     make(map[string]chan Event),
	}

	newest, err := s.GetRecentEvents(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to seed event clock: %w", err)
	}
	if len(newest) > 0 {
		s.lastTS = newest[0].Timestamp
	}

	return s, nil
}

// taskTag extracts the owning task id from a payload. Both taskId and
// relatedTaskId tag an event onto a task's list, so log lines about a
// task show up in its history.
func taskTag(payload json.RawMessage) string {
	var routing struct {
		TaskID        string `json:"taskId"`
		RelatedTaskID string `json:"relatedTaskId"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return ""
	}
	if routing.TaskID != "" {
		return routing.TaskID
	}
	return routing.RelatedTaskID
}

// StoreEvent assigns the next monotonic timestamp, persists the event to
// the global ring (and the owning task's list when the payload is
// tagged), and fans it out to live subscribers. Returns the assigned
// timestamp.
func (s *EventStore) StoreEvent(ctx context.Context, eventType string, payload any) (float64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	taskID := taskTag(payloadJSON)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := float64(time.Now().UnixMicro()) / 1e6
	if now <= s.lastTS {
		now = s.lastTS + timestampTick
	}
	s.lastTS = now

	event := Event{
		Type:      eventType,
		Timestamp: now,
		Payload:   payloadJSON,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := s.kv.ListPush(ctx, GlobalEventsKey, data); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if err := s.kv.ListTrim(ctx, GlobalEventsKey, int64(-s.ringSize), -1); err != nil {
		return 0, fmt.Errorf("failed to trim event ring: %w", err)
	}

	if taskID != "" {
		if err := s.kv.ListPush(ctx, TaskEventsKey(taskID), data); err != nil {
			return 0, fmt.Errorf("failed to append task event: %w", err)
		}
		if !s.isActive(taskID) {
			if err := s.kv.ListTrim(ctx, TaskEventsKey(taskID), int64(-s.taskCap), -1); err != nil {
				return 0, fmt.Errorf("failed to trim task events: %w", err)
			}
		}
	}

	s.fanOut(event)
	return now, nil
}

// GetRecentEvents returns the newest count events, oldest first.
func (s *EventStore) GetRecentEvents(ctx context.Context, count int) ([]Event, error) {
	if count <= 0 {
		return nil, nil
	}
	return s.readEvents(ctx, GlobalEventsKey, int64(-count), -1)
}

// GetEventsSince returns events with timestamp strictly greater than ts,
// oldest first, capped at limit (0 means no cap).
func (s *EventStore) GetEventsSince(ctx context.Context, ts float64, limit int) ([]Event, error) {
	all, err := s.readEvents(ctx, GlobalEventsKey, 0, -1)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, ev := range all {
		if ev.Timestamp > ts {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetTaskEvents returns every retained event for the task, in order.
func (s *EventStore) GetTaskEvents(ctx context.Context, taskID string) ([]Event, error) {
	return s.readEvents(ctx, TaskEventsKey(taskID), 0, -1)
}

func (s *EventStore) readEvents(ctx context.Context, key string, start, stop int64) ([]Event, error) {
	raw, err := s.kv.ListRange(ctx, key, start, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to read events from %s: %w", key, err)
	}

	events := make([]Event, 0, len(raw))
	for _, data := range raw {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Skipping undecodable event", "key", key, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SaveClientCursor persists the last timestamp delivered to a client.
func (s *EventStore) SaveClientCursor(ctx context.Context, clientID string, ts float64) error {
	value := strconv.FormatFloat(ts, 'f', -1, 64)
	if err := s.kv.Set(ctx, CursorKey(clientID), []byte(value)); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", clientID, err)
	}
	return nil
}

// GetClientCursor returns a client's cursor. ok is false when the client
// has no cursor yet.
func (s *EventStore) GetClientCursor(ctx context.Context, clientID string) (ts float64, ok bool, err error) {
	data, err := s.kv.Get(ctx, CursorKey(clientID))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load cursor for %s: %w", clientID, err)
	}

	ts, err = strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cursor for %s: %w", clientID, err)
	}
	return ts, true, nil
}

// DeleteClientCursor removes a client's cursor.
func (s *EventStore) DeleteClientCursor(ctx context.Context, clientID string) error {
	return s.kv.Delete(ctx, CursorKey(clientID))
}

// CursorClients lists every client id with a persisted cursor.
func (s *EventStore) CursorClients(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "cursor:")
	if err != nil {
		return nil, err
	}
	clients := make([]string, 0, len(keys))
	for _, k := range keys {
		clients = append(clients, k[len("cursor:"):])
	}
	return clients, nil
}

// MarkTaskActive exempts a task's event list from eviction.
func (s *EventStore) MarkTaskActive(taskID string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[taskID] = true
}

// MarkTaskInactive lifts the eviction exemption and applies the cap to
// the task's accumulated events.
func (s *EventStore) MarkTaskInactive(ctx context.Context, taskID string) error {
	s.activeMu.Lock()
	delete(s.active, taskID)
	s.activeMu.Unlock()

	if err := s.kv.ListTrim(ctx, TaskEventsKey(taskID), int64(-s.taskCap), -1); err != nil {
		return fmt.Errorf("failed to trim task events: %w", err)
	}
	return nil
}

// DeleteTaskEvents drops a task's event list entirely. Used by cleanup
// after a task ages out.
func (s *EventStore) DeleteTaskEvents(ctx context.Context, taskID string) error {
	return s.kv.ListTrim(ctx, TaskEventsKey(taskID), 1, 0)
}

func (s *EventStore) isActive(taskID string) bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.active[taskID]
}

// Subscribe registers a live event feed. The returned cancel func must
// be called to release the subscription. A slow subscriber loses live
// events once its buffer fills; the cursor mechanism recovers them.
func (s *EventStore) Subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *EventStore) fanOut(event Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("Dropping live event for slow subscriber",
				"subscriber_id", id, "event_type", event.Type)
		}
	}
}
