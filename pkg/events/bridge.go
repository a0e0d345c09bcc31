package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root for bridged events.
const DefaultSubjectPrefix = "cadenza.events"

// Bridge mirrors the live event feed onto NATS so out-of-process
// collaborators (remote workers, sibling services) can follow task
// progress without a WebSocket connection.
//
// Subjects:
//
//	{prefix}.global        — every event
//	{prefix}.task.{taskId} — events tagged with a task
type Bridge struct {
	nc     *nats.Conn
	store  *EventStore
	prefix string

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// NewBridge creates a bridge over an established NATS connection.
func NewBridge(nc *nats.Conn, store *EventStore, prefix string) *Bridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Bridge{
		nc:     nc,
		store:  store,
		prefix: prefix,
		done:   make(chan struct{}),
	}
}

// Start begins mirroring events. Returns immediately.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		feed, unsubscribe := b.store.Subscribe()

		go func() {
			defer close(b.done)
			defer unsubscribe()
			for {
				select {
				case <-runCtx.Done():
					return
				case ev, ok := <-feed:
					if !ok {
						return
					}
					b.publish(ev)
				}
			}
		}()
	})
}

// Stop terminates the mirror loop and waits for it to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bridge) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event for NATS", "error", err)
		return
	}

	if err := b.nc.Publish(b.prefix+".global", data); err != nil {
		slog.Warn("Failed to publish event to NATS",
			"subject", b.prefix+".global", "error", err)
	}

	if taskID := taskTag(ev.Payload); taskID != "" {
		subject := b.prefix + ".task." + taskID
		if err := b.nc.Publish(subject, data); err != nil {
			slog.Warn("Failed to publish event to NATS",
				"subject", subject, "error", err)
		}
	}
}
