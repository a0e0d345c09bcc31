package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Dispatcher routes client commands into the engine. Implemented by
// engine.Engine; the hub stays ignorant of workflow semantics.
type Dispatcher interface {
	// AssignTask starts a workflow for an externally constructed task.
	AssignTask(ctx context.Context, msg *ClientMessage) error

	// HandleChatMessage begins a task from free chat, or feeds the
	// message into the named task's conversation when taskID is set.
	HandleChatMessage(ctx context.Context, clientID, taskID, message string) error

	// HandleUserInput resumes a workflow that is waiting on the user.
	HandleUserInput(ctx context.Context, taskID, message string) error

	// HandleApproval resolves a pending approval request.
	HandleApproval(ctx context.Context, requestID string, approved bool) error

	// HandleOptionSelected resolves a pending selection request.
	HandleOptionSelected(ctx context.Context, requestID, option string) error

	// UpdateLLMConfig rebinds the LLM client at runtime from the
	// message's provider/model/baseUrl/apiKeyEnv fields.
	UpdateLLMConfig(ctx context.Context, msg *ClientMessage) error
}

// HubConfig tunes the fan-out adapter.
type HubConfig struct {
	// WriteTimeout bounds each WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CursorInterval is how often dirty client cursors are persisted.
	CursorInterval time.Duration `yaml:"cursor_interval"`

	// CatchupLimit caps how many missed events are replayed on
	// reconnect. Beyond it the client is told to do a full reload.
	CatchupLimit int `yaml:"catchup_limit"`

	// RecentOnConnect is how many recent events a brand-new client
	// (no cursor) receives on connect.
	RecentOnConnect int `yaml:"recent_on_connect"`
}

// DefaultHubConfig returns the standard fan-out settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    5 * time.Second,
		CursorInterval:  5 * time.Second,
		CatchupLimit:    200,
		RecentOnConnect: 50,
	}
}

// Hub manages WebSocket connections, replays missed events from client
// cursors, broadcasts live events, and dispatches client commands to
// the engine. Each process has one Hub instance.
type Hub struct {
	store      *EventStore
	dispatcher Dispatcher
	cfg        HubConfig

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// runCtx is the context dispatched commands run under. Commands
	// outlive their originating connection: a workflow keeps executing
	// after its client disconnects.
	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// Connection represents a single WebSocket client.
type Connection struct {
	ID       string // unique per socket
	ClientID string // stable client identity, owns the cursor
	Conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc

	// cursor tracking
	curMu    sync.Mutex
	lastSent float64
	dirty    bool
}

// noteSent records a delivered event timestamp for cursor persistence.
func (c *Connection) noteSent(ts float64) {
	c.curMu.Lock()
	defer c.curMu.Unlock()
	if ts > c.lastSent {
		c.lastSent = ts
		c.dirty = true
	}
}

// takeCursor returns the cursor if it changed since the last call.
func (c *Connection) takeCursor() (float64, bool) {
	c.curMu.Lock()
	defer c.curMu.Unlock()
	if !c.dirty {
		return 0, false
	}
	c.dirty = false
	return c.lastSent, true
}

// NewHub creates a Hub over the given store. dispatcher may be nil in
// read-only deployments; command messages are then rejected.
func NewHub(store *EventStore, dispatcher Dispatcher, cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CursorInterval <= 0 {
		cfg.CursorInterval = def.CursorInterval
	}
	if cfg.CatchupLimit <= 0 {
		cfg.CatchupLimit = def.CatchupLimit
	}
	if cfg.RecentOnConnect <= 0 {
		cfg.RecentOnConnect = def.RecentOnConnect
	}

	return &Hub{
		store:       store,
		dispatcher:  dispatcher,
		cfg:         cfg,
		connections: make(map[string]*Connection),
		done:        make(chan struct{}),
	}
}

// Start begins broadcasting live events to connected clients. Returns
// immediately; Stop shuts the broadcast loop down.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.runCtx, h.runCancel = context.WithCancel(ctx)
		feed, cancel := h.store.Subscribe()
		go func() {
			defer close(h.done)
			defer cancel()
			for {
				select {
				case <-h.runCtx.Done():
					return
				case ev, ok := <-feed:
					if !ok {
						return
					}
					h.broadcast(ev)
				}
			}
		}()
	})
}

// Stop terminates the broadcast loop and waits for it to exit.
func (h *Hub) Stop() {
	if h.runCancel == nil {
		return
	}
	h.runCancel()
	<-h.done
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection. Called by the HTTP handler after upgrade; blocks until
// the connection closes. clientID may be empty for ephemeral clients.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, clientID string) {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:       uuid.New().String(),
		ClientID: clientID,
		Conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
		"client_id":     clientID,
	})

	h.replayMissed(ctx, c)
	go h.cursorLoop(c)

	// Read loop — process client messages until the connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", c.ID, "error", err)
			continue
		}

		h.handleClientMessage(ctx, c, &msg)
	}
}

// replayMissed delivers events the client missed while disconnected.
// Known clients replay from their cursor; new clients get the most
// recent events only.
func (h *Hub) replayMissed(ctx context.Context, c *Connection) {
	cursor, known, err := h.store.GetClientCursor(ctx, c.ClientID)
	if err != nil {
		slog.Error("Cursor lookup failed", "client_id", c.ClientID, "error", err)
		return
	}

	var events []Event
	overflow := false
	if known {
		events, err = h.store.GetEventsSince(ctx, cursor, h.cfg.CatchupLimit+1)
		if err == nil && len(events) > h.cfg.CatchupLimit {
			overflow = true
			events = events[:h.cfg.CatchupLimit]
		}
	} else {
		events, err = h.store.GetRecentEvents(ctx, h.cfg.RecentOnConnect)
	}
	if err != nil {
		slog.Error("Catchup query failed", "client_id", c.ClientID, "error", err)
		return
	}

	for _, ev := range events {
		if err := h.sendEvent(c, ev); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// If more events were missed than the catchup limit, tell the
	// client to do a full reload instead of paginating catchup.
	if overflow {
		h.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"has_more": true,
		})
	}

	h.persistCursor(c)
}

// cursorLoop periodically persists the connection's cursor while it is
// alive, and once more on exit.
func (h *Hub) cursorLoop(c *Connection) {
	ticker := time.NewTicker(h.cfg.CursorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			h.persistCursor(c)
			return
		case <-ticker.C:
			h.persistCursor(c)
		}
	}
}

// persistCursor saves the cursor if it moved. Uses a detached context
// so the final save still works after the connection context is gone.
func (h *Hub) persistCursor(c *Connection) {
	ts, moved := c.takeCursor()
	if !moved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.SaveClientCursor(ctx, c.ClientID, ts); err != nil {
		slog.Warn("Failed to persist client cursor",
			"client_id", c.ClientID, "error", err)
	}
}

// broadcast sends a live event to every connection.
func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal event for broadcast", "error", err)
		return
	}

	// Snapshot connection pointers under the lock, then release before
	// sending. Sends can block up to WriteTimeout each; holding the
	// lock would stall register/unregister.
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "error", err)
			continue
		}
		c.noteSent(ev.Timestamp)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// handleClientMessage dispatches a client message. Engine commands run
// on their own goroutine under the hub's context: workflows keep
// running after the submitting client disconnects, and the read loop
// never blocks behind an agent call.
func (h *Hub) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case ClientMsgPing:
		h.sendJSON(c, map[string]string{"type": "pong"})

	case ClientMsgRequestTaskEvents:
		if msg.TaskID == "" {
			h.sendError(c, "taskId is required for request_task_events")
			return
		}
		events, err := h.store.GetTaskEvents(ctx, msg.TaskID)
		if err != nil {
			h.sendError(c, "failed to load task events")
			return
		}
		if events == nil {
			events = []Event{}
		}
		h.sendJSON(c, map[string]any{
			"type": EventTypeTaskEventsResponse,
			"payload": TaskEventsResponsePayload{
				TaskID:    msg.TaskID,
				Events:    events,
				Timestamp: stamp(),
			},
		})

	case ClientMsgAssignTask, ClientMsgChatMessage, ClientMsgTaskInteraction,
		ClientMsgApproveRequest, ClientMsgRejectRequest,
		ClientMsgSelectOption, ClientMsgUpdateLLMConfig:
		h.dispatch(c, msg)

	default:
		h.sendError(c, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (h *Hub) dispatch(c *Connection, msg *ClientMessage) {
	if h.dispatcher == nil {
		h.sendError(c, "commands are not accepted on this endpoint")
		return
	}

	runCtx := h.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}

	go func() {
		var err error
		switch msg.Type {
		case ClientMsgAssignTask:
			err = h.dispatcher.AssignTask(runCtx, msg)
		case ClientMsgChatMessage:
			err = h.dispatcher.HandleChatMessage(runCtx, c.ClientID, msg.TaskID, msg.Message)
		case ClientMsgTaskInteraction:
			if msg.Role != InteractionRoleUser {
				err = fmt.Errorf("task_interaction role must be %q", InteractionRoleUser)
				break
			}
			err = h.dispatcher.HandleUserInput(runCtx, msg.TaskID, msg.Message)
		case ClientMsgApproveRequest:
			err = h.dispatcher.HandleApproval(runCtx, msg.RequestRef(), true)
		case ClientMsgRejectRequest:
			err = h.dispatcher.HandleApproval(runCtx, msg.RequestRef(), false)
		case ClientMsgSelectOption:
			err = h.dispatcher.HandleOptionSelected(runCtx, msg.RequestRef(), msg.Option)
		case ClientMsgUpdateLLMConfig:
			err = h.dispatcher.UpdateLLMConfig(runCtx, msg)
		}

		if err != nil {
			slog.Warn("Client command failed",
				"client_id", c.ClientID, "message_type", msg.Type, "error", err)
			h.sendJSON(c, map[string]string{
				"type":         "command.error",
				"message_type": msg.Type,
				"message":      err.Error(),
			})
		}
	}()
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	h.persistCursor(c)
}

// sendEvent sends a stored event and records its timestamp for the
// cursor.
func (h *Hub) sendEvent(c *Connection, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.sendRaw(c, data); err != nil {
		return err
	}
	c.noteSent(ev.Timestamp)
	return nil
}

func (h *Hub) sendError(c *Connection, message string) {
	h.sendJSON(c, map[string]string{"type": "error", "message": message})
}

// sendJSON marshals and sends a JSON message to a single connection.
func (h *Hub) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (h *Hub) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.cfg.WriteTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
