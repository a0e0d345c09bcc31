package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/cadenza-io/cadenza/pkg/models"
)

// DefaultAgentSubjectPrefix is the subject prefix remote workers listen
// under. A worker for agent id X serves <prefix>.X.execute.
const DefaultAgentSubjectPrefix = "cadenza.agents"

// remoteRequest is the wire shape sent to a remote worker.
type remoteRequest struct {
	Description string      `json:"description"`
	Context     TaskContext `json:"context"`
}

// RemoteWorker executes steps by NATS request/reply against an
// out-of-process worker. The reply must be a JSON models.AgentResult.
type RemoteWorker struct {
	nc      *nats.Conn
	agentID string
	subject string
	log     *slog.Logger
}

// NewRemoteWorker binds a remote worker for the agent id. An empty
// prefix selects the default.
func NewRemoteWorker(nc *nats.Conn, agentID, prefix string) *RemoteWorker {
	if prefix == "" {
		prefix = DefaultAgentSubjectPrefix
	}
	return &RemoteWorker{
		nc:      nc,
		agentID: agentID,
		subject: fmt.Sprintf("%s.%s.execute", prefix, agentID),
		log:     slog.Default().With("component", "remote_worker", "agent_id", agentID),
	}
}

// Subject returns the NATS subject this worker calls.
func (w *RemoteWorker) Subject() string {
	return w.subject
}

// ExecuteTask sends the step to the remote worker and waits for its
// reply. The executor's timeout context bounds the wait.
func (w *RemoteWorker) ExecuteTask(ctx context.Context, description string, tc TaskContext) *models.AgentResult {
	payload, err := json.Marshal(remoteRequest{Description: description, Context: tc})
	if err != nil {
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("encoding request for agent %s: %v", w.agentID, err))
	}

	msg, err := w.nc.RequestWithContext(ctx, w.subject, payload)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return models.FailedResult(models.ErrCodeUnavailable,
				fmt.Sprintf("agent %s has no live workers", w.agentID))
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return models.FailedResult(models.ErrCodeTimeout,
				fmt.Sprintf("agent %s did not reply in time", w.agentID))
		case errors.Is(err, context.Canceled):
			return models.FailedResult(models.ErrCodeCancelled,
				fmt.Sprintf("request to agent %s was cancelled", w.agentID))
		}
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("request to agent %s failed: %v", w.agentID, err))
	}

	var res models.AgentResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		w.log.Warn("remote worker replied with undecodable result", "error", err)
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("agent %s replied with an unreadable result", w.agentID))
	}
	if res.Status == "" {
		return models.FailedResult(models.ErrCodeInternal,
			fmt.Sprintf("agent %s replied without a status", w.agentID))
	}
	return &res
}
