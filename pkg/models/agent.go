package models

import "strconv"

// AgentTransport selects how the engine reaches a worker agent.
type AgentTransport string

const (
	// TransportGeneric runs the agent as an LLM prompt inside this process.
	TransportGeneric AgentTransport = "generic"
	// TransportNATS dispatches the agent over NATS request/reply to an
	// out-of-process collaborator.
	TransportNATS AgentTransport = "nats"
)

// AgentDescriptor describes one agent available to the planner: who it
// is, what kind of work it does, and how the engine reaches it.
type AgentDescriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Transport   AgentTransport `json:"transport,omitempty"`
}

// Context bag keys shared between the engine and the Q&A handler.
const (
	// ContextKeyNextWorker holds the worker id a schema gate scheduled
	// for execution after the current Q&A step.
	ContextKeyNextWorker = "next_worker_id"
)

// Conversation flag keys coordinating the schema gate with the engine.
const (
	// FlagWorkerDone marks that the schema's worker has completed; the
	// gate stops scheduling executions once it is set.
	FlagWorkerDone = "worker_done"
	// FlagNeedsWorker marks that the Q&A gate scheduled a worker
	// execution that has not completed yet.
	FlagNeedsWorker = "needs_worker_execution"
)

// StepResultContextKey returns the context key under which a completed
// step's result is stashed for downstream steps ("step_<order>_result").
func StepResultContextKey(order int) string {
	return "step_" + strconv.Itoa(order) + "_result"
}
