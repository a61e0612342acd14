package hive

import "errors"

// Standard errors
var (
	// ErrParentRequired is returned when spawn input lacks a usable parent id.
	ErrParentRequired = errors.New("parentAgentId required")

	// ErrRoleRequired is returned when spawn input lacks a role id.
	ErrRoleRequired = errors.New("roleId required")

	// ErrRoleNotFound is returned when the role id does not resolve to a known role.
	ErrRoleNotFound = errors.New("role not found")

	// ErrAgentNotFound is returned when an agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNotChildAgent is returned when a caller tries to terminate an agent
	// it is not the direct parent of.
	ErrNotChildAgent = errors.New("not a child agent")

	// ErrInvalidParent is returned by SpawnAs when the input names a parent
	// other than the caller.
	ErrInvalidParent = errors.New("invalid parentAgentId")

	// ErrTaskIsolation is returned when two non-sentinel agents on different
	// tasks try to message each other.
	ErrTaskIsolation = errors.New("agents do not share a task")

	// ErrRequestAborted rejects the future of a queued request removed by Abort.
	ErrRequestAborted = errors.New("request aborted")

	// ErrNotCompleted is returned by Future.Result before completion.
	ErrNotCompleted = errors.New("future not completed")
)

// AgentError wraps errors with agent context.
type AgentError struct {
	AgentID string
	Op      string
	Err     error
}

func (e *AgentError) Error() string {
	if e.AgentID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.AgentID + ": " + e.Err.Error()
}

func (e *AgentError) Unwrap() error {
	return e.Err
}
