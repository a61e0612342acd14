// Package org provides the role/organization collaborator: durable records
// for roles, agent instances, terminations, and lifecycle events.
package org

import (
	"context"
	"time"
)

// Role describes a named role an agent can be spawned with.
type Role struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	RolePrompt string `yaml:"role_prompt"`
}

// AgentRecord is the persisted form of an agent instance.
type AgentRecord struct {
	ID           string
	RoleID       string
	RoleName     string
	ParentID     string
	TaskID       string
	CreatedAt    time.Time
	TerminatedAt *time.Time
	TerminatedBy string
	Reason       string
}

// CreateAgentInput describes a new agent instance to persist.
type CreateAgentInput struct {
	RoleID   string
	RoleName string
	ParentID string
	TaskID   string
}

// Store is the persistence surface the lifecycle manager depends on.
type Store interface {
	// GetRole resolves a role id. Unknown roles return (nil, nil).
	GetRole(ctx context.Context, roleID string) (*Role, error)

	// CreateAgent persists a new agent instance and allocates its id.
	CreateAgent(ctx context.Context, in CreateAgentInput) (*AgentRecord, error)

	// GetAgent returns a persisted record, or (nil, nil) if unknown.
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)

	// ListAgents returns every persisted record, terminated or not.
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// RecordTermination marks an agent terminated.
	RecordTermination(ctx context.Context, targetID, callerID, reason string) error
}
