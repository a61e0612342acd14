// Package workspace provides the workspace collaborator: isolated working
// areas provisioned lazily for agents spawned directly under the root
// sentinel and inherited by their descendants.
package workspace

import "context"

// Workspace is a provisioned working area for an agent subtree.
type Workspace struct {
	// ID is the owning agent's id
	ID string

	// Path is the host directory backing the workspace
	Path string

	// ContainerID is set when the workspace is container-backed
	ContainerID string
}

// Manager provisions and resolves workspaces.
type Manager interface {
	// GetWorkspace returns the workspace for an id, provisioning it if it
	// does not exist yet.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	// CreateWorkspace provisions a workspace for an id.
	CreateWorkspace(ctx context.Context, id string) (*Workspace, error)

	// WorkspaceExists reports whether a workspace has been provisioned.
	WorkspaceExists(id string) bool
}
