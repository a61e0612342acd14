package hive

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Agent is a registered actor in the hierarchy. It is a record, not a running
// goroutine: agents are driven by an external message loop that pops ready
// messages from the Bus and invokes the agent's behavior.
type Agent struct {
	// ID is the unique identifier allocated at spawn time
	ID string

	// RoleID and RoleName identify the role resolved at spawn time
	RoleID   string
	RoleName string

	// ParentID is assigned once at creation and never reassigned
	ParentID string

	// TaskID groups agents working the same task (cross-group isolation)
	TaskID string

	// CreatedAt is when the agent was spawned or restored
	CreatedAt time.Time

	// behavior handles incoming messages
	behavior Behavior

	// conversation is the history of processed messages, guarded by the
	// manager's mutex
	conversation []*Message
}

// Sentinel identities. These pseudo-agents anchor the forest and are never
// created or terminated through the normal lifecycle flow.
const (
	SentinelRoot = "root"
	SentinelUser = "user"
)

// IsSentinel reports whether id names a sentinel identity.
func IsSentinel(id string) bool {
	return id == SentinelRoot || id == SentinelUser
}

// Default configuration values
const (
	// DefaultDrainCap bounds how many messages termination drains per agent
	DefaultDrainCap = 100

	// DefaultIdleThreshold is how long without activity before an agent is
	// considered idle
	DefaultIdleThreshold = 10 * time.Minute

	// DefaultMaxConcurrent is the default global cap for the Controller
	DefaultMaxConcurrent = 4
)

// TaskBrief is opaque structured data attached to an agent at spawn time.
// The core stores it keyed by agent id and never interprets it.
type TaskBrief map[string]any

// Behavior handles messages delivered to an agent. Implementations are
// resolved per role name from a BehaviorRegistry at spawn time.
//
// OnMessage failures are caught and logged by the caller, never propagated.
type Behavior interface {
	OnMessage(ctx context.Context, msg *Message) error
}

// BehaviorFunc adapts a function to the Behavior interface.
type BehaviorFunc func(ctx context.Context, msg *Message) error

// OnMessage calls the function.
func (f BehaviorFunc) OnMessage(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// NoopBehavior accepts every message and does nothing. It is the fallback
// when no role-specific behavior is registered.
type NoopBehavior struct{}

// OnMessage discards the message.
func (NoopBehavior) OnMessage(ctx context.Context, msg *Message) error {
	return nil
}

// BehaviorRegistry maps role names to behaviors. Roles with no registered
// behavior resolve to the fallback.
type BehaviorRegistry struct {
	mu       sync.RWMutex
	byRole   map[string]Behavior
	fallback Behavior
}

// NewBehaviorRegistry creates a registry with the given fallback.
// A nil fallback defaults to NoopBehavior.
func NewBehaviorRegistry(fallback Behavior) *BehaviorRegistry {
	if fallback == nil {
		fallback = NoopBehavior{}
	}
	return &BehaviorRegistry{
		byRole:   make(map[string]Behavior),
		fallback: fallback,
	}
}

// Register binds a behavior to a role name, replacing any previous binding.
func (r *BehaviorRegistry) Register(roleName string, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[roleName] = b
}

// Resolve returns the behavior for a role name, or the fallback.
func (r *BehaviorRegistry) Resolve(roleName string) Behavior {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.byRole[roleName]; ok {
		return b
	}
	return r.fallback
}

// safeHandle invokes a behavior, converting panics into errors so a broken
// handler can never take down a drain or a message pump.
func safeHandle(ctx context.Context, b Behavior, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return b.OnMessage(ctx, msg)
}
