package hive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hiveops/hive/org"
	"github.com/hiveops/hive/workspace"
)

// Manager owns the agent registry: creation, parent/child tracking, idle
// detection, and recursive failure-tolerant termination. Registry maps are
// mutated only through Manager methods; no reader ever observes a partially
// updated registry.
type Manager struct {
	bus        *Bus
	store      org.Store
	workspaces workspace.Manager
	behaviors  *BehaviorRegistry
	logger     *slog.Logger

	mu           sync.RWMutex
	agents       map[string]*Agent
	briefs       map[string]TaskBrief
	lastActivity map[string]time.Time
	idleWarned   map[string]bool

	idleThreshold time.Duration
	drainCap      int

	// Lifecycle event callbacks
	onEvent    []func(Event)
	callbackMu sync.RWMutex

	// now is swappable for tests
	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorkspaces sets the workspace collaborator. Without one, workspace
// provisioning and lookups are no-ops.
func WithWorkspaces(w workspace.Manager) ManagerOption {
	return func(m *Manager) {
		m.workspaces = w
	}
}

// WithBehaviors sets the role-name-keyed behavior registry.
func WithBehaviors(r *BehaviorRegistry) ManagerOption {
	return func(m *Manager) {
		m.behaviors = r
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithIdleThreshold sets how long without activity before an agent counts as
// idle.
func WithIdleThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleThreshold = d
	}
}

// WithDrainCap bounds how many messages the termination drain processes per
// agent. The bound guarantees the drain finishes even when handling a message
// makes the agent send itself more.
func WithDrainCap(n int) ManagerOption {
	return func(m *Manager) {
		m.drainCap = n
	}
}

// NewManager creates a Manager on top of a Bus and an org.Store.
func NewManager(bus *Bus, store org.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:           bus,
		store:         store,
		behaviors:     NewBehaviorRegistry(nil),
		logger:        slog.Default(),
		agents:        make(map[string]*Agent),
		briefs:        make(map[string]TaskBrief),
		lastActivity:  make(map[string]time.Time),
		idleWarned:    make(map[string]bool),
		idleThreshold: DefaultIdleThreshold,
		drainCap:      DefaultDrainCap,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SpawnInput describes a new agent.
type SpawnInput struct {
	RoleID   string
	ParentID string
	TaskID   string
	Brief    TaskBrief
}

// Spawn creates a new agent under a parent. Validation and lookup failures
// happen before any state mutation. A workspace is lazily provisioned only
// for direct children of the root sentinel.
func (m *Manager) Spawn(ctx context.Context, in SpawnInput) (*Agent, error) {
	if !validParentID(in.ParentID) {
		return nil, ErrParentRequired
	}
	if in.RoleID == "" {
		return nil, ErrRoleRequired
	}

	role, err := m.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return nil, &AgentError{Op: "spawn: resolve role", Err: err}
	}
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, in.RoleID)
	}

	rec, err := m.store.CreateAgent(ctx, org.CreateAgentInput{
		RoleID:   role.ID,
		RoleName: role.Name,
		ParentID: in.ParentID,
		TaskID:   in.TaskID,
	})
	if err != nil {
		return nil, &AgentError{Op: "spawn: persist agent", Err: err}
	}

	a := &Agent{
		ID:        rec.ID,
		RoleID:    role.ID,
		RoleName:  role.Name,
		ParentID:  in.ParentID,
		TaskID:    in.TaskID,
		CreatedAt: m.now(),
		behavior:  m.behaviors.Resolve(role.Name),
	}
	m.register(a, in.Brief)

	if in.ParentID == SentinelRoot {
		m.provisionWorkspace(ctx, a.ID)
	}

	m.emit(Event{
		Type:     EventAgentSpawned,
		AgentID:  a.ID,
		RoleName: a.RoleName,
		ParentID: a.ParentID,
	})
	return a, nil
}

// SpawnAs spawns on behalf of a caller, forcing the parent to be the caller.
// An explicit conflicting parent in the input is rejected.
func (m *Manager) SpawnAs(ctx context.Context, callerID string, in SpawnInput) (*Agent, error) {
	if in.ParentID != "" && in.ParentID != callerID {
		return nil, ErrInvalidParent
	}
	in.ParentID = callerID
	return m.Spawn(ctx, in)
}

// validParentID rejects empty ids and the serialized-null placeholders that
// upstream callers have been known to pass through.
func validParentID(id string) bool {
	return id != "" && id != "null" && id != "undefined"
}

// register installs an agent into every registry map in one step.
func (m *Manager) register(a *Agent, brief TaskBrief) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
	if brief != nil {
		m.briefs[a.ID] = brief
	}
	m.lastActivity[a.ID] = m.now()
	delete(m.idleWarned, a.ID)
}

// provisionWorkspace lazily provisions a workspace for an agent id.
// Provisioning failures are logged, never propagated.
func (m *Manager) provisionWorkspace(ctx context.Context, id string) {
	if m.workspaces == nil {
		return
	}
	if _, err := m.workspaces.GetWorkspace(ctx, id); err != nil {
		m.logger.Warn("workspace provisioning failed", "agent", id, "error", err)
	}
}

// Terminate removes an agent and every transitive descendant. Only the
// direct parent may terminate; being an ancestor is not enough. Each victim's
// mailbox is drained through its own behavior before removal, so no message
// is silently lost. The operation runs to completion once started.
func (m *Manager) Terminate(ctx context.Context, callerID, targetID, reason string) (string, error) {
	m.mu.RLock()
	target, ok := m.agents[targetID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
	}
	if target.ParentID != callerID {
		return "", ErrNotChildAgent
	}

	victims := append([]string{targetID}, m.CollectDescendants(targetID)...)

	for _, id := range victims {
		m.drainMailbox(ctx, id)
	}

	m.mu.Lock()
	for _, id := range victims {
		delete(m.agents, id)
		delete(m.briefs, id)
		delete(m.lastActivity, id)
		delete(m.idleWarned, id)
		m.bus.DeleteMailbox(id)
	}
	m.mu.Unlock()

	// Every victim is persisted as terminated, not just the target, so a
	// restart never resurrects a cascade-terminated descendant.
	for _, id := range victims {
		if err := m.store.RecordTermination(ctx, id, callerID, reason); err != nil {
			m.logger.Warn("terminate: persist failed", "agent", id, "error", err)
		}
	}

	m.emit(Event{
		Type:     EventAgentTerminated,
		AgentID:  targetID,
		RoleName: target.RoleName,
		ParentID: target.ParentID,
		Data: map[string]string{
			"caller":      callerID,
			"reason":      reason,
			"descendants": strconv.Itoa(len(victims) - 1),
		},
	})

	m.logger.Info("agent terminated", "agent", targetID, "caller", callerID, "descendants", len(victims)-1)
	return targetID, nil
}

// drainMailbox processes a victim's pending messages through its own
// behavior, delayed messages included, up to the drain cap. Handler failures
// are logged and the loop continues.
func (m *Manager) drainMailbox(ctx context.Context, id string) {
	m.mu.RLock()
	a := m.agents[id]
	m.mu.RUnlock()
	if a == nil {
		return
	}

	for i := 0; i < m.drainCap; i++ {
		msg := m.bus.PopAny(id)
		if msg == nil {
			return
		}
		if err := safeHandle(ctx, a.behavior, msg); err != nil {
			m.logger.Warn("drain: handler failed", "agent", id, "message", msg.ID, "error", err)
		}
	}
	if remaining := m.bus.QueueDepth(id); remaining > 0 {
		m.logger.Warn("drain: cap reached, discarding remaining messages", "agent", id, "remaining", remaining)
	}
}

// CollectDescendants returns the full transitive descendant set of an id,
// computed by repeated scans of the flat id→parent map. No child lists are
// materialized, so there is no second source of truth to keep consistent.
func (m *Manager) CollectDescendants(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := map[string]bool{id: true}
	var out []string
	for {
		added := false
		for aid, a := range m.agents {
			if members[aid] || !members[a.ParentID] {
				continue
			}
			members[aid] = true
			out = append(out, aid)
			added = true
		}
		if !added {
			return out
		}
	}
}

// RestoreFromPersistence re-registers every persisted, non-terminated agent
// not already in the registry, resolving behaviors the same way Spawn does,
// and re-provisions workspaces for direct children of root. Idempotent.
// Returns the number of agents restored.
func (m *Manager) RestoreFromPersistence(ctx context.Context) (int, error) {
	recs, err := m.store.ListAgents(ctx)
	if err != nil {
		return 0, &AgentError{Op: "restore: list agents", Err: err}
	}

	restored := 0
	for _, rec := range recs {
		if rec.TerminatedAt != nil {
			continue
		}
		m.mu.RLock()
		_, exists := m.agents[rec.ID]
		m.mu.RUnlock()
		if exists {
			continue
		}

		a := &Agent{
			ID:        rec.ID,
			RoleID:    rec.RoleID,
			RoleName:  rec.RoleName,
			ParentID:  rec.ParentID,
			TaskID:    rec.TaskID,
			CreatedAt: rec.CreatedAt,
			behavior:  m.behaviors.Resolve(rec.RoleName),
		}
		m.register(a, nil)

		if rec.ParentID == SentinelRoot {
			m.provisionWorkspace(ctx, rec.ID)
		}

		m.emit(Event{
			Type:     EventAgentRestored,
			AgentID:  a.ID,
			RoleName: a.RoleName,
			ParentID: a.ParentID,
		})
		restored++
	}
	return restored, nil
}

// UpdateActivity resets an agent's activity timestamp and clears its idle
// warning flag.
func (m *Manager) UpdateActivity(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return
	}
	m.lastActivity[agentID] = m.now()
	delete(m.idleWarned, agentID)
}

// CheckIdle returns the agents that newly exceed the idle threshold. An agent
// appears at most once per idle episode: the warning flag suppresses repeats
// until UpdateActivity clears it.
func (m *Manager) CheckIdle() []string {
	now := m.now()

	m.mu.Lock()
	var idle []string
	for id, last := range m.lastActivity {
		if now.Sub(last) < m.idleThreshold || m.idleWarned[id] {
			continue
		}
		m.idleWarned[id] = true
		idle = append(idle, id)
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Warn("agent idle", "agent", id, "threshold", m.idleThreshold)
		m.emit(Event{Type: EventIdleWarning, AgentID: id})
	}
	return idle
}

// FindWorkspaceFor walks the parent chain upward until it finds an id with a
// provisioned workspace, letting any agent inherit its nearest ancestor's
// workspace. Returns (nil, nil) when the chain reaches a sentinel or leaves
// the registry without a hit.
func (m *Manager) FindWorkspaceFor(ctx context.Context, agentID string) (*workspace.Workspace, error) {
	if m.workspaces == nil {
		return nil, nil
	}

	cur := agentID
	for {
		if m.workspaces.WorkspaceExists(cur) {
			return m.workspaces.GetWorkspace(ctx, cur)
		}
		if IsSentinel(cur) {
			return nil, nil
		}
		m.mu.RLock()
		a := m.agents[cur]
		m.mu.RUnlock()
		if a == nil {
			return nil, nil
		}
		cur = a.ParentID
	}
}

// AgentStatus is a point-in-time view of a registered agent.
type AgentStatus struct {
	ID                 string `json:"id"`
	RoleID             string `json:"role_id"`
	RoleName           string `json:"role_name"`
	ParentID           string `json:"parent_id"`
	Status             string `json:"status"`
	QueueDepth         int    `json:"queue_depth"`
	ConversationLength int    `json:"conversation_length"`
}

// GetAgentStatus returns the agent's status, or nil if it is not registered.
func (m *Manager) GetAgentStatus(agentID string) *AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil
	}

	status := "active"
	if m.now().Sub(m.lastActivity[agentID]) >= m.idleThreshold {
		status = "idle"
	}
	return &AgentStatus{
		ID:                 a.ID,
		RoleID:             a.RoleID,
		RoleName:           a.RoleName,
		ParentID:           a.ParentID,
		Status:             status,
		QueueDepth:         m.bus.QueueDepth(agentID),
		ConversationLength: len(a.conversation),
	}
}

// ListAgentInstances returns a snapshot of all registered agents.
func (m *Manager) ListAgentInstances() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	return agents
}

// GetTaskBrief returns the opaque brief attached at spawn time.
func (m *Manager) GetTaskBrief(agentID string) (TaskBrief, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	brief, ok := m.briefs[agentID]
	return brief, ok
}

// SendMessage enforces the tool-layer routing policy in front of the bus:
// a non-sentinel sender may address another non-sentinel agent only when
// both share the same task; sentinels are exempt. The bus itself only
// guarantees ordering.
func (m *Manager) SendMessage(in SendInput) (string, error) {
	if !IsSentinel(in.From) && !IsSentinel(in.To) {
		m.mu.RLock()
		from, fromOK := m.agents[in.From]
		to, toOK := m.agents[in.To]
		m.mu.RUnlock()
		if !fromOK {
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, in.From)
		}
		if !toOK {
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, in.To)
		}
		if from.TaskID != to.TaskID {
			return "", ErrTaskIsolation
		}
		if in.TaskID == "" {
			in.TaskID = from.TaskID
		}
	}
	return m.bus.Send(in)
}

// ProcessNext pops one ready message for an agent and invokes its behavior.
// It is the step function the dispatch layer drives agents with. Handler
// failures are logged, never propagated; the message still counts as
// processed. Returns false when no message was ready.
func (m *Manager) ProcessNext(ctx context.Context, agentID string) (bool, error) {
	m.mu.RLock()
	a := m.agents[agentID]
	m.mu.RUnlock()
	if a == nil {
		return false, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	msg := m.bus.ReceiveNext(agentID)
	if msg == nil {
		return false, nil
	}

	if err := safeHandle(ctx, a.behavior, msg); err != nil {
		m.logger.Warn("message handler failed", "agent", agentID, "message", msg.ID, "error", err)
	}

	m.mu.Lock()
	a.conversation = append(a.conversation, msg)
	m.lastActivity[agentID] = m.now()
	delete(m.idleWarned, agentID)
	m.mu.Unlock()
	return true, nil
}
