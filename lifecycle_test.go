package hive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hiveops/hive/org"
	"github.com/hiveops/hive/workspace"
)

// mockStore is an in-memory org.Store for manager tests.
type mockStore struct {
	mu           sync.Mutex
	roles        map[string]org.Role
	records      []*org.AgentRecord
	nextID       int
	createErr    error
	terminateErr error
}

func newMockStore(roles ...org.Role) *mockStore {
	s := &mockStore{roles: make(map[string]org.Role)}
	for _, r := range roles {
		s.roles[r.ID] = r
	}
	return s
}

func (s *mockStore) GetRole(ctx context.Context, roleID string) (*org.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *mockStore) CreateAgent(ctx context.Context, in org.CreateAgentInput) (*org.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	rec := &org.AgentRecord{
		ID:        fmt.Sprintf("agent-%d", s.nextID),
		RoleID:    in.RoleID,
		RoleName:  in.RoleName,
		ParentID:  in.ParentID,
		TaskID:    in.TaskID,
		CreatedAt: time.Now(),
	}
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *mockStore) GetAgent(ctx context.Context, id string) (*org.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *mockStore) ListAgents(ctx context.Context) ([]*org.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*org.AgentRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *mockStore) RecordTermination(ctx context.Context, targetID, callerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminateErr != nil {
		return s.terminateErr
	}
	for _, rec := range s.records {
		if rec.ID == targetID {
			now := time.Now()
			rec.TerminatedAt = &now
			rec.TerminatedBy = callerID
			rec.Reason = reason
			return nil
		}
	}
	return fmt.Errorf("no record for %s", targetID)
}

func (s *mockStore) terminated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec.TerminatedAt != nil
		}
	}
	return false
}

var testRoles = []org.Role{
	{ID: "role-lead", Name: "lead", RolePrompt: "Coordinate the task."},
	{ID: "role-worker", Name: "worker", RolePrompt: "Do the task."},
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *Bus, *mockStore) {
	t.Helper()
	bus := NewBus()
	store := newMockStore(testRoles...)
	m := NewManager(bus, store, opts...)
	return m, bus, store
}

func TestSpawnValidation(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      SpawnInput
		wantErr error
	}{
		{"empty parent", SpawnInput{RoleID: "role-worker"}, ErrParentRequired},
		{"null parent", SpawnInput{RoleID: "role-worker", ParentID: "null"}, ErrParentRequired},
		{"undefined parent", SpawnInput{RoleID: "role-worker", ParentID: "undefined"}, ErrParentRequired},
		{"empty role", SpawnInput{ParentID: SentinelRoot}, ErrRoleRequired},
		{"unknown role", SpawnInput{RoleID: "role-ghost", ParentID: SentinelRoot}, ErrRoleNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Spawn(ctx, tt.in); !errors.Is(err, tt.wantErr) {
				t.Errorf("Spawn() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := len(m.ListAgentInstances()); n != 0 {
		t.Errorf("registry holds %d agents after failed spawns, want 0", n)
	}
	if n := len(store.records); n != 0 {
		t.Errorf("store holds %d records after failed spawns, want 0", n)
	}
}

func TestSpawnPersistenceFailure(t *testing.T) {
	m, _, store := newTestManager(t)
	store.createErr = errors.New("disk full")

	_, err := m.Spawn(context.Background(), SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	if err == nil {
		t.Fatal("Spawn() with failing store should return an error")
	}
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Errorf("Spawn() error type = %T, want *AgentError", err)
	}
	if n := len(m.ListAgentInstances()); n != 0 {
		t.Errorf("registry holds %d agents after persistence failure, want 0", n)
	}
}

func TestSpawnAndStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Spawn(ctx, SpawnInput{
		RoleID:   "role-lead",
		ParentID: SentinelRoot,
		Brief:    TaskBrief{"goal": "ship it"},
	})
	if err != nil {
		t.Fatalf("Spawn() returned error: %v", err)
	}
	if a.ID == "" {
		t.Fatal("Spawn() returned agent with empty id")
	}
	if a.RoleName != "lead" {
		t.Errorf("RoleName = %q, want %q", a.RoleName, "lead")
	}

	status := m.GetAgentStatus(a.ID)
	if status == nil {
		t.Fatal("GetAgentStatus() = nil for registered agent")
	}
	if status.ParentID != SentinelRoot {
		t.Errorf("status.ParentID = %q, want %q", status.ParentID, SentinelRoot)
	}
	if status.Status != "active" {
		t.Errorf("status.Status = %q, want %q", status.Status, "active")
	}
	if status.QueueDepth != 0 || status.ConversationLength != 0 {
		t.Errorf("fresh agent status = %+v, want empty queue and conversation", status)
	}

	brief, ok := m.GetTaskBrief(a.ID)
	if !ok || brief["goal"] != "ship it" {
		t.Errorf("GetTaskBrief() = (%v, %v), want stored brief", brief, ok)
	}

	if m.GetAgentStatus("agent-unknown") != nil {
		t.Error("GetAgentStatus() for unknown agent should be nil")
	}
}

func TestSpawnAs(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	lead, err := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	if err != nil {
		t.Fatalf("Spawn() returned error: %v", err)
	}

	// Conflicting explicit parent is rejected.
	if _, err := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker", ParentID: "somebody-else"}); !errors.Is(err, ErrInvalidParent) {
		t.Errorf("SpawnAs() with conflicting parent = %v, want ErrInvalidParent", err)
	}

	// Empty parent is filled with the caller.
	w, err := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	if err != nil {
		t.Fatalf("SpawnAs() returned error: %v", err)
	}
	if w.ParentID != lead.ID {
		t.Errorf("ParentID = %q, want caller %q", w.ParentID, lead.ID)
	}

	// Matching explicit parent is accepted.
	w2, err := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker", ParentID: lead.ID})
	if err != nil {
		t.Fatalf("SpawnAs() with matching parent returned error: %v", err)
	}
	if w2.ParentID != lead.ID {
		t.Errorf("ParentID = %q, want %q", w2.ParentID, lead.ID)
	}
}

func TestTerminateAuthorization(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	worker, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})

	if _, err := m.Terminate(ctx, lead.ID, "agent-ghost", "cleanup"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Terminate(unknown) = %v, want ErrAgentNotFound", err)
	}

	// Grandparent is an ancestor but not the direct parent.
	if _, err := m.Terminate(ctx, SentinelRoot, worker.ID, "cleanup"); !errors.Is(err, ErrNotChildAgent) {
		t.Errorf("Terminate() by grandparent = %v, want ErrNotChildAgent", err)
	}
	if m.GetAgentStatus(worker.ID) == nil {
		t.Error("worker removed by unauthorized terminate")
	}

	// Sibling is not the parent either.
	other, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	if _, err := m.Terminate(ctx, other.ID, worker.ID, "cleanup"); !errors.Is(err, ErrNotChildAgent) {
		t.Errorf("Terminate() by sibling = %v, want ErrNotChildAgent", err)
	}
}

func TestTerminateCascade(t *testing.T) {
	m, bus, store := newTestManager(t)
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	worker, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	helper, _ := m.SpawnAs(ctx, worker.ID, SpawnInput{RoleID: "role-worker"})

	bus.Send(SendInput{To: helper.ID, From: SentinelUser, Payload: "pending"})

	id, err := m.Terminate(ctx, SentinelRoot, lead.ID, "done")
	if err != nil {
		t.Fatalf("Terminate() returned error: %v", err)
	}
	if id != lead.ID {
		t.Errorf("Terminate() = %q, want %q", id, lead.ID)
	}

	for _, victim := range []string{lead.ID, worker.ID, helper.ID} {
		if m.GetAgentStatus(victim) != nil {
			t.Errorf("agent %s still registered after cascade", victim)
		}
		if depth := bus.QueueDepth(victim); depth != 0 {
			t.Errorf("mailbox for %s still holds %d messages", victim, depth)
		}
	}

	if !store.terminated(lead.ID) {
		t.Error("termination not persisted for target")
	}
	for _, victim := range []string{worker.ID, helper.ID} {
		if !store.terminated(victim) {
			t.Errorf("termination not persisted for descendant %s", victim)
		}
	}
}

func TestRestoreSkipsCascadeTerminated(t *testing.T) {
	m, bus, store := newTestManager(t)
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	worker, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})

	if _, err := m.Terminate(ctx, SentinelRoot, lead.ID, "done"); err != nil {
		t.Fatalf("Terminate() returned error: %v", err)
	}

	// Restart: a fresh manager over the same store must not resurrect the
	// cascade-terminated descendant as a live orphan.
	fresh := NewManager(bus, store)
	restored, err := fresh.RestoreFromPersistence(ctx)
	if err != nil {
		t.Fatalf("RestoreFromPersistence() returned error: %v", err)
	}
	if restored != 0 {
		t.Errorf("restored %d agents after cascade terminate, want 0", restored)
	}
	for _, victim := range []string{lead.ID, worker.ID} {
		if fresh.GetAgentStatus(victim) != nil {
			t.Errorf("agent %s resurrected by restore", victim)
		}
	}
}

func TestTerminateDrainsMailbox(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	behaviors := NewBehaviorRegistry(nil)
	behaviors.Register("worker", BehaviorFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		handled = append(handled, msg.Payload.(string))
		mu.Unlock()
		if msg.Payload == "poison" {
			return errors.New("handler broke")
		}
		return nil
	}))

	m, bus, _ := newTestManager(t, WithBehaviors(behaviors))
	ctx := context.Background()

	worker, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	bus.Send(SendInput{To: worker.ID, From: SentinelUser, Payload: "first"})
	bus.Send(SendInput{To: worker.ID, From: SentinelUser, Payload: "poison"})
	// Delayed messages are still pending work and must be drained, not lost.
	bus.Send(SendInput{To: worker.ID, From: SentinelUser, Payload: "delayed", Delay: time.Hour})

	if _, err := m.Terminate(ctx, SentinelRoot, worker.ID, "done"); err != nil {
		t.Fatalf("Terminate() returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 3 {
		t.Fatalf("drained %d messages %v, want 3", len(handled), handled)
	}
	want := []string{"first", "poison", "delayed"}
	for i, payload := range want {
		if handled[i] != payload {
			t.Errorf("drain order[%d] = %q, want %q", i, handled[i], payload)
		}
	}
}

func TestTerminateDrainIsBounded(t *testing.T) {
	bus := NewBus()
	store := newMockStore(testRoles...)

	// The behavior sends itself a new message for every one it handles, so
	// only the cap stops the drain.
	var mu sync.Mutex
	processed := 0
	behaviors := NewBehaviorRegistry(nil)
	var selfID string
	behaviors.Register("worker", BehaviorFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		processed++
		mu.Unlock()
		_, err := bus.Send(SendInput{To: selfID, From: selfID, Payload: "again"})
		return err
	}))

	m := NewManager(bus, store, WithBehaviors(behaviors), WithDrainCap(5))
	ctx := context.Background()

	worker, err := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	if err != nil {
		t.Fatalf("Spawn() returned error: %v", err)
	}
	selfID = worker.ID
	bus.Send(SendInput{To: worker.ID, From: SentinelUser, Payload: "seed"})

	done := make(chan struct{})
	go func() {
		m.Terminate(ctx, SentinelRoot, worker.ID, "done")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate() did not finish; drain is unbounded")
	}

	mu.Lock()
	defer mu.Unlock()
	if processed != 5 {
		t.Errorf("drain processed %d messages, want drain cap 5", processed)
	}
	if depth := bus.QueueDepth(worker.ID); depth != 0 {
		t.Errorf("mailbox depth after terminate = %d, want 0", depth)
	}
}

func TestCollectDescendants(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	w1, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	w2, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	deep, _ := m.SpawnAs(ctx, w1.ID, SpawnInput{RoleID: "role-worker"})
	// An unrelated tree must not leak in.
	m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})

	got := m.CollectDescendants(lead.ID)
	want := map[string]bool{w1.ID: true, w2.ID: true, deep.ID: true}
	if len(got) != len(want) {
		t.Fatalf("CollectDescendants() = %v, want 3 ids", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("CollectDescendants() includes unexpected %s", id)
		}
	}

	if ds := m.CollectDescendants(deep.ID); len(ds) != 0 {
		t.Errorf("CollectDescendants(leaf) = %v, want empty", ds)
	}
}

func TestIdleOncePerEpisode(t *testing.T) {
	m, _, _ := newTestManager(t, WithIdleThreshold(time.Minute))
	clock := &fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m.now = clock.now
	ctx := context.Background()

	a, err := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	if err != nil {
		t.Fatalf("Spawn() returned error: %v", err)
	}

	if idle := m.CheckIdle(); len(idle) != 0 {
		t.Errorf("CheckIdle() right after spawn = %v, want empty", idle)
	}

	clock.advance(2 * time.Minute)
	idle := m.CheckIdle()
	if len(idle) != 1 || idle[0] != a.ID {
		t.Fatalf("CheckIdle() = %v, want [%s]", idle, a.ID)
	}
	if status := m.GetAgentStatus(a.ID); status.Status != "idle" {
		t.Errorf("status.Status = %q, want idle", status.Status)
	}

	// Same episode: no repeat warning.
	if idle := m.CheckIdle(); len(idle) != 0 {
		t.Errorf("repeated CheckIdle() = %v, want empty", idle)
	}

	// Activity closes the episode; a new one warns again.
	m.UpdateActivity(a.ID)
	if idle := m.CheckIdle(); len(idle) != 0 {
		t.Errorf("CheckIdle() after activity = %v, want empty", idle)
	}
	clock.advance(2 * time.Minute)
	if idle := m.CheckIdle(); len(idle) != 1 {
		t.Errorf("CheckIdle() in new episode = %v, want one warning", idle)
	}
}

func TestFindWorkspaceFor(t *testing.T) {
	ws := workspace.NewDirManager(t.TempDir())
	m, _, _ := newTestManager(t, WithWorkspaces(ws))
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	worker, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	deep, _ := m.SpawnAs(ctx, worker.ID, SpawnInput{RoleID: "role-worker"})

	// Direct child of root was provisioned at spawn time.
	got, err := m.FindWorkspaceFor(ctx, lead.ID)
	if err != nil {
		t.Fatalf("FindWorkspaceFor(lead) returned error: %v", err)
	}
	if got == nil || got.ID != lead.ID {
		t.Fatalf("FindWorkspaceFor(lead) = %v, want lead's own workspace", got)
	}

	// Descendants inherit the nearest ancestor's workspace.
	for _, id := range []string{worker.ID, deep.ID} {
		got, err := m.FindWorkspaceFor(ctx, id)
		if err != nil {
			t.Fatalf("FindWorkspaceFor(%s) returned error: %v", id, err)
		}
		if got == nil || got.ID != lead.ID {
			t.Errorf("FindWorkspaceFor(%s) = %v, want lead's workspace", id, got)
		}
	}

	// Unregistered ids and sentinels resolve to no workspace, not an error.
	got, err = m.FindWorkspaceFor(ctx, "agent-ghost")
	if err != nil || got != nil {
		t.Errorf("FindWorkspaceFor(unknown) = (%v, %v), want (nil, nil)", got, err)
	}
	got, err = m.FindWorkspaceFor(ctx, SentinelRoot)
	if err != nil || got != nil {
		t.Errorf("FindWorkspaceFor(root) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestRestoreFromPersistence(t *testing.T) {
	m, bus, store := newTestManager(t)
	ctx := context.Background()

	lead, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-lead", ParentID: SentinelRoot})
	worker, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	gone, _ := m.SpawnAs(ctx, lead.ID, SpawnInput{RoleID: "role-worker"})
	if _, err := m.Terminate(ctx, lead.ID, gone.ID, "done"); err != nil {
		t.Fatalf("Terminate() returned error: %v", err)
	}

	// A fresh manager over the same store simulates a restart.
	fresh := NewManager(bus, store)
	restored, err := fresh.RestoreFromPersistence(ctx)
	if err != nil {
		t.Fatalf("RestoreFromPersistence() returned error: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored %d agents, want 2", restored)
	}
	if fresh.GetAgentStatus(lead.ID) == nil || fresh.GetAgentStatus(worker.ID) == nil {
		t.Error("live agents missing after restore")
	}
	if fresh.GetAgentStatus(gone.ID) != nil {
		t.Error("terminated agent resurrected by restore")
	}

	// Idempotent: a second pass restores nothing.
	restored, err = fresh.RestoreFromPersistence(ctx)
	if err != nil {
		t.Fatalf("second RestoreFromPersistence() returned error: %v", err)
	}
	if restored != 0 {
		t.Errorf("second restore registered %d agents, want 0", restored)
	}
}

func TestSendMessagePolicy(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a1, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot, TaskID: "task-1"})
	a2, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot, TaskID: "task-1"})
	b1, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot, TaskID: "task-2"})

	if _, err := m.SendMessage(SendInput{From: a1.ID, To: a2.ID, Payload: "hi"}); err != nil {
		t.Errorf("SendMessage() within task returned error: %v", err)
	}
	if _, err := m.SendMessage(SendInput{From: a1.ID, To: b1.ID, Payload: "hi"}); !errors.Is(err, ErrTaskIsolation) {
		t.Errorf("SendMessage() across tasks = %v, want ErrTaskIsolation", err)
	}
	if _, err := m.SendMessage(SendInput{From: "agent-ghost", To: a1.ID}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("SendMessage() from unknown = %v, want ErrAgentNotFound", err)
	}
	if _, err := m.SendMessage(SendInput{From: a1.ID, To: "agent-ghost"}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("SendMessage() to unknown = %v, want ErrAgentNotFound", err)
	}

	// Sentinels are exempt from the policy.
	if _, err := m.SendMessage(SendInput{From: SentinelUser, To: b1.ID, Payload: "ping"}); err != nil {
		t.Errorf("SendMessage() from sentinel returned error: %v", err)
	}
	if _, err := m.SendMessage(SendInput{From: a1.ID, To: SentinelRoot, Payload: "report"}); err != nil {
		t.Errorf("SendMessage() to sentinel returned error: %v", err)
	}
}

func TestProcessNext(t *testing.T) {
	var handled []string
	behaviors := NewBehaviorRegistry(nil)
	behaviors.Register("worker", BehaviorFunc(func(ctx context.Context, msg *Message) error {
		handled = append(handled, msg.Payload.(string))
		return nil
	}))

	m, bus, _ := newTestManager(t, WithBehaviors(behaviors), WithIdleThreshold(time.Minute))
	clock := &fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m.now = clock.now
	bus.now = clock.now
	ctx := context.Background()

	a, _ := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})

	if _, err := m.ProcessNext(ctx, "agent-ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("ProcessNext(unknown) = %v, want ErrAgentNotFound", err)
	}

	ok, err := m.ProcessNext(ctx, a.ID)
	if err != nil || ok {
		t.Errorf("ProcessNext() on empty mailbox = (%v, %v), want (false, nil)", ok, err)
	}

	bus.Send(SendInput{To: a.ID, From: SentinelUser, Payload: "work"})

	// Let the agent go idle, then process: activity must reset the episode.
	clock.advance(2 * time.Minute)
	if idle := m.CheckIdle(); len(idle) != 1 {
		t.Fatalf("CheckIdle() = %v, want one idle agent", idle)
	}

	ok, err = m.ProcessNext(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("ProcessNext() = (%v, %v), want (true, nil)", ok, err)
	}
	if len(handled) != 1 || handled[0] != "work" {
		t.Errorf("handled = %v, want [work]", handled)
	}

	status := m.GetAgentStatus(a.ID)
	if status.ConversationLength != 1 {
		t.Errorf("ConversationLength = %d, want 1", status.ConversationLength)
	}
	if status.Status != "active" {
		t.Errorf("status after processing = %q, want active", status.Status)
	}
	if idle := m.CheckIdle(); len(idle) != 0 {
		t.Errorf("CheckIdle() after activity = %v, want empty", idle)
	}

	// A failing handler still counts the message as processed.
	behaviors.Register("worker", BehaviorFunc(func(ctx context.Context, msg *Message) error {
		return errors.New("handler broke")
	}))
	bus.Send(SendInput{To: a.ID, From: SentinelUser, Payload: "bad"})
	ok, err = m.ProcessNext(ctx, a.ID)
	if err != nil || !ok {
		t.Errorf("ProcessNext() with failing handler = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	events := make(chan Event, 16)
	m.OnEvent(func(ev Event) {
		events <- ev
	})

	a, err := m.Spawn(ctx, SpawnInput{RoleID: "role-worker", ParentID: SentinelRoot})
	if err != nil {
		t.Fatalf("Spawn() returned error: %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Type != EventAgentSpawned || ev.AgentID != a.ID {
		t.Errorf("event = %+v, want spawned for %s", ev, a.ID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}

	if _, err := m.Terminate(ctx, SentinelRoot, a.ID, "done"); err != nil {
		t.Fatalf("Terminate() returned error: %v", err)
	}
	ev = waitEvent(t, events)
	if ev.Type != EventAgentTerminated || ev.AgentID != a.ID {
		t.Errorf("event = %+v, want terminated for %s", ev, a.ID)
	}
	if ev.Data["reason"] != "done" || ev.Data["caller"] != SentinelRoot {
		t.Errorf("event data = %v, want reason and caller recorded", ev.Data)
	}
	if ev.Data["descendants"] != "0" {
		t.Errorf("event descendants = %q, want 0", ev.Data["descendants"])
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
