// Package hive provides an actor-model backbone for orchestrating a dynamic
// tree of autonomous agents that communicate exclusively through asynchronous
// messages.
//
// Hive is a Go library built around three components:
//
//   - Bus: per-recipient FIFO mailboxes with optional delayed delivery
//   - Controller: a bounded, per-agent single-flight request dispatcher
//   - Manager: agent lifecycle management with recursive, failure-tolerant
//     termination of hierarchies of unbounded depth
//
// # Quick Start
//
// Create a manager and spawn an agent under the root sentinel:
//
//	store, _ := org.NewSQLiteStore(hive.DefaultDBPath())
//	bus := hive.NewBus()
//	mgr := hive.NewManager(bus, store,
//	    hive.WithWorkspaces(workspace.NewDirManager(hive.WorkspacePath())),
//	)
//
//	agent, err := mgr.Spawn(ctx, hive.SpawnInput{
//	    RoleID:   "researcher",
//	    ParentID: hive.SentinelRoot,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Send it a message and pump its mailbox
//	mgr.SendMessage(hive.SendInput{To: agent.ID, From: hive.SentinelUser, Payload: "begin"})
//	mgr.ProcessNext(ctx, agent.ID)
//
// Compute-heavy work is bounded through a Controller:
//
//	ctrl := hive.NewController(4)
//	future := ctrl.Execute(ctx, agent.ID, func(ctx context.Context) (string, error) {
//	    return callModel(ctx)
//	})
//	result, err := future.Await(ctx)
//
// Termination cascades: a parent terminating a child also terminates every
// transitive descendant, draining each mailbox through the agent's own
// behavior before removal so no message is silently lost.
package hive
