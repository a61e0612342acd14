package hive

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable envelope delivered through the Bus. A message
// becomes ready either immediately or, when Delay is set, once
// CreatedAt+Delay has elapsed.
type Message struct {
	ID        string        `json:"id"`
	To        string        `json:"to"`
	From      string        `json:"from"`
	TaskID    string        `json:"task_id,omitempty"`
	Payload   any           `json:"payload,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Delay     time.Duration `json:"delay,omitempty"`

	// seq is the global send order, used to break availability ties
	seq uint64
}

// ReadyAt returns the effective availability time.
func (m *Message) ReadyAt() time.Time {
	return m.CreatedAt.Add(m.Delay)
}

// SendInput describes a message to enqueue.
type SendInput struct {
	To      string
	From    string
	TaskID  string
	Payload any
	Delay   time.Duration
}

// Bus routes messages into per-recipient FIFO mailboxes. It guarantees
// delivery ordering only; routing policy (who may address whom) belongs to
// the caller.
type Bus struct {
	mu        sync.Mutex
	mailboxes map[string][]*Message
	seq       uint64

	// now is swappable for tests
	now func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		mailboxes: make(map[string][]*Message),
		now:       time.Now,
	}
}

// Send enqueues a message into the recipient's mailbox and returns its id.
// A delayed message keeps its send-order position among messages with the
// same effective availability.
func (b *Bus) Send(in SendInput) (string, error) {
	if in.To == "" {
		return "", errors.New("recipient required")
	}
	if in.Delay < 0 {
		in.Delay = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	msg := &Message{
		ID:        uuid.New().String(),
		To:        in.To,
		From:      in.From,
		TaskID:    in.TaskID,
		Payload:   in.Payload,
		CreatedAt: b.now(),
		Delay:     in.Delay,
		seq:       b.seq,
	}
	b.mailboxes[in.To] = append(b.mailboxes[in.To], msg)
	return msg.ID, nil
}

// ReceiveNext pops and returns the oldest ready message for an agent, or nil
// if none are ready (including messages present but still delayed). Among
// ready messages, ordering is by effective availability time, then by send
// order.
func (b *Bus) ReceiveNext(agentID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[agentID]
	now := b.now()

	best := -1
	for i, m := range box {
		if m.ReadyAt().After(now) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		bm := box[best]
		if m.ReadyAt().Before(bm.ReadyAt()) ||
			(m.ReadyAt().Equal(bm.ReadyAt()) && m.seq < bm.seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return b.removeLocked(agentID, best)
}

// PopAny pops and returns the oldest message for an agent regardless of its
// delay, or nil if the mailbox is empty. Termination drains use this so
// still-delayed messages are processed rather than silently dropped.
func (b *Bus) PopAny(agentID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.mailboxes[agentID]) == 0 {
		return nil
	}
	return b.removeLocked(agentID, 0)
}

// QueueDepth returns how many messages the agent's mailbox currently holds,
// ready or pending.
func (b *Bus) QueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[agentID])
}

// DeleteMailbox discards an agent's mailbox. Called after the termination
// drain so a removed agent can never receive again.
func (b *Bus) DeleteMailbox(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mailboxes, agentID)
}

// removeLocked removes and returns box[i], dropping the mailbox entry when it
// becomes empty. Caller holds b.mu.
func (b *Bus) removeLocked(agentID string, i int) *Message {
	box := b.mailboxes[agentID]
	msg := box[i]
	box = append(box[:i], box[i+1:]...)
	if len(box) == 0 {
		delete(b.mailboxes, agentID)
	} else {
		b.mailboxes[agentID] = box
	}
	return msg
}
