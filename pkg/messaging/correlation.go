package messaging

import (
	"sync"
	"time"
)

// waiterKind distinguishes a caller that wants the reply delivered back
// from one that only wants late replies absorbed silently.
type waiterKind int

const (
	waiterResult waiterKind = iota
	waiterDropToken
)

type waiter struct {
	kind   waiterKind
	result chan *Envelope
}

// Table is the request/reply correlation table: outbound request id to
// waiter. Ids are assigned monotonically and wrap from the 32-bit boundary
// back to 1 (0 is reserved to mean "no correlation").
type Table struct {
	mu      sync.Mutex
	nextID  uint32
	waiters map[uint32]*waiter
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{
		nextID:  1,
		waiters: make(map[uint32]*waiter),
	}
}

// NextID returns the next monotonic request id, wrapping from
// 0xFFFFFFFF back to 1.
func (t *Table) NextID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	if t.nextID == 0xFFFFFFFF {
		t.nextID = 1
	} else {
		t.nextID++
	}
	return id
}

// Await registers id as awaiting a one-shot result and returns the channel
// the reply will be delivered on. Resolve(id, ...) must eventually be
// called, or the caller's timeout path must call Cancel(id) to avoid
// leaking the table entry.
func (t *Table) Await(id uint32) <-chan *Envelope {
	ch := make(chan *Envelope, 1)
	t.mu.Lock()
	t.waiters[id] = &waiter{kind: waiterResult, result: ch}
	t.mu.Unlock()
	return ch
}

// FireAndForget registers id as a drop-token: a late reply for this id is
// absorbed silently instead of being diagnosed as unsolicited.
func (t *Table) FireAndForget(id uint32) {
	t.mu.Lock()
	t.waiters[id] = &waiter{kind: waiterDropToken}
	t.mu.Unlock()
}

// Cancel removes a pending waiter without resolving it, e.g. after a
// caller's synchronous wait times out.
func (t *Table) Cancel(id uint32) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// ResolveResult is the outcome of matching a reply envelope against the
// correlation table, reported to the caller that invoked Resolve so it can
// log or count unsolicited replies without Table depending on pkg/log.
type ResolveResult int

const (
	// ResolveDelivered means a one-shot waiter received the reply.
	ResolveDelivered ResolveResult = iota
	// ResolveAbsorbed means the reply matched a drop-token and was
	// silently discarded, as intended for fire-and-forget requests.
	ResolveAbsorbed
	// ResolveUnsolicited means no waiter was registered for this id —
	// a late reply past a timeout, or a reply to an id this process
	// never sent.
	ResolveUnsolicited
)

// Resolve matches an incoming reply to its waiter by id.
func (t *Table) Resolve(id uint32, reply *Envelope) ResolveResult {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	if !ok {
		return ResolveUnsolicited
	}
	if w.kind == waiterDropToken {
		return ResolveAbsorbed
	}
	select {
	case w.result <- reply:
	default:
	}
	return ResolveDelivered
}

// Pending returns the number of outstanding waiters, for diagnostics.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// WaitTimeout is a convenience around Await/Cancel for the synchronous
// bootstrap-path callers the remote transport uses: send the request under
// id, then call WaitTimeout to block for the reply with a hard ceiling.
func (t *Table) WaitTimeout(id uint32, timeout time.Duration) (*Envelope, bool) {
	ch := t.Await(id)
	select {
	case reply := <-ch:
		return reply, true
	case <-time.After(timeout):
		t.Cancel(id)
		return nil, false
	}
}
