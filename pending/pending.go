// Package pending correlates in-flight requests with the callers waiting for them.
//
// Every outstanding request gets a Slot keyed by its request id. The session's receive
// loop resolves slots as responses arrive; responses can arrive in any order and each one
// is routed to the slot with the same id.
//
//	caller-1 ──Register(1)──┐
//	caller-2 ──Register(2)──┼──→ one transport ──→ broker
//	caller-3 ──Register(3)──┘
//
//	recv loop: ←── response(id=2) → Resolve(2) → caller-2 wakes up
package pending

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrDuplicateID = errors.New("pending: request id already outstanding")
	ErrClosed      = errors.New("pending: registry closed")
)

// Slot is the single-fire completion of one outstanding call.
type Slot struct {
	id    uint64
	once  sync.Once
	done  chan struct{}
	value *structpb.Value
	err   error
}

func newSlot(id uint64) *Slot {
	return &Slot{id: id, done: make(chan struct{})}
}

// ID returns the request id the slot waits for.
func (s *Slot) ID() uint64 {
	return s.id
}

// Done is closed once the slot is fulfilled.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the fulfilled result. Only valid after Done is closed.
func (s *Slot) Outcome() (*structpb.Value, error) {
	return s.value, s.err
}

// Wait blocks until the slot is fulfilled or ctx ends. Giving up on ctx does not
// release the slot; the registry still resolves it and the result is discarded.
func (s *Slot) Wait(ctx context.Context) (*structpb.Value, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fulfill writes the outcome exactly once and reports whether this call did it.
func (s *Slot) fulfill(value *structpb.Value, err error) bool {
	fired := false
	s.once.Do(func() {
		s.value, s.err = value, err
		close(s.done)
		fired = true
	})
	return fired
}

// closedError matches both ErrClosed and the abandon reason under errors.Is.
type closedError struct {
	reason error
}

func (e *closedError) Error() string {
	return ErrClosed.Error() + ": " + e.reason.Error()
}

func (e *closedError) Unwrap() error {
	return e.reason
}

func (e *closedError) Is(target error) bool {
	return target == ErrClosed
}

// Registry maps outstanding request ids to their slots.
type Registry struct {
	mu     sync.Mutex
	calls  map[uint64]*Slot
	closed error // abandon reason, set once by AbandonAll
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[uint64]*Slot)}
}

// Register allocates a slot for id. Ids must not collide while outstanding.
func (r *Registry) Register(id uint64) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, &closedError{reason: r.closed}
	}
	if _, ok := r.calls[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "id %d", id)
	}
	slot := newSlot(id)
	r.calls[id] = slot
	return slot, nil
}

// Resolve fulfils and removes the slot for id. It returns false when no call is
// waiting for id (a duplicate, a response to an abandoned call, or unsolicited).
func (r *Registry) Resolve(id uint64, value *structpb.Value, err error) bool {
	r.mu.Lock()
	slot, ok := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	return slot.fulfill(value, err)
}

// AbandonAll fulfils every outstanding slot with reason and refuses new registrations.
// It returns the number of abandoned calls.
func (r *Registry) AbandonAll(reason error) int {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[uint64]*Slot)
	if r.closed == nil {
		r.closed = reason
	}
	r.mu.Unlock()

	for _, slot := range calls {
		slot.fulfill(nil, reason)
	}
	return len(calls)
}

// Len returns the number of outstanding calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
