package offload

import (
	"fmt"
	"time"
)

var ErrDuplicateCallID = fmt.Errorf("call id already has a pending request")

// Pending is the caller context waiting on one correlation id:
// who gets the reply, and the timeout racing it (if any).
type Pending struct {
	CallID  string
	Handler ReplyHandler

	// Timer is nil when there is no timeout, or
	// after Disarm.
	Timer *Timer

	Sent time.Time
}

// Disarm stops the timeout but leaves the entry
// registered. Streaming does this on the first chunk.
func (p *Pending) Disarm() {
	if p.Timer != nil {
		p.Timer.Stop()
		p.Timer = nil
	}
}

// Registry maps correlation ids to Pending entries.
//
// It is a plain map: a Registry belongs to exactly one
// dispatcher and is only touched from that dispatcher's
// Loop. Resolve is the only way an entry leaves, which is
// what lets the reply path and the timeout path race
// without ever both finishing the same handler.
type Registry struct {
	m map[string]*Pending
}

func NewRegistry() *Registry {
	return &Registry{
		m: make(map[string]*Pending),
	}
}

// Register adds the entry for callID. An existing
// entry is never overwritten.
func (r *Registry) Register(callID string, h ReplyHandler, timer *Timer) (*Pending, error) {
	if _, already := r.m[callID]; already {
		return nil, ErrDuplicateCallID
	}
	p := &Pending{
		CallID:  callID,
		Handler: h,
		Timer:   timer,
		Sent:    time.Now(),
	}
	r.m[callID] = p
	return p, nil
}

// Resolve removes and returns the entry for callID,
// or nil if there is none (already resolved, timed out,
// or never ours).
func (r *Registry) Resolve(callID string) *Pending {
	p, ok := r.m[callID]
	if !ok {
		return nil
	}
	delete(r.m, callID)
	return p
}

// Peek returns the entry without removing it.
func (r *Registry) Peek(callID string) *Pending {
	return r.m[callID]
}

func (r *Registry) Len() int {
	return len(r.m)
}

// CallIDs is a snapshot of the outstanding ids, in no particular order.
func (r *Registry) CallIDs() (ids []string) {
	for id := range r.m {
		ids = append(ids, id)
	}
	return
}
