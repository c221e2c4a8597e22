// Package api implements the handle-based facade of spec.md §6's Public
// API surface: Instance, SessionHandle, ObjectHandle, NodeHandle, and an
// Event type delivered over a buffered Go channel standing in for
// "GetNextEvent(wait?)" / an OS-waitable descriptor. It supersedes the
// teacher's net.Conn-shaped Config/Dial/Listen surface with one session-
// and object-oriented instead of stream-oriented, since a NORM instance
// multicasts discrete objects rather than dialing a byte stream.
package api

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/normproto/norm/normlog"
	"github.com/normproto/norm/normtimer"
	"github.com/normproto/norm/session"
	"github.com/normproto/norm/stats"
	"github.com/normproto/norm/transport"
)

// Instance is the top-level handle an application creates once and uses to
// spawn one or more sessions (spec.md §6 "CreateInstance(priorityBoost)").
// priorityBoost has no analog in this cooperative, single-goroutine
// implementation (there is no internal scheduler thread to prioritize), so
// it is accepted and ignored, matching spec.md §7's general "accept and
// degrade gracefully" posture for platform-specific knobs.
type Instance struct {
	mu       sync.Mutex
	sessions map[uint32]*SessionHandle
	nextID   uint32
	closed   bool
}

// CreateInstance constructs an Instance. priorityBoost is accepted for
// signature parity with spec.md §6 but otherwise unused, per the package
// doc comment above.
func CreateInstance(priorityBoost int) *Instance {
	_ = priorityBoost
	return &Instance{
		sessions: make(map[uint32]*SessionHandle),
	}
}

// Destroy tears down every session created from this instance.
func (inst *Instance) Destroy() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil
	}
	inst.closed = true
	var firstErr error
	for _, sh := range inst.sessions {
		if err := sh.sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Suspend pauses dispatch on every session owned by this instance
// (spec.md §5 "an explicit 'suspend instance' API that pauses dispatch").
func (inst *Instance) Suspend() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, sh := range inst.sessions {
		sh.sess.Suspend()
	}
}

// Resume re-enables dispatch on every session owned by this instance.
func (inst *Instance) Resume() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, sh := range inst.sessions {
		sh.sess.Resume()
	}
}

// GetDescriptor returns an OS-waitable readiness descriptor for a given
// session's transport, when the transport exposes one (spec.md §6
// "GetDescriptor").
func (inst *Instance) GetDescriptor(sh *SessionHandle) (fd uintptr, ok bool) {
	return sh.sess.Transport().ReadinessFD()
}

// CreateSession builds a new session bound to the given transport and node
// id (spec.md §6 "CreateSession(inst, addr, port, nodeId)": addr/port are
// folded into the transport the caller constructs and passes in, since
// this implementation's transport abstraction already owns socket setup).
// groupAddr is the multicast or unicast destination used for sends with no
// explicit per-packet address.
func (inst *Instance) CreateSession(nodeID uint32, groupAddr *net.UDPAddr, tr transport.Transport, clock normtimer.Clock, logger *normlog.Logger) *SessionHandle {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	counters := stats.New()
	sess := session.New(session.Config{
		SourceID:  nodeID,
		GroupAddr: groupAddr,
		Transport: tr,
		Clock:     clock,
		Logger:    logger,
		Counters:  counters,
	})
	sh := &SessionHandle{
		inst:     inst,
		sess:     sess,
		counters: counters,
		nodes:    make(map[uint32]*NodeHandle),
	}
	id := inst.nextID
	inst.nextID++
	inst.sessions[id] = sh
	sh.id = id
	return sh
}

// GetNextEvent drains one event from any owned session without blocking;
// ok is false if none is currently queued (spec.md §6
// "GetNextEvent(wait?)" with wait=false; the blocking wait? variant is
// left to the caller's own select over GetDescriptor-returned descriptors).
func (inst *Instance) GetNextEvent() (Event, bool) {
	inst.mu.Lock()
	sessions := make([]*SessionHandle, 0, len(inst.sessions))
	for _, sh := range inst.sessions {
		sessions = append(sessions, sh)
	}
	inst.mu.Unlock()

	for _, sh := range sessions {
		select {
		case ev, ok := <-sh.sess.Events():
			if !ok {
				continue
			}
			return translate(sh, ev), true
		default:
		}
	}
	return Event{}, false
}

// ErrUnknownSession is returned by operations given a SessionHandle this
// Instance did not create.
var ErrUnknownSession = errors.New("api: unknown session")
