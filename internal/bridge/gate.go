package bridge

import (
	"time"

	"github.com/basket/orbital/internal/protocol"
)

type offerOutcome int

const (
	offerActivated offerOutcome = iota
	offerQueued
	offerDuplicate
)

type pendingRequest struct {
	req        protocol.InterventionRequest
	receivedAt time.Time
}

// Gate holds at most one active intervention. Requests arriving while one is
// active wait in FIFO order and are promoted only when the active one is
// resolved. Nothing but resolve clears the active slot.
type Gate struct {
	active *pendingRequest
	queue  []pendingRequest
	// resolved holds the decision shown next to retained events; closed
	// remembers every resolved id for the life of the gate.
	resolved map[string]bool
	closed   map[string]struct{}
}

func NewGate() *Gate {
	return &Gate{resolved: make(map[string]bool), closed: make(map[string]struct{})}
}

// offer registers a request. A request whose id is already active, queued or
// resolved is a duplicate and does not change the gate.
func (g *Gate) offer(req protocol.InterventionRequest, at time.Time) offerOutcome {
	if g.known(req.ID) {
		return offerDuplicate
	}
	p := pendingRequest{req: req, receivedAt: at}
	if g.active == nil {
		g.active = &p
		return offerActivated
	}
	g.queue = append(g.queue, p)
	return offerQueued
}

func (g *Gate) known(id string) bool {
	if _, ok := g.closed[id]; ok {
		return true
	}
	if g.active != nil && g.active.req.ID == id {
		return true
	}
	for _, p := range g.queue {
		if p.req.ID == id {
			return true
		}
	}
	return false
}

// Active returns the request awaiting a decision.
func (g *Gate) Active() (protocol.InterventionRequest, bool) {
	if g.active == nil {
		return protocol.InterventionRequest{}, false
	}
	return g.active.req, true
}

// Queued returns the waiting requests in activation order.
func (g *Gate) Queued() []protocol.InterventionRequest {
	out := make([]protocol.InterventionRequest, len(g.queue))
	for i, p := range g.queue {
		out[i] = p.req
	}
	return out
}

// Pending counts the active request plus the queue.
func (g *Gate) Pending() int {
	n := len(g.queue)
	if g.active != nil {
		n++
	}
	return n
}

// resolve closes the active request if id matches it and promotes the next
// queued one. On mismatch the gate is left unchanged.
func (g *Gate) resolve(id string, approved bool) (pendingRequest, *protocol.InterventionRequest, error) {
	if g.active == nil || g.active.req.ID != id {
		return pendingRequest{}, nil, &ProtocolViolation{Op: "decide", ID: id, Err: ErrNoActiveRequest}
	}
	done := *g.active
	g.resolved[id] = approved
	g.closed[id] = struct{}{}
	g.active = nil
	if len(g.queue) == 0 {
		return done, nil, nil
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	g.active = &next
	return done, &next.req, nil
}

// Decision reports how a resolved request was decided.
func (g *Gate) Decision(id string) (approved, resolved bool) {
	approved, resolved = g.resolved[id]
	return approved, resolved
}

// forget drops the displayed decision once no retained event refers to it.
// The id stays closed.
func (g *Gate) forget(id string) {
	delete(g.resolved, id)
}
