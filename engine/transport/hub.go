package transport

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/netsync/engine/common"
)

// Hub is an in-process network: every joined endpoint is connected to every other one.
// Messages are copied and delivered synchronously to the handler of the recipient.
type Hub struct {
	lock      sync.Mutex
	endpoints map[common.ParticipantID]*Endpoint
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		endpoints: map[common.ParticipantID]*Endpoint{},
	}
}

// Endpoint is the transport of one participant joined to a hub
type Endpoint struct {
	*Registry
	hub    *Hub
	closed xnsyncutil.AtomicBool
}

type hubConn struct {
	from common.ParticipantID
	to   *Endpoint
}

func (c *hubConn) Send(data []byte) error {
	if c.to.closed.Load() {
		return ErrClosed
	}
	c.to.Receive(c.from, append([]byte(nil), data...))
	return nil
}

func (c *hubConn) Close() error {
	return nil
}

// Join adds a participant to the hub and connects it to everyone already there
func (h *Hub) Join(id common.ParticipantID) *Endpoint {
	ep := &Endpoint{
		Registry: NewRegistry(id),
		hub:      h,
	}

	h.lock.Lock()
	if h.endpoints[id] != nil {
		h.lock.Unlock()
		panic(errors.Errorf("participant %s already joined", id))
	}
	peers := make([]*Endpoint, 0, len(h.endpoints))
	for _, other := range h.endpoints {
		peers = append(peers, other)
	}
	h.endpoints[id] = ep
	h.lock.Unlock()

	for _, other := range peers {
		other.Add(id, &hubConn{from: other.LocalID(), to: ep})
		ep.Add(other.LocalID(), &hubConn{from: id, to: other})
	}
	return ep
}

// Endpoint returns the endpoint of a joined participant
func (h *Hub) Endpoint(id common.ParticipantID) *Endpoint {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.endpoints[id]
}

func (h *Hub) leave(ep *Endpoint) {
	id := ep.LocalID()
	h.lock.Lock()
	if h.endpoints[id] != ep {
		h.lock.Unlock()
		return
	}
	delete(h.endpoints, id)
	peers := make([]*Endpoint, 0, len(h.endpoints))
	for _, other := range h.endpoints {
		peers = append(peers, other)
	}
	h.lock.Unlock()

	for _, other := range peers {
		other.dropPeer(id)
		ep.dropPeer(other.LocalID())
	}
}

func (ep *Endpoint) dropPeer(id common.ParticipantID) {
	ep.lock.RLock()
	c := ep.conns[id]
	ep.lock.RUnlock()
	if c != nil {
		ep.Remove(id, c)
	}
}

// Close leaves the hub, disconnecting from every other endpoint
func (ep *Endpoint) Close() error {
	if ep.closed.Load() {
		return nil
	}
	ep.closed.Store(true)
	ep.hub.leave(ep)
	return nil
}

var _ Transport = (*Endpoint)(nil)
