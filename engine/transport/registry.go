package transport

import (
	"sort"
	"sync"

	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/nslog"
)

// Registry keeps the connections of a transport by participant ID and forwards events to the handler.
// The handler is never called with the lock held.
type Registry struct {
	localID common.ParticipantID

	lock    sync.RWMutex
	conns   map[common.ParticipantID]Conn
	handler Handler
}

// NewRegistry creates the connection registry of the local participant
func NewRegistry(localID common.ParticipantID) *Registry {
	return &Registry{
		localID: localID,
		conns:   map[common.ParticipantID]Conn{},
	}
}

// LocalID returns the local participant ID
func (r *Registry) LocalID() common.ParticipantID {
	return r.localID
}

// SetHandler sets the handler and replays the connected participants in ID order
func (r *Registry) SetHandler(h Handler) {
	r.lock.Lock()
	r.handler = h
	ids := make([]common.ParticipantID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.lock.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		h.HandleConnected(id)
	}
}

func (r *Registry) getHandler() Handler {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.handler
}

// Add registers the connection of a participant. It fails if the participant is already connected.
func (r *Registry) Add(id common.ParticipantID, c Conn) bool {
	r.lock.Lock()
	if id == r.localID || r.conns[id] != nil {
		r.lock.Unlock()
		return false
	}
	r.conns[id] = c
	h := r.handler
	r.lock.Unlock()

	nslog.Infof("transport: %s connected to %s", r.localID, id)
	if h != nil {
		h.HandleConnected(id)
	}
	return true
}

// Remove unregisters the connection of a participant if it is still c
func (r *Registry) Remove(id common.ParticipantID, c Conn) bool {
	r.lock.Lock()
	if r.conns[id] != c {
		r.lock.Unlock()
		return false
	}
	delete(r.conns, id)
	h := r.handler
	r.lock.Unlock()

	nslog.Infof("transport: %s disconnected from %s", r.localID, id)
	if h != nil {
		h.HandleDisconnected(id)
	}
	return true
}

// Receive forwards a message received from a participant
func (r *Registry) Receive(from common.ParticipantID, data []byte) {
	if h := r.getHandler(); h != nil {
		h.HandleReceive(from, data)
	}
}

// Send sends data to a connected participant
func (r *Registry) Send(to common.ParticipantID, data []byte) error {
	r.lock.RLock()
	c := r.conns[to]
	r.lock.RUnlock()
	if c == nil {
		return notConnected(to)
	}
	return c.Send(data)
}

// IsConnected checks if the participant is connected
func (r *Registry) IsConnected(id common.ParticipantID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.conns[id] != nil
}

// Connected returns the connected participants in ID order
func (r *Registry) Connected() []common.ParticipantID {
	r.lock.RLock()
	ids := make([]common.ParticipantID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.lock.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

// CloseAll closes every connection. Closed connections are removed by their owners.
func (r *Registry) CloseAll() {
	r.lock.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.lock.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
