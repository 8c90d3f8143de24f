// Package authority keeps the identity and authority table of a session:
// who is connected, who is the server or session owner, and who owns each entity.
package authority

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/nslog"
)

// OwnershipListener is called after the owner of an entity changed
type OwnershipListener func(eid common.EntityID, oldOwner, newOwner common.ParticipantID)

type entityRecord struct {
	owner common.ParticipantID
}

// Table is the identity and authority table of one session
type Table struct {
	topology     common.Topology
	localID      common.ParticipantID
	serverID     common.ParticipantID
	sessionOwner common.ParticipantID
	hostIsClient bool

	connected common.ParticipantSet
	entities  map[common.EntityID]*entityRecord
	listeners []OwnershipListener
}

// NewTable creates the table of the local participant. The local participant is always connected.
func NewTable(topology common.Topology, localID, serverID, sessionOwner common.ParticipantID, hostIsClient bool) *Table {
	return &Table{
		topology:     topology,
		localID:      localID,
		serverID:     serverID,
		sessionOwner: sessionOwner,
		hostIsClient: hostIsClient,
		connected:    common.NewParticipantSet(localID),
		entities:     map[common.EntityID]*entityRecord{},
	}
}

// Topology returns the topology of the session
func (t *Table) Topology() common.Topology {
	return t.topology
}

// LocalID returns the local participant
func (t *Table) LocalID() common.ParticipantID {
	return t.localID
}

// ServerID returns the server of a centralized session
func (t *Table) ServerID() common.ParticipantID {
	return t.serverID
}

// SessionOwner returns the relay of a distributed session
func (t *Table) SessionOwner() common.ParticipantID {
	return t.sessionOwner
}

// HostIsClient returns if the server also plays as a client
func (t *Table) HostIsClient() bool {
	return t.hostIsClient
}

// IsServer checks if p is the server of a centralized session
func (t *Table) IsServer(p common.ParticipantID) bool {
	return t.topology == common.Centralized && p == t.serverID
}

// IsSessionOwner checks if p is the session owner of a distributed session
func (t *Table) IsSessionOwner(p common.ParticipantID) bool {
	return t.topology == common.Distributed && p == t.sessionOwner
}

// Connect records a connected participant, returns false if it was already connected
func (t *Table) Connect(p common.ParticipantID) bool {
	if !p.IsValid() {
		return false
	}
	return t.connected.Add(p)
}

// Disconnect removes a participant and reassigns the entities it owned.
//
// In a distributed session the lowest connected participant is promoted when the session owner leaves,
// and inherits the orphaned entities.
func (t *Table) Disconnect(p common.ParticipantID) (reassigned []common.EntityID) {
	if p == t.localID || !t.connected.Del(p) {
		return nil
	}

	if t.topology == common.Distributed && p == t.sessionOwner {
		list := t.connected.ToList()
		// the local participant is always connected, so the list is never empty
		t.sessionOwner = list[0]
		nslog.Infof("session owner %s disconnected, %s is promoted", p, t.sessionOwner)
	} else if t.topology == common.Centralized && p == t.serverID {
		nslog.Errorf("server %s disconnected, entities keep their owners", p)
	}

	heir := t.sessionOwner
	if t.topology == common.Centralized {
		heir = t.serverID
	}

	if !t.connected.Contains(heir) {
		return nil
	}
	orphans := common.EntityIDSet{}
	for eid, rec := range t.entities {
		if rec.owner == p {
			rec.owner = heir
			orphans.Add(eid)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	reassigned = orphans.ToList()
	for _, eid := range reassigned {
		t.notify(eid, p, heir)
	}
	return
}

// IsConnected checks if the participant is connected
func (t *Table) IsConnected(p common.ParticipantID) bool {
	return t.connected.Contains(p)
}

// Connected returns a copy of the connected participants
func (t *Table) Connected() common.ParticipantSet {
	return t.connected.Clone()
}

// AddEntity records a spawned entity
func (t *Table) AddEntity(eid common.EntityID, owner common.ParticipantID) {
	if rec, ok := t.entities[eid]; ok {
		old := rec.owner
		rec.owner = owner
		if old != owner {
			t.notify(eid, old, owner)
		}
		return
	}
	t.entities[eid] = &entityRecord{owner: owner}
}

// RemoveEntity forgets a despawned entity
func (t *Table) RemoveEntity(eid common.EntityID) {
	delete(t.entities, eid)
}

// HasEntity checks if the entity is spawned
func (t *Table) HasEntity(eid common.EntityID) bool {
	_, ok := t.entities[eid]
	return ok
}

// OwnerOf returns the owner of the entity
func (t *Table) OwnerOf(eid common.EntityID) (common.ParticipantID, error) {
	rec, ok := t.entities[eid]
	if !ok {
		return common.InvalidParticipantID, errors.Wrapf(common.ErrUnknownEntity, "%s", eid)
	}
	return rec.owner, nil
}

// AuthorityOf returns the participant allowed to write the entity: the owner in a distributed session, the server in a centralized one
func (t *Table) AuthorityOf(eid common.EntityID) (common.ParticipantID, error) {
	owner, err := t.OwnerOf(eid)
	if err != nil {
		return common.InvalidParticipantID, err
	}
	if t.topology == common.Centralized {
		return t.serverID, nil
	}
	return owner, nil
}

// IsAuthority checks if p is the authority of the entity
func (t *Table) IsAuthority(eid common.EntityID, p common.ParticipantID) bool {
	auth, err := t.AuthorityOf(eid)
	return err == nil && auth == p
}

// IsOwner checks if p owns the entity
func (t *Table) IsOwner(eid common.EntityID, p common.ParticipantID) bool {
	owner, err := t.OwnerOf(eid)
	return err == nil && owner == p
}

// SetOwner reassigns the entity to newOwner. Only the current authority may call it.
func (t *Table) SetOwner(eid common.EntityID, newOwner, caller common.ParticipantID) error {
	rec, ok := t.entities[eid]
	if !ok {
		return errors.Wrapf(common.ErrUnknownEntity, "set owner of %s", eid)
	}
	if !t.IsAuthority(eid, caller) {
		return errors.Wrapf(common.ErrPermission, "%s is not the authority of %s", caller, eid)
	}
	if !t.connected.Contains(newOwner) {
		return errors.Wrapf(common.ErrNotConnected, "new owner %s of %s", newOwner, eid)
	}
	old := rec.owner
	if old == newOwner {
		return nil
	}
	rec.owner = newOwner
	t.notify(eid, old, newOwner)
	return nil
}

// ApplyOwner sets the owner told by a remote authority, without permission checks
func (t *Table) ApplyOwner(eid common.EntityID, newOwner common.ParticipantID) {
	rec, ok := t.entities[eid]
	if !ok || rec.owner == newOwner {
		return
	}
	old := rec.owner
	rec.owner = newOwner
	t.notify(eid, old, newOwner)
}

// OnOwnershipChanged registers a listener of ownership changes
func (t *Table) OnOwnershipChanged(l OwnershipListener) {
	t.listeners = append(t.listeners, l)
}

func (t *Table) notify(eid common.EntityID, oldOwner, newOwner common.ParticipantID) {
	for _, l := range t.listeners {
		l(eid, oldOwner, newOwner)
	}
}
