// Package observer manages the observer set of every entity, the participants holding a live replica.
//
// Show and Hide change the visible set immediately, so IsVisible reflects the latest call.
// The spawn and despawn signals are only produced by Flush, once per scheduler tick,
// as the difference between the visible set and the set flushed last time:
// a participant hidden and shown again between two flushes gets no signal at all.
package observer

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
)

// Transition is a visibility change of one entity for one participant
type Transition struct {
	EntityID    common.EntityID
	Participant common.ParticipantID
	Show        bool
}

// ChangeListener is called whenever the visible set of an entity changed
type ChangeListener func(eid common.EntityID)

type observers struct {
	visible common.ParticipantSet
	flushed common.ParticipantSet
}

// Manager keeps the observer sets of the entities known to the local participant
type Manager struct {
	table     *authority.Table
	entities  map[common.EntityID]*observers
	listeners []ChangeListener
}

// NewManager creates the observer manager of a session
func NewManager(table *authority.Table) *Manager {
	m := &Manager{
		table:    table,
		entities: map[common.EntityID]*observers{},
	}
	table.OnOwnershipChanged(func(eid common.EntityID, oldOwner, newOwner common.ParticipantID) {
		m.ensureMandatory(eid)
	})
	return m
}

// OnChange registers a listener of observer set changes
func (m *Manager) OnChange(l ChangeListener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(eid common.EntityID) {
	for _, l := range m.listeners {
		l(eid)
	}
}

// canObserve checks if p may be in an observer set at all. A dedicated server holds the authoritative copy of
// every entity and never observes.
func (m *Manager) canObserve(p common.ParticipantID) bool {
	return !(m.table.Topology() == common.Centralized && p == m.table.ServerID() && !m.table.HostIsClient())
}

// MustObserve checks if p can not be hidden from the entity: its owner, the host of a centralized session
// and the session owner of a distributed session, which inherits orphaned entities.
func (m *Manager) MustObserve(eid common.EntityID, p common.ParticipantID) bool {
	if !m.canObserve(p) {
		return false
	}
	if m.table.IsOwner(eid, p) {
		return true
	}
	if m.table.Topology() == common.Centralized {
		return p == m.table.ServerID()
	}
	return p == m.table.SessionOwner()
}

// Track starts tracking a spawned entity, with the initial observers pending to be shown at the next flush.
// The mandatory observers are added to initial.
func (m *Manager) Track(eid common.EntityID, initial common.ParticipantSet) {
	obs := &observers{
		visible: common.ParticipantSet{},
		flushed: common.ParticipantSet{},
	}
	m.entities[eid] = obs
	for p := range initial {
		if m.table.IsConnected(p) && m.canObserve(p) {
			obs.visible.Add(p)
		}
	}
	m.ensureMandatory(eid)
	m.notify(eid)
}

// TrackReplica starts tracking an entity spawned by a remote authority with its known observers
func (m *Manager) TrackReplica(eid common.EntityID, known []common.ParticipantID) {
	obs := &observers{
		visible: common.NewParticipantSet(known...),
	}
	obs.flushed = obs.visible.Clone()
	m.entities[eid] = obs
	m.notify(eid)
}

// SetReplicaObservers replaces the observers of a replica with the set told by the authority
func (m *Manager) SetReplicaObservers(eid common.EntityID, known []common.ParticipantID) {
	obs := m.entities[eid]
	if obs == nil {
		return
	}
	obs.visible = common.NewParticipantSet(known...)
	obs.flushed = obs.visible.Clone()
	m.notify(eid)
}

// Untrack forgets a despawned entity
func (m *Manager) Untrack(eid common.EntityID) {
	if _, ok := m.entities[eid]; ok {
		delete(m.entities, eid)
		m.notify(eid)
	}
}

// IsTracked checks if the entity is known
func (m *Manager) IsTracked(eid common.EntityID) bool {
	_, ok := m.entities[eid]
	return ok
}

func (m *Manager) ensureMandatory(eid common.EntityID) {
	obs := m.entities[eid]
	if obs == nil {
		return
	}
	changed := false
	if owner, err := m.table.OwnerOf(eid); err == nil && m.table.IsConnected(owner) && m.canObserve(owner) {
		changed = obs.visible.Add(owner) || changed
	}
	host := common.InvalidParticipantID
	if m.table.Topology() == common.Distributed {
		host = m.table.SessionOwner()
	} else if m.table.HostIsClient() {
		host = m.table.ServerID()
	}
	if host.IsValid() && m.table.IsConnected(host) {
		changed = obs.visible.Add(host) || changed
	}
	if changed {
		m.notify(eid)
	}
}

// Show makes the entity visible to p. Unknown entities and disconnected participants are ignored.
func (m *Manager) Show(eid common.EntityID, p common.ParticipantID) {
	obs := m.entities[eid]
	if obs == nil || !m.table.IsConnected(p) || !m.canObserve(p) {
		return
	}
	if obs.visible.Add(p) {
		if consts.DEBUG_VISIBILITY {
			nslog.Debugf("observer: show %s to %s", eid, p)
		}
		m.notify(eid)
	}
}

// Hide makes the entity invisible to p. Unknown entities and disconnected participants are ignored,
// hiding an entity from a participant which must observe it is a permission error.
func (m *Manager) Hide(eid common.EntityID, p common.ParticipantID) error {
	obs := m.entities[eid]
	if obs == nil || !m.table.IsConnected(p) {
		return nil
	}
	if m.MustObserve(eid, p) {
		return errors.Wrapf(common.ErrPermission, "%s must observe %s", p, eid)
	}
	if obs.visible.Del(p) {
		if consts.DEBUG_VISIBILITY {
			nslog.Debugf("observer: hide %s from %s", eid, p)
		}
		m.notify(eid)
	}
	return nil
}

// IsVisible checks if the entity is visible to p
func (m *Manager) IsVisible(eid common.EntityID, p common.ParticipantID) bool {
	obs := m.entities[eid]
	return obs != nil && obs.visible.Contains(p)
}

// Observers returns a copy of the observer set of the entity
func (m *Manager) Observers(eid common.EntityID) common.ParticipantSet {
	obs := m.entities[eid]
	if obs == nil {
		return common.ParticipantSet{}
	}
	return obs.visible.Clone()
}

// Replicated returns a copy of the participants which got the spawn signal and no despawn signal since
func (m *Manager) Replicated(eid common.EntityID) common.ParticipantSet {
	obs := m.entities[eid]
	if obs == nil {
		return common.ParticipantSet{}
	}
	return obs.flushed.Clone()
}

// RemoveParticipant removes a disconnected participant from every observer set without any signal.
// Returns the entities it observed.
func (m *Manager) RemoveParticipant(p common.ParticipantID) []common.EntityID {
	affected := common.EntityIDSet{}
	for eid, obs := range m.entities {
		removed := obs.visible.Del(p)
		removed = obs.flushed.Del(p) || removed
		if removed {
			affected.Add(eid)
		}
	}
	list := affected.ToList()
	for _, eid := range list {
		m.notify(eid)
	}
	if len(list) == 0 {
		return nil
	}
	return list
}

// FlushEntity emits the pending transitions of one entity
func (m *Manager) FlushEntity(eid common.EntityID) []Transition {
	obs := m.entities[eid]
	if obs == nil {
		return nil
	}
	if !m.table.IsAuthority(eid, m.table.LocalID()) {
		// replicas follow the authority, nothing to signal
		obs.flushed = obs.visible.Clone()
		return nil
	}

	var transitions []Transition
	for _, p := range obs.flushed.Minus(obs.visible).ToList() {
		transitions = append(transitions, Transition{EntityID: eid, Participant: p, Show: false})
	}
	for _, p := range obs.visible.Minus(obs.flushed).ToList() {
		transitions = append(transitions, Transition{EntityID: eid, Participant: p, Show: true})
	}
	obs.flushed = obs.visible.Clone()
	return transitions
}

// Flush emits the pending transitions of all entities, ordered by entity ID. Called once per tick.
func (m *Manager) Flush() []Transition {
	eids := common.EntityIDSet{}
	for eid := range m.entities {
		eids.Add(eid)
	}

	var transitions []Transition
	for _, eid := range eids.ToList() {
		transitions = append(transitions, m.FlushEntity(eid)...)
	}
	return transitions
}
