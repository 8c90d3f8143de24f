package session

import "github.com/xiaonanln/netsync/engine/common"

// Delegate receives the entity events of a session. It is called from Tick and from the session methods.
type Delegate interface {
	// OnEntitySpawned is called when a replica of a remote entity is spawned locally
	OnEntitySpawned(e *Entity)
	// OnEntityDespawned is called when a replica is despawned, because the entity was hidden or destroyed
	OnEntityDespawned(e *Entity)
	// OnShow is called on the authority when the spawn of the entity is sent to a participant
	OnShow(e *Entity, p common.ParticipantID)
	// OnHide is called on the authority when the despawn of the entity is sent to a participant
	OnHide(e *Entity, p common.ParticipantID)
	OnOwnerChanged(e *Entity, oldOwner, newOwner common.ParticipantID)
}

// NopDelegate ignores every event, embed it to implement only some of them
type NopDelegate struct{}

// OnEntitySpawned does nothing
func (NopDelegate) OnEntitySpawned(e *Entity) {}

// OnEntityDespawned does nothing
func (NopDelegate) OnEntityDespawned(e *Entity) {}

// OnShow does nothing
func (NopDelegate) OnShow(e *Entity, p common.ParticipantID) {}

// OnHide does nothing
func (NopDelegate) OnHide(e *Entity, p common.ParticipantID) {}

// OnOwnerChanged does nothing
func (NopDelegate) OnOwnerChanged(e *Entity, oldOwner, newOwner common.ParticipantID) {}
