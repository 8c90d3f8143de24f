package common

import (
	"fmt"

	"github.com/google/uuid"
)

// ENTITYID_LENGTH is the length of Entity IDs (canonical uuid text form)
const ENTITYID_LENGTH = 36

// EntityID type
type EntityID string

// IsNil returns if EntityID is nil
func (id EntityID) IsNil() bool {
	return id == ""
}

// GenEntityID generates a new EntityID
func GenEntityID() EntityID {
	return EntityID(uuid.NewString())
}

// ParticipantID identifies a session member. IDs are small integers assigned by the session
type ParticipantID uint16

// InvalidParticipantID is never assigned to a participant
const InvalidParticipantID ParticipantID = 0xFFFF

// IsValid returns if the ParticipantID can refer to a participant
func (id ParticipantID) IsValid() bool {
	return id != InvalidParticipantID
}

func (id ParticipantID) String() string {
	if id == InvalidParticipantID {
		return "P<invalid>"
	}
	return fmt.Sprintf("P%d", uint16(id))
}

// Topology is the authority model of a session
type Topology int

const (
	// Centralized topology: the server is the authority of every entity
	Centralized Topology = iota
	// Distributed topology: the owner of an entity is its authority, the session owner relays
	Distributed
)

func (t Topology) String() string {
	switch t {
	case Centralized:
		return "centralized"
	case Distributed:
		return "distributed"
	}
	return fmt.Sprintf("Topology(%d)", int(t))
}
