// Package target resolves symbolic and explicit send targets to concrete recipient sets.
package target

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xiaonanln/netsync/engine/common"
)

// Kind is the tag of a target descriptor
type Kind uint8

const (
	// Everyone is every observer of the entity
	Everyone Kind = iota
	// Me is the sender only
	Me
	// Owner is the owner of the entity, if it observes the entity
	Owner
	// NotOwner is every observer but the owner
	NotOwner
	// Server is the server of a centralized session
	Server
	// NotServer is every observer but the server of a centralized session
	NotServer
	// NotMe is every observer but the sender
	NotMe
	// ClientsAndHost is Everyone when the server is also a client, NotServer otherwise
	ClientsAndHost
	// SpecifiedInParams means the caller passes an explicit target at call time
	SpecifiedInParams
	// Single is one explicit participant
	Single
	// Group is a list of explicit participants
	Group
	// Not is every observer but a list of explicit participants
	Not
)

var kindNames = [...]string{
	Everyone:          "Everyone",
	Me:                "Me",
	Owner:             "Owner",
	NotOwner:          "NotOwner",
	Server:            "Server",
	NotServer:         "NotServer",
	NotMe:             "NotMe",
	ClientsAndHost:    "ClientsAndHost",
	SpecifiedInParams: "SpecifiedInParams",
	Single:            "Single",
	Group:             "Group",
	Not:               "Not",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsExplicit checks if the kind carries a participant list
func (k Kind) IsExplicit() bool {
	return k == Single || k == Group || k == Not
}

// ParseKind converts a kind name to Kind
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(k), true
		}
	}
	return Everyone, false
}

// Lifetime tells how long an explicit target may be used
type Lifetime uint8

const (
	// Temporary targets are valid during the call they are created for
	Temporary Lifetime = iota
	// Persistent targets are valid until released
	Persistent
)

func (l Lifetime) String() string {
	if l == Persistent {
		return "Persistent"
	}
	return "Temporary"
}

// Descriptor is a symbolic or explicit target
type Descriptor struct {
	kind     Kind
	explicit *Explicit
}

// Symbolic returns the descriptor of a symbolic kind
func Symbolic(kind Kind) Descriptor {
	if kind.IsExplicit() {
		panic(fmt.Errorf("%s is not a symbolic target", kind))
	}
	return Descriptor{kind: kind}
}

// Kind returns the tag of the descriptor
func (d Descriptor) Kind() Kind {
	return d.kind
}

// Explicit returns the explicit target, nil for symbolic descriptors
func (d Descriptor) Explicit() *Explicit {
	return d.explicit
}

func (d Descriptor) String() string {
	if d.explicit != nil {
		return d.explicit.String()
	}
	return d.kind.String()
}

// Explicit is a Single, Group or Not target created by a Resolver
type Explicit struct {
	kind             Kind
	ids              []common.ParticipantID
	lifetime         Lifetime
	window           uint64
	handle           uuid.UUID
	released         bool
	ignoreVisibility bool
}

// Target returns the descriptor of the explicit target
func (e *Explicit) Target() Descriptor {
	return Descriptor{kind: e.kind, explicit: e}
}

// Kind returns Single, Group or Not
func (e *Explicit) Kind() Kind {
	return e.kind
}

// IDs returns the sorted participant list of the target
func (e *Explicit) IDs() []common.ParticipantID {
	return append([]common.ParticipantID(nil), e.ids...)
}

// Lifetime returns the lifetime tag
func (e *Explicit) Lifetime() Lifetime {
	return e.lifetime
}

// Handle returns the handle of a persistent target, uuid.Nil for temporary ones
func (e *Explicit) Handle() uuid.UUID {
	return e.handle
}

// IgnoresVisibility checks if the target skips filtering by the observer set
func (e *Explicit) IgnoresVisibility() bool {
	return e.ignoreVisibility
}

// Equal checks value equality: same kind, members, lifetime and visibility filtering.
// Persistent targets are only equal to themselves.
func (e *Explicit) Equal(other *Explicit) bool {
	if e == other {
		return true
	}
	if e == nil || other == nil || e.lifetime == Persistent || other.lifetime == Persistent {
		return false
	}
	if e.kind != other.kind || e.ignoreVisibility != other.ignoreVisibility || len(e.ids) != len(other.ids) {
		return false
	}
	for i := range e.ids {
		if e.ids[i] != other.ids[i] {
			return false
		}
	}
	return e.window == other.window
}

func (e *Explicit) key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%v", e.kind, e.ignoreVisibility)
	for _, id := range e.ids {
		fmt.Fprintf(&b, "/%d", id)
	}
	return b.String()
}

func (e *Explicit) String() string {
	return fmt.Sprintf("%s%v<%s>", e.kind, e.ids, e.lifetime)
}
