package common

import (
	"bytes"
	"sort"
	"strconv"
)

// ParticipantSet is a set of participant IDs
type ParticipantSet map[ParticipantID]struct{}

// NewParticipantSet creates a ParticipantSet containing ids
func NewParticipantSet(ids ...ParticipantID) ParticipantSet {
	ps := make(ParticipantSet, len(ids))
	for _, id := range ids {
		ps[id] = struct{}{}
	}
	return ps
}

// Add adds a participant to the set, returns false if it is already in the set
func (ps ParticipantSet) Add(id ParticipantID) bool {
	if _, ok := ps[id]; ok {
		return false
	}
	ps[id] = struct{}{}
	return true
}

// Del removes a participant from the set, returns false if it is not in the set
func (ps ParticipantSet) Del(id ParticipantID) bool {
	if _, ok := ps[id]; !ok {
		return false
	}
	delete(ps, id)
	return true
}

// Contains checks if the participant is in the set
func (ps ParticipantSet) Contains(id ParticipantID) bool {
	_, ok := ps[id]
	return ok
}

// Len returns the size of the set
func (ps ParticipantSet) Len() int {
	return len(ps)
}

// Clone returns a copy of the set
func (ps ParticipantSet) Clone() ParticipantSet {
	c := make(ParticipantSet, len(ps))
	for id := range ps {
		c[id] = struct{}{}
	}
	return c
}

// Intersect returns a new set with the participants in both sets
func (ps ParticipantSet) Intersect(other ParticipantSet) ParticipantSet {
	res := ParticipantSet{}
	for id := range ps {
		if other.Contains(id) {
			res[id] = struct{}{}
		}
	}
	return res
}

// Minus returns a new set with the participants of ps which are not in other
func (ps ParticipantSet) Minus(other ParticipantSet) ParticipantSet {
	res := ParticipantSet{}
	for id := range ps {
		if !other.Contains(id) {
			res[id] = struct{}{}
		}
	}
	return res
}

// Union returns a new set with the participants in either set
func (ps ParticipantSet) Union(other ParticipantSet) ParticipantSet {
	res := ps.Clone()
	for id := range other {
		res[id] = struct{}{}
	}
	return res
}

// IsSubsetOf checks if every participant of ps is in other
func (ps ParticipantSet) IsSubsetOf(other ParticipantSet) bool {
	for id := range ps {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Equal checks if both sets have the same members
func (ps ParticipantSet) Equal(other ParticipantSet) bool {
	return len(ps) == len(other) && ps.IsSubsetOf(other)
}

// ToList converts the set to a sorted slice
func (ps ParticipantSet) ToList() []ParticipantID {
	list := make([]ParticipantID, 0, len(ps))
	for id := range ps {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i] < list[j]
	})
	return list
}

func (ps ParticipantSet) String() string {
	b := bytes.Buffer{}
	b.WriteString("{")
	for i, id := range ps.ToList() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	b.WriteString("}")
	return b.String()
}

// EntityIDSet is a set of entity IDs, listed in ID order
type EntityIDSet map[EntityID]struct{}

// Add adds an entity ID
func (es EntityIDSet) Add(id EntityID) {
	es[id] = struct{}{}
}

// ToList returns the entity IDs sorted
func (es EntityIDSet) ToList() []EntityID {
	list := make([]EntityID, 0, len(es))
	for eid := range es {
		list = append(list, eid)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i] < list[j]
	})
	return list
}
