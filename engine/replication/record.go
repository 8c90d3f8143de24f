package replication

import (
	"time"

	"github.com/petar/GoLLRB/llrb"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/dirty"
)

// ReadPermission tells who receives a variable
type ReadPermission uint8

const (
	// ReadEveryone variables are sent to every observer
	ReadEveryone ReadPermission = iota
	// ReadOwnerOnly variables are only sent to the owner
	ReadOwnerOnly
)

func (p ReadPermission) String() string {
	if p == ReadOwnerOnly {
		return "OwnerOnly"
	}
	return "Everyone"
}

// WritePermission tells who may change a variable
type WritePermission uint8

const (
	// WriteAuthority variables are written by the authority of the entity
	WriteAuthority WritePermission = iota
	// WriteOwner variables are written by the owner of the entity
	WriteOwner
)

func (p WritePermission) String() string {
	if p == WriteOwner {
		return "Owner"
	}
	return "Authority"
}

// VarSpec describes a replicated variable
type VarSpec struct {
	Name  string
	Read  ReadPermission
	Write WritePermission
}

// Record is the replication state of one spawned entity: its variables in definition order
type Record struct {
	ID       common.EntityID
	TypeName string

	specs   []VarSpec
	index   map[string]int
	vars    dirty.Tracker
	origins []common.ParticipantID
}

// NewRecord creates the record of an entity
func NewRecord(id common.EntityID, typeName string) *Record {
	return &Record{
		ID:       id,
		TypeName: typeName,
		index:    map[string]int{},
	}
}

// Less orders records by entity ID
func (r *Record) Less(than llrb.Item) bool {
	return r.ID < than.(*Record).ID
}

// AddVar adds a variable, returns its index
func (r *Record) AddVar(spec VarSpec, v *dirty.Var) int {
	i := r.vars.Add(v)
	r.specs = append(r.specs, spec)
	r.origins = append(r.origins, common.InvalidParticipantID)
	r.index[spec.Name] = i
	return i
}

// NumVars returns the number of variables
func (r *Record) NumVars() int {
	return r.vars.Len()
}

// Index returns the index of the named variable, -1 if there is none
func (r *Record) Index(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	return -1
}

// Spec returns the spec of the variable at index i
func (r *Record) Spec(i int) VarSpec {
	return r.specs[i]
}

// Var returns the variable at index i
func (r *Record) Var(i int) *dirty.Var {
	return r.vars.Var(i)
}

// Origin returns the participant the pending value of variable i was received from,
// InvalidParticipantID when it was written locally
func (r *Record) Origin(i int) common.ParticipantID {
	return r.origins[i]
}

// Set writes variable i locally
func (r *Record) Set(i int, value interface{}) {
	r.vars.Var(i).Set(value)
	r.origins[i] = common.InvalidParticipantID
}

// SetFrom writes variable i with a value the owner sent, to be relayed to everyone else
func (r *Record) SetFrom(i int, value interface{}, origin common.ParticipantID) {
	r.vars.Var(i).Set(value)
	r.origins[i] = origin
}

// MarkDirty marks variable i dirty without changing it
func (r *Record) MarkDirty(i int) {
	r.vars.Var(i).MarkDirty()
	r.origins[i] = common.InvalidParticipantID
}

// Apply writes variable i with a value received from its writer
func (r *Record) Apply(i int, value interface{}) {
	r.vars.Var(i).Apply(value)
}

// ResetBaseline resets the send state of every variable at (re)spawn
func (r *Record) ResetBaseline(now time.Duration) {
	r.vars.ResetBaseline(now)
	for i := range r.origins {
		r.origins[i] = common.InvalidParticipantID
	}
}

// CanWrite checks if p may write variable i of the entity
func CanWrite(table *authority.Table, r *Record, i int, p common.ParticipantID) bool {
	if r.specs[i].Write == WriteOwner {
		return table.IsOwner(r.ID, p)
	}
	return table.IsAuthority(r.ID, p)
}

// CanRead checks if p may receive variable i of the entity
func CanRead(table *authority.Table, r *Record, i int, p common.ParticipantID) bool {
	if r.specs[i].Read == ReadOwnerOnly {
		return table.IsOwner(r.ID, p)
	}
	return true
}
