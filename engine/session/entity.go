package session

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/nsutil"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/typeconv"
)

var floatType = reflect.TypeOf(float64(0))

// Entity is a spawned entity as seen by the local participant: the authoritative copy or a replica
type Entity struct {
	ID   common.EntityID
	Type *EntityTypeDesc

	s       *Session
	rec     *replication.Record
	spawned bool
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s<%s>", e.Type.Name, e.ID)
}

// Session returns the session of the entity
func (e *Entity) Session() *Session {
	return e.s
}

// IsSpawned checks if the entity is spawned. A despawned entity can be respawned.
func (e *Entity) IsSpawned() bool {
	return e.spawned
}

// Owner returns the owner of the entity
func (e *Entity) Owner() common.ParticipantID {
	owner, _ := e.s.table.OwnerOf(e.ID)
	return owner
}

// IsAuthority checks if the local participant is the authority of the entity
func (e *Entity) IsAuthority() bool {
	return e.s.table.IsAuthority(e.ID, e.s.LocalID())
}

// IsOwner checks if the local participant owns the entity
func (e *Entity) IsOwner() bool {
	return e.s.table.IsOwner(e.ID, e.s.LocalID())
}

func (e *Entity) varIndex(name string) (int, error) {
	i := e.rec.Index(name)
	if i < 0 {
		return -1, errors.Wrapf(common.ErrUnknownVar, "%s.%s", e, name)
	}
	return i, nil
}

// Get returns the value of a variable, nil if it is not defined
func (e *Entity) Get(name string) interface{} {
	i := e.rec.Index(name)
	if i < 0 {
		return nil
	}
	return e.rec.Var(i).Value()
}

// GetInt returns the value of a variable as int64
func (e *Entity) GetInt(name string) int64 {
	return typeconv.Int(e.Get(name))
}

// GetFloat returns the value of a variable as float64
func (e *Entity) GetFloat(name string) float64 {
	v := e.Get(name)
	if v == nil {
		return 0
	}
	return typeconv.Convert(v, floatType).Float()
}

// GetString returns the value of a variable if it is a string
func (e *Entity) GetString(name string) string {
	s, _ := e.Get(name).(string)
	return s
}

// Set writes a variable. The local participant must be allowed to write it.
func (e *Entity) Set(name string, value interface{}) error {
	i, err := e.varIndex(name)
	if err != nil {
		return err
	}
	if !replication.CanWrite(e.s.table, e.rec, i, e.s.LocalID()) {
		return errors.Wrapf(common.ErrPermission, "%s can not write %s.%s", e.s.LocalID(), e, name)
	}
	e.rec.Set(i, e.convert(i, value))
	return nil
}

// MarkDirty marks a variable changed, e.g. after modifying a map value in place
func (e *Entity) MarkDirty(name string) error {
	i, err := e.varIndex(name)
	if err != nil {
		return err
	}
	if !replication.CanWrite(e.s.table, e.rec, i, e.s.LocalID()) {
		return errors.Wrapf(common.ErrPermission, "%s can not write %s.%s", e.s.LocalID(), e, name)
	}
	e.rec.MarkDirty(i)
	return nil
}

// convert converts a value to the type of the initial value of variable i, so that values written locally
// and values received from peers have the same type
func (e *Entity) convert(i int, value interface{}) interface{} {
	vtype := e.Type.vars[i].vtype
	if vtype == nil || value == nil || reflect.TypeOf(value) == vtype {
		return value
	}
	var converted interface{}
	if err := nsutil.CatchPanic(func() {
		converted = typeconv.Convert(value, vtype).Interface()
	}); err != nil {
		e.s.logger.Warnf("%s: can not convert %v to %s for %s", e, value, vtype, e.rec.Spec(i).Name)
		return value
	}
	return converted
}
