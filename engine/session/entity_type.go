package session

import (
	"reflect"

	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/dirty"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/netsync/engine/target"
)

// VarDef defines a replicated variable of an entity type
type VarDef struct {
	Initial interface{}
	Read    replication.ReadPermission
	Write   replication.WritePermission
	Traits  dirty.Traits
}

// RPCDesc declares how an RPC is targeted and who may call it
type RPCDesc struct {
	// DefaultTarget is used when the caller gives no target
	DefaultTarget target.Kind
	// AllowTargetOverride lets callers replace the default target
	AllowTargetOverride bool
	// RequireOwnership restricts callers to the owner and the authority of the entity
	RequireOwnership bool
	// DeferLocal delays the local delivery to the start of the next tick
	DeferLocal bool
}

type rpcDesc struct {
	RPCDesc
	Name     string
	Func     reflect.Value
	FuncType reflect.Type
	NumArgs  int
}

type varDesc struct {
	VarDef
	name  string
	vtype reflect.Type
}

// EntityTypeDesc describes an entity type: its replicated variables and RPCs
type EntityTypeDesc struct {
	Name string

	vars               []*varDesc
	varIndex           map[string]int
	rpcs               map[string]*rpcDesc
	spawnWithObservers *bool
}

var rpcContextType = reflect.TypeOf(&RPCContext{})

func newEntityTypeDesc(name string) *EntityTypeDesc {
	return &EntityTypeDesc{
		Name:     name,
		varIndex: map[string]int{},
		rpcs:     map[string]*rpcDesc{},
	}
}

// DefineVar defines a replicated variable. Variables are indexed in definition order.
func (desc *EntityTypeDesc) DefineVar(name string, def VarDef) *EntityTypeDesc {
	if _, ok := desc.varIndex[name]; ok {
		nslog.Panicf("entity type %s: variable %s defined twice", desc.Name, name)
	}
	nslog.Infof("        Var %s = %v (read %s, write %s)", name, def.Initial, def.Read, def.Write)
	vd := &varDesc{VarDef: def, name: name}
	if def.Initial != nil {
		vd.vtype = reflect.TypeOf(def.Initial)
	}
	desc.varIndex[name] = len(desc.vars)
	desc.vars = append(desc.vars, vd)
	return desc
}

// SetSpawnWithObservers overrides the session default observer policy for entities of this type:
// when set, every connected participant observes a new entity.
func (desc *EntityTypeDesc) SetSpawnWithObservers(spawnWithObservers bool) *EntityTypeDesc {
	desc.spawnWithObservers = &spawnWithObservers
	return desc
}

// RegisterRPC registers an RPC handler. The handler must be a function taking *RPCContext as the first argument.
func (desc *EntityTypeDesc) RegisterRPC(name string, fn interface{}, rd RPCDesc) *EntityTypeDesc {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func || ft.NumIn() < 1 || ft.In(0) != rpcContextType {
		nslog.Panicf("entity type %s: RPC %s must be a func(*RPCContext, ...), not %s", desc.Name, name, ft)
	}
	if ft.IsVariadic() {
		nslog.Panicf("entity type %s: RPC %s can not be variadic", desc.Name, name)
	}
	if _, ok := desc.rpcs[name]; ok {
		nslog.Panicf("entity type %s: RPC %s registered twice", desc.Name, name)
	}
	nslog.Infof("        RPC %s target %s", name, rd.DefaultTarget)
	desc.rpcs[name] = &rpcDesc{
		RPCDesc:  rd,
		Name:     name,
		Func:     fv,
		FuncType: ft,
		NumArgs:  ft.NumIn() - 1,
	}
	return desc
}

// addVars adds the variables of the type to a record. Unset intervals fall back to the session defaults.
func (desc *EntityTypeDesc) addVars(r *replication.Record, defaults *config.ReplicationConfig) {
	for _, vd := range desc.vars {
		traits := vd.Traits
		if traits.MinInterval == 0 {
			traits.MinInterval = defaults.DefaultMinInterval
		}
		if traits.MaxInterval == 0 {
			traits.MaxInterval = defaults.DefaultMaxInterval
		}
		r.AddVar(replication.VarSpec{Name: vd.name, Read: vd.Read, Write: vd.Write}, dirty.NewVar(vd.Initial, traits))
	}
}
