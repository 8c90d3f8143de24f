package target

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/observer"
)

type cacheKey struct {
	kind   Kind
	sender common.ParticipantID
}

// Resolver turns descriptors into recipient sets using the authority table and the observer sets of a session.
//
// Temporary explicit targets belong to the current resolution window, which ends with EndWindow after each call.
// Symbolic results are cached per entity until its ownership or observers change.
type Resolver struct {
	table     *authority.Table
	observers *observer.Manager

	window     uint64
	temporary  map[string]*Explicit
	persistent map[uuid.UUID]*Explicit
	cache      map[common.EntityID]map[cacheKey]common.ParticipantSet
}

// NewResolver creates the resolver of a session
func NewResolver(table *authority.Table, observers *observer.Manager) *Resolver {
	r := &Resolver{
		table:      table,
		observers:  observers,
		window:     1,
		temporary:  map[string]*Explicit{},
		persistent: map[uuid.UUID]*Explicit{},
		cache:      map[common.EntityID]map[cacheKey]common.ParticipantSet{},
	}
	table.OnOwnershipChanged(func(eid common.EntityID, oldOwner, newOwner common.ParticipantID) {
		r.Invalidate(eid)
	})
	observers.OnChange(r.Invalidate)
	return r
}

// Invalidate drops the cached symbolic results of the entity
func (r *Resolver) Invalidate(eid common.EntityID) {
	delete(r.cache, eid)
}

// EndWindow ends the current resolution window: every temporary target created so far expires
func (r *Resolver) EndWindow() {
	r.window++
	if len(r.temporary) > 0 {
		r.temporary = map[string]*Explicit{}
	}
}

func (r *Resolver) newExplicit(kind Kind, ids []common.ParticipantID, ignoreVisibility bool) *Explicit {
	return &Explicit{
		kind:             kind,
		ids:              common.NewParticipantSet(ids...).ToList(),
		ignoreVisibility: ignoreVisibility,
	}
}

func (r *Resolver) temp(kind Kind, ids []common.ParticipantID, ignoreVisibility bool) Descriptor {
	e := r.newExplicit(kind, ids, ignoreVisibility)
	e.lifetime = Temporary
	e.window = r.window
	key := e.key()
	if cached, ok := r.temporary[key]; ok {
		return cached.Target()
	}
	r.temporary[key] = e
	return e.Target()
}

// Single returns a temporary target of one participant
func (r *Resolver) Single(id common.ParticipantID) Descriptor {
	return r.temp(Single, []common.ParticipantID{id}, false)
}

// Group returns a temporary target of the participants. Equal groups of one window are the same target.
func (r *Resolver) Group(ids ...common.ParticipantID) Descriptor {
	return r.temp(Group, ids, false)
}

// Not returns a temporary target of every observer but the participants
func (r *Resolver) Not(ids ...common.ParticipantID) Descriptor {
	return r.temp(Not, ids, false)
}

// GroupIgnoringVisibility returns a temporary target of the participants which is not filtered by the observer set
func (r *Resolver) GroupIgnoringVisibility(ids ...common.ParticipantID) Descriptor {
	return r.temp(Group, ids, true)
}

// NewPersistent creates an explicit target owned by the caller until Release. It is never shared with other targets.
func (r *Resolver) NewPersistent(kind Kind, ignoreVisibility bool, ids ...common.ParticipantID) (*Explicit, error) {
	if !kind.IsExplicit() {
		return nil, errors.Errorf("%s is not an explicit target", kind)
	}
	if kind == Single && len(ids) != 1 {
		return nil, errors.Errorf("single target needs exactly one participant, got %d", len(ids))
	}
	e := r.newExplicit(kind, ids, ignoreVisibility)
	e.lifetime = Persistent
	e.handle = uuid.New()
	r.persistent[e.handle] = e
	return e, nil
}

// Release releases a persistent target
func (r *Resolver) Release(e *Explicit) error {
	if e == nil || e.lifetime != Persistent {
		return errors.Errorf("only persistent targets are released")
	}
	if e.released {
		return errors.Wrapf(common.ErrTargetReleased, "%s", e.handle)
	}
	e.released = true
	delete(r.persistent, e.handle)
	return nil
}

// PersistentCount returns the number of persistent targets not released yet
func (r *Resolver) PersistentCount() int {
	return len(r.persistent)
}

// Audience returns the participants an entity can be sent to: its observers, and the server of a centralized session
func (r *Resolver) Audience(eid common.EntityID) common.ParticipantSet {
	audience := r.observers.Observers(eid)
	if r.table.Topology() == common.Centralized {
		audience.Add(r.table.ServerID())
	}
	return audience
}

func (r *Resolver) checkLifetime(e *Explicit) error {
	switch e.lifetime {
	case Temporary:
		if e.window != r.window {
			return errors.Wrapf(common.ErrTargetExpired, "%s", e)
		}
	case Persistent:
		if e.released {
			return errors.Wrapf(common.ErrTargetReleased, "%s", e.handle)
		}
	}
	return nil
}

// Resolve returns the recipients of the descriptor for an entity and a sender
func (r *Resolver) Resolve(d Descriptor, eid common.EntityID, sender common.ParticipantID) (common.ParticipantSet, error) {
	if !r.observers.IsTracked(eid) {
		return nil, errors.Wrapf(common.ErrUnknownEntity, "resolve %s", d)
	}
	if d.explicit != nil {
		return r.resolveExplicit(d.explicit, eid)
	}

	key := cacheKey{kind: d.kind, sender: sender}
	if cached, ok := r.cache[eid][key]; ok {
		return cached.Clone(), nil
	}
	res, err := r.resolveSymbolic(d.kind, eid, sender)
	if err != nil {
		return nil, err
	}
	if r.cache[eid] == nil {
		r.cache[eid] = map[cacheKey]common.ParticipantSet{}
	}
	r.cache[eid][key] = res
	return res.Clone(), nil
}

func (r *Resolver) resolveSymbolic(kind Kind, eid common.EntityID, sender common.ParticipantID) (common.ParticipantSet, error) {
	topology := r.table.Topology()
	switch kind {
	case Everyone:
		return r.Audience(eid), nil
	case Me:
		return common.NewParticipantSet(sender), nil
	case NotMe:
		res := r.Audience(eid)
		res.Del(sender)
		return res, nil
	case Owner, NotOwner:
		owner, err := r.table.OwnerOf(eid)
		if err != nil {
			return nil, err
		}
		res := r.Audience(eid)
		if kind == NotOwner {
			res.Del(owner)
			return res, nil
		}
		return res.Intersect(common.NewParticipantSet(owner)), nil
	case Server, NotServer:
		if topology != common.Centralized {
			return nil, errors.Wrapf(common.ErrTopology, "%s in %s session", kind, topology)
		}
		if kind == Server {
			return common.NewParticipantSet(r.table.ServerID()), nil
		}
		res := r.Audience(eid)
		res.Del(r.table.ServerID())
		return res, nil
	case ClientsAndHost:
		if topology == common.Distributed || r.table.HostIsClient() {
			return r.resolveSymbolic(Everyone, eid, sender)
		}
		return r.resolveSymbolic(NotServer, eid, sender)
	case SpecifiedInParams:
		return nil, errors.Wrapf(common.ErrTargetRequired, "resolve %s", eid)
	case Single, Group, Not:
		return nil, errors.Errorf("%s target without participants", kind)
	default:
		panic(errors.Errorf("unknown target kind: %d", kind))
	}
}

func (r *Resolver) resolveExplicit(e *Explicit, eid common.EntityID) (common.ParticipantSet, error) {
	if err := r.checkLifetime(e); err != nil {
		return nil, err
	}
	base := r.Audience(eid)
	if e.ignoreVisibility {
		base = base.Union(r.table.Connected())
	}

	ids := common.NewParticipantSet(e.ids...)
	switch e.kind {
	case Single, Group:
		if e.ignoreVisibility {
			return ids, nil
		}
		return ids.Intersect(base), nil
	case Not:
		return base.Minus(ids), nil
	default:
		panic(errors.Errorf("explicit target of kind %s", e.kind))
	}
}

// ResolveCall resolves the target of a call declared with a default kind. An override is only accepted when
// the declaration allows it or the default is SpecifiedInParams.
func (r *Resolver) ResolveCall(declared Kind, allowOverride bool, override *Descriptor, eid common.EntityID, sender common.ParticipantID) (common.ParticipantSet, error) {
	if override == nil {
		if declared == SpecifiedInParams {
			return nil, errors.Wrapf(common.ErrTargetRequired, "call on %s", eid)
		}
		return r.Resolve(Symbolic(declared), eid, sender)
	}
	if !allowOverride && declared != SpecifiedInParams && override.kind != declared {
		return nil, errors.Wrapf(common.ErrPermission, "target %s can not be overridden with %s", declared, override)
	}
	if override.kind == SpecifiedInParams && override.explicit == nil {
		return nil, errors.Wrapf(common.ErrTargetRequired, "call on %s", eid)
	}
	return r.Resolve(*override, eid, sender)
}
