// Package session ties the replication core together for one participant.
//
// A Session owns the authority table, the observer sets, the target resolver, the routing dispatcher and
// the replication scheduler of the local participant. It is not safe for concurrent use: every method must
// be called from the goroutine driving Tick. Messages and connection events coming from the transport
// are queued and handled at the start of the next tick.
package session

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/observer"
	"github.com/xiaonanln/netsync/engine/post"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/netsync/engine/routing"
	"github.com/xiaonanln/netsync/engine/target"
	"github.com/xiaonanln/netsync/engine/transport"
	"go.uber.org/zap"
)

// Session is the replication state of the local participant
type Session struct {
	cfg       *config.Config
	transport transport.Transport
	logger    *zap.SugaredLogger

	table      *authority.Table
	observers  *observer.Manager
	resolver   *target.Resolver
	dispatcher *routing.Dispatcher
	scheduler  *replication.Scheduler
	inbound    *post.Queue
	deferred   *post.Queue

	types    map[string]*EntityTypeDesc
	entities map[common.EntityID]*Entity
	delegate Delegate
	now      time.Duration
}

// New creates the session of the local participant over a transport.
// Participants already connected on the transport are known when New returns.
func New(cfg *config.Config, tr transport.Transport) (*Session, error) {
	sc := &cfg.Session
	if tr.LocalID() != sc.LocalID {
		return nil, errors.Errorf("transport of %s used for session of %s", tr.LocalID(), sc.LocalID)
	}

	s := &Session{
		cfg:       cfg,
		transport: tr,
		logger:    nslog.With("pid", sc.LocalID.String()),
		inbound:   &post.Queue{},
		deferred:  &post.Queue{},
		types:     map[string]*EntityTypeDesc{},
		entities:  map[common.EntityID]*Entity{},
		delegate:  NopDelegate{},
	}
	s.table = authority.NewTable(sc.Topology, sc.LocalID, sc.ServerID, sc.SessionOwner, sc.HostIsClient)
	s.observers = observer.NewManager(s.table)
	s.resolver = target.NewResolver(s.table, s.observers)
	s.dispatcher = routing.NewDispatcher(s.table, tr, s.deferred)
	s.scheduler = replication.NewScheduler(s.table, s.observers, s.resolver, s.dispatcher, s.inbound, s.deferred,
		cfg.Replication.TickWarnThreshold)
	s.scheduler.SetListener(visibilityListener{s})

	tr.SetHandler(inboundHandler{s})
	s.inbound.Tick()
	s.logger.Infof("session started: %s, server %s, session owner %s", sc.Topology, sc.ServerID, sc.SessionOwner)
	return s, nil
}

// Config returns the session config
func (s *Session) Config() *config.Config {
	return s.cfg
}

// LocalID returns the local participant ID
func (s *Session) LocalID() common.ParticipantID {
	return s.table.LocalID()
}

// Topology returns the session topology
func (s *Session) Topology() common.Topology {
	return s.table.Topology()
}

// SessionOwner returns the current session owner
func (s *Session) SessionOwner() common.ParticipantID {
	return s.table.SessionOwner()
}

// IsConnected checks if the participant is connected
func (s *Session) IsConnected(p common.ParticipantID) bool {
	return s.table.IsConnected(p)
}

// Connected returns the connected participants, including the local one
func (s *Session) Connected() []common.ParticipantID {
	return s.table.Connected().ToList()
}

// Targets returns the target resolver, for building explicit targets
func (s *Session) Targets() *target.Resolver {
	return s.resolver
}

// SetDelegate sets the receiver of entity and visibility events
func (s *Session) SetDelegate(d Delegate) {
	if d == nil {
		d = NopDelegate{}
	}
	s.delegate = d
}

// Now returns the time of the current or last tick
func (s *Session) Now() time.Duration {
	return s.now
}

// Tick runs one scheduler step at now, the time elapsed since the session started
func (s *Session) Tick(now time.Duration) replication.TickStats {
	s.now = now
	return s.scheduler.Tick(now)
}

// RegisterEntityType registers an entity type. Every participant must register the same types.
func (s *Session) RegisterEntityType(name string) *EntityTypeDesc {
	if _, ok := s.types[name]; ok {
		nslog.Panicf("RegisterEntityType: entity type %s already registered", name)
	}
	nslog.Infof(">>> RegisterEntityType %s <<<", name)
	desc := newEntityTypeDesc(name)
	s.types[name] = desc
	return desc
}

// Entity returns a spawned entity, nil if it is not known locally
func (s *Session) Entity(eid common.EntityID) *Entity {
	return s.entities[eid]
}

// Entities returns the spawned entities ordered by ID
func (s *Session) Entities() []*Entity {
	entities := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})
	return entities
}

func (s *Session) newEntity(eid common.EntityID, desc *EntityTypeDesc) *Entity {
	e := &Entity{
		ID:   eid,
		Type: desc,
		s:    s,
		rec:  replication.NewRecord(eid, desc.Name),
	}
	desc.addVars(e.rec, &s.cfg.Replication)
	return e
}

func (s *Session) checkCanSpawn(owner common.ParticipantID) error {
	local := s.LocalID()
	if s.Topology() == common.Centralized && !s.table.IsServer(local) {
		return errors.Wrapf(common.ErrPermission, "%s is not the server", local)
	}
	if s.Topology() == common.Distributed && owner != local {
		return errors.Wrapf(common.ErrPermission, "%s can not spawn entities owned by %s", local, owner)
	}
	if !s.table.IsConnected(owner) {
		return errors.Wrapf(common.ErrNotConnected, "owner %s", owner)
	}
	return nil
}

func (s *Session) spawnWithObservers(desc *EntityTypeDesc) bool {
	if desc.spawnWithObservers != nil {
		return *desc.spawnWithObservers
	}
	return s.cfg.Session.SpawnWithObservers
}

// Spawn spawns an entity of a registered type. The authority of the new entity must be the local participant:
// the server of a centralized session, or the owner itself in a distributed session.
// Every connected participant observes the entity when the type spawns with observers, otherwise
// only the given observers do, together with the owner.
func (s *Session) Spawn(typeName string, owner common.ParticipantID, observers ...common.ParticipantID) (*Entity, error) {
	desc := s.types[typeName]
	if desc == nil {
		return nil, errors.Errorf("unknown entity type: %s", typeName)
	}
	if err := s.checkCanSpawn(owner); err != nil {
		return nil, err
	}
	e := s.newEntity(common.GenEntityID(), desc)
	s.spawn(e, owner, observers)
	return e, nil
}

// Respawn spawns a despawned entity again, reusing its variables.
// Their send state restarts at the current tick time.
func (s *Session) Respawn(e *Entity, owner common.ParticipantID, observers ...common.ParticipantID) error {
	if e.spawned {
		return errors.Errorf("%s is spawned", e)
	}
	if err := s.checkCanSpawn(owner); err != nil {
		return err
	}
	s.spawn(e, owner, observers)
	return nil
}

func (s *Session) spawn(e *Entity, owner common.ParticipantID, observers []common.ParticipantID) {
	initial := common.NewParticipantSet(observers...)
	if s.spawnWithObservers(e.Type) {
		initial = initial.Union(s.table.Connected())
	}
	e.rec.ResetBaseline(s.now)
	e.spawned = true
	s.entities[e.ID] = e
	s.table.AddEntity(e.ID, owner)
	s.observers.Track(e.ID, initial)
	s.scheduler.Add(e.rec)
	s.logger.Debugf("spawn %s owner %s observers %s", e, owner, s.observers.Observers(e.ID))
}

// Despawn destroys an entity owned by the local authority. Its replicas are despawned too.
func (s *Session) Despawn(eid common.EntityID) error {
	e := s.entities[eid]
	if e == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "despawn %s", eid)
	}
	if !e.IsAuthority() {
		return errors.Wrapf(common.ErrPermission, "%s is not the authority of %s", s.LocalID(), e)
	}
	data := proto.MakeDespawnEntity(eid)
	for _, p := range s.observers.Replicated(eid).ToList() {
		s.dispatcher.SendTo(p, data)
	}
	s.removeEntity(e)
	s.logger.Debugf("despawn %s", e)
	return nil
}

func (s *Session) removeEntity(e *Entity) {
	s.scheduler.Remove(e.ID)
	s.observers.Untrack(e.ID)
	s.table.RemoveEntity(e.ID)
	delete(s.entities, e.ID)
	e.spawned = false
}

func (s *Session) authorityEntity(eid common.EntityID) (*Entity, error) {
	e := s.entities[eid]
	if e == nil {
		return nil, errors.Wrapf(common.ErrUnknownEntity, "%s", eid)
	}
	if !e.IsAuthority() {
		return nil, errors.Wrapf(common.ErrPermission, "%s is not the authority of %s", s.LocalID(), e)
	}
	return e, nil
}

// Show makes the participant observe the entity. It gets the entity spawned at the next tick.
func (s *Session) Show(eid common.EntityID, p common.ParticipantID) error {
	if _, err := s.authorityEntity(eid); err != nil {
		return err
	}
	s.observers.Show(eid, p)
	return nil
}

// Hide stops the participant observing the entity. Its replica is despawned at the next tick,
// unless it is shown again before.
func (s *Session) Hide(eid common.EntityID, p common.ParticipantID) error {
	if _, err := s.authorityEntity(eid); err != nil {
		return err
	}
	return s.observers.Hide(eid, p)
}

// IsVisible checks if the participant observes the entity
func (s *Session) IsVisible(eid common.EntityID, p common.ParticipantID) bool {
	return s.observers.IsVisible(eid, p)
}

// Observers returns the observers of the entity
func (s *Session) Observers(eid common.EntityID) []common.ParticipantID {
	return s.observers.Observers(eid).ToList()
}

// SetOwner gives the entity to a new owner. Only the authority may call it. The new owner observes the entity
// and receives its owner only variables before the ownership message is sent to every observer.
func (s *Session) SetOwner(eid common.EntityID, newOwner common.ParticipantID) error {
	e, err := s.authorityEntity(eid)
	if err != nil {
		return err
	}
	if !s.table.IsConnected(newOwner) {
		return errors.Wrapf(common.ErrNotConnected, "new owner %s of %s", newOwner, e)
	}
	oldOwner := e.Owner()
	if oldOwner == newOwner {
		return nil
	}

	local := s.LocalID()
	if s.Topology() == common.Distributed {
		// pending changes must leave before the authority moves
		s.scheduler.SendDeltas(eid, s.now)
	}
	s.observers.Show(eid, newOwner)
	s.scheduler.FlushVisibility(eid)
	if newOwner != local {
		s.sendOwnerOnlyVars(e, newOwner)
	}

	if err := s.table.SetOwner(eid, newOwner, local); err != nil {
		return err
	}
	data := proto.MakeSetOwner(eid, newOwner)
	for _, p := range s.resolver.Audience(eid).ToList() {
		s.dispatcher.SendTo(p, data)
	}
	s.logger.Infof("%s owner %s => %s", e, oldOwner, newOwner)
	s.delegate.OnOwnerChanged(e, oldOwner, newOwner)
	return nil
}

func (s *Session) sendOwnerOnlyVars(e *Entity, p common.ParticipantID) {
	delta := &proto.VarDelta{EntityID: e.ID}
	for i := 0; i < e.rec.NumVars(); i++ {
		if e.rec.Spec(i).Read != replication.ReadOwnerOnly {
			continue
		}
		data, err := packValue(e.rec.Var(i).Value())
		if err != nil {
			s.logger.Errorf("%s: pack %s failed: %v", e, e.rec.Spec(i).Name, err)
			continue
		}
		delta.Vars = append(delta.Vars, proto.VarValue{Index: uint16(i), Data: data})
	}
	if len(delta.Vars) > 0 {
		s.dispatcher.SendTo(p, proto.MakeVarDelta(delta))
	}
}

// OnParticipantConnected is called when a participant connects
func (s *Session) OnParticipantConnected(p common.ParticipantID) {
	if !s.table.Connect(p) {
		return
	}
	s.logger.Infof("participant %s connected", p)
	for _, e := range s.Entities() {
		if e.IsAuthority() && s.spawnWithObservers(e.Type) {
			s.observers.Show(e.ID, p)
		}
	}
}

// OnParticipantDisconnected is called when a participant disconnects. It stops observing every entity,
// and the entities it owned are given to the server in a centralized session, or to the session owner
// in a distributed one. Entities are never despawned here.
func (s *Session) OnParticipantDisconnected(p common.ParticipantID) {
	if !s.table.IsConnected(p) || p == s.LocalID() {
		return
	}
	previousOwners := map[common.EntityID]common.ParticipantID{}
	for _, e := range s.entities {
		previousOwners[e.ID] = e.Owner()
	}

	reassigned := s.table.Disconnect(p)
	s.observers.RemoveParticipant(p)
	s.logger.Infof("participant %s disconnected, %d entities reassigned", p, len(reassigned))

	for _, eid := range reassigned {
		e := s.entities[eid]
		if e == nil {
			continue
		}
		s.delegate.OnOwnerChanged(e, previousOwners[eid], e.Owner())
	}
}

type inboundHandler struct {
	s *Session
}

func (h inboundHandler) HandleConnected(id common.ParticipantID) {
	h.s.inbound.Post(func() {
		h.s.OnParticipantConnected(id)
	})
}

func (h inboundHandler) HandleDisconnected(id common.ParticipantID) {
	h.s.inbound.Post(func() {
		h.s.OnParticipantDisconnected(id)
	})
}

func (h inboundHandler) HandleReceive(from common.ParticipantID, data []byte) {
	h.s.inbound.Post(func() {
		h.s.handleMessage(from, data, false)
	})
}

type visibilityListener struct {
	s *Session
}

func (l visibilityListener) OnShow(eid common.EntityID, p common.ParticipantID) {
	if e := l.s.entities[eid]; e != nil {
		l.s.delegate.OnShow(e, p)
	}
}

func (l visibilityListener) OnHide(eid common.EntityID, p common.ParticipantID) {
	if e := l.s.entities[eid]; e != nil {
		l.s.delegate.OnHide(e, p)
	}
}
