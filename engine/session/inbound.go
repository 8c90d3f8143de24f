package session

import (
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/netutil"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/replication"
)

// handleMessage handles a message received from a participant. relayed is set when the session owner
// delivers the content of a proxy envelope to itself.
func (s *Session) handleMessage(from common.ParticipantID, data []byte, relayed bool) {
	mt, packet, err := proto.ReadMsgType(data)
	if err != nil {
		s.logger.Warnf("bad message from %s: %v", from, err)
		return
	}
	if consts.DEBUG_PACKETS {
		s.logger.Debugf("<<< %s from %s, %d bytes", mt, from, len(data))
	}

	switch mt {
	case proto.MT_PROXY:
		if relayed {
			s.logger.Warnf("nested proxy envelope from %s dropped", from)
			return
		}
		s.handleProxy(from, packet)
	case proto.MT_CALL_ENTITY_METHOD:
		s.handleCallEntityMethod(from, packet)
	case proto.MT_SPAWN_ENTITY:
		s.handleSpawnEntity(from, packet)
	case proto.MT_DESPAWN_ENTITY:
		s.handleDespawnEntity(from, packet)
	case proto.MT_VAR_DELTA:
		s.handleVarDelta(from, packet)
	case proto.MT_SET_OWNER:
		s.handleSetOwner(from, packet)
	case proto.MT_SET_OBSERVERS:
		s.handleSetObservers(from, packet)
	case proto.MT_HANDSHAKE:
		// consumed by transports
	default:
		s.logger.Warnf("unknown message type %s from %s", mt, from)
	}
}

func (s *Session) handleProxy(from common.ParticipantID, packet *netutil.Packet) {
	msg, err := proto.ReadProxy(packet)
	if err != nil {
		s.logger.Warnf("bad proxy envelope from %s: %v", from, err)
		return
	}
	if msg.Origin != from {
		s.logger.Warnf("proxy envelope from %s claims origin %s", from, msg.Origin)
		return
	}
	s.dispatcher.Relay(msg, func() {
		s.handleMessage(msg.Origin, msg.Inner, true)
	})
}

func (s *Session) handleCallEntityMethod(from common.ParticipantID, packet *netutil.Packet) {
	msg, err := proto.ReadCallEntityMethod(packet)
	if err != nil {
		s.logger.Warnf("bad call from %s: %v", from, err)
		return
	}
	// relayed calls come from the session owner
	if msg.Sender != from && !s.table.IsSessionOwner(from) {
		s.logger.Warnf("call %s from %s claims sender %s", msg.Method, from, msg.Sender)
		return
	}
	e := s.entities[msg.EntityID]
	if e == nil {
		s.logger.Debugf("call %s on unknown entity %s from %s", msg.Method, msg.EntityID, msg.Sender)
		return
	}
	rpc := e.Type.rpcs[msg.Method]
	if rpc == nil {
		s.logger.Errorf("%s.%s is not a valid RPC, called by %s", e, msg.Method, msg.Sender)
		return
	}
	if rpc.RequireOwnership && !s.table.IsOwner(e.ID, msg.Sender) && !s.table.IsAuthority(e.ID, msg.Sender) {
		s.logger.Warnf("%s.%s called by %s which does not own it", e, msg.Method, msg.Sender)
		return
	}
	s.onCallFromRemote(e, rpc, msg.Sender, msg.Args)
}

func (s *Session) acceptsSpawn(from, owner common.ParticipantID) bool {
	if s.Topology() == common.Centralized {
		return from == s.table.ServerID()
	}
	return from == owner
}

func (s *Session) handleSpawnEntity(from common.ParticipantID, packet *netutil.Packet) {
	msg, err := proto.ReadSpawnEntity(packet)
	if err != nil {
		s.logger.Warnf("bad spawn from %s: %v", from, err)
		return
	}
	desc := s.types[msg.TypeName]
	if desc == nil {
		s.logger.Errorf("spawn of unknown entity type %s from %s", msg.TypeName, from)
		return
	}
	if !s.acceptsSpawn(from, msg.Owner) {
		s.logger.Warnf("spawn of %s from %s which is not its authority", msg.EntityID, from)
		return
	}

	e := s.entities[msg.EntityID]
	if e != nil && e.IsAuthority() {
		s.logger.Warnf("spawn of %s from %s, but %s is its authority", e, from, s.LocalID())
		return
	}
	created := e == nil
	if created {
		e = s.newEntity(msg.EntityID, desc)
		e.rec.ResetBaseline(s.now)
	}
	s.applySnapshot(e, msg.Vars)
	s.table.AddEntity(e.ID, msg.Owner)
	if created {
		e.spawned = true
		s.entities[e.ID] = e
		s.observers.TrackReplica(e.ID, msg.Observers)
		s.scheduler.Add(e.rec)
		s.logger.Debugf("replica %s spawned by %s, owner %s", e, from, msg.Owner)
		s.delegate.OnEntitySpawned(e)
	} else {
		s.observers.SetReplicaObservers(e.ID, msg.Observers)
	}
}

func (s *Session) applySnapshot(e *Entity, vars []proto.VarValue) {
	for _, v := range vars {
		i := int(v.Index)
		if i >= e.rec.NumVars() {
			s.logger.Warnf("%s: snapshot of unknown variable %d", e, i)
			continue
		}
		value, err := unpackValue(v.Data)
		if err != nil {
			s.logger.Warnf("%s: unpack %s failed: %v", e, e.rec.Spec(i).Name, err)
			continue
		}
		e.rec.Apply(i, e.convert(i, value))
	}
}

func (s *Session) handleDespawnEntity(from common.ParticipantID, packet *netutil.Packet) {
	eid, err := proto.ReadDespawnEntity(packet)
	if err != nil {
		s.logger.Warnf("bad despawn from %s: %v", from, err)
		return
	}
	e := s.entities[eid]
	if e == nil {
		return
	}
	if e.IsAuthority() || !s.table.IsAuthority(eid, from) {
		s.logger.Warnf("despawn of %s from %s which is not its authority", e, from)
		return
	}
	s.removeEntity(e)
	s.logger.Debugf("replica %s despawned by %s", e, from)
	s.delegate.OnEntityDespawned(e)
}

// handleVarDelta applies the variables sent by the authority. The authority of a centralized session
// also accepts owner writable variables from the owner and relays them.
func (s *Session) handleVarDelta(from common.ParticipantID, packet *netutil.Packet) {
	msg, err := proto.ReadVarDelta(packet)
	if err != nil {
		s.logger.Warnf("bad delta from %s: %v", from, err)
		return
	}
	e := s.entities[msg.EntityID]
	if e == nil {
		// the despawn may have crossed the delta
		s.logger.Debugf("delta of unknown entity %s from %s", msg.EntityID, from)
		return
	}
	fromAuthority := s.table.IsAuthority(e.ID, from)
	for _, v := range msg.Vars {
		i := int(v.Index)
		if i >= e.rec.NumVars() {
			s.logger.Warnf("%s: delta of unknown variable %d from %s", e, i, from)
			continue
		}
		value, err := unpackValue(v.Data)
		if err != nil {
			s.logger.Warnf("%s: unpack %s failed: %v", e, e.rec.Spec(i).Name, err)
			continue
		}
		value = e.convert(i, value)

		switch {
		case fromAuthority && !e.IsAuthority():
			e.rec.Apply(i, value)
		case e.IsAuthority() && e.rec.Spec(i).Write == replication.WriteOwner && s.table.IsOwner(e.ID, from):
			e.rec.SetFrom(i, value, from)
		default:
			s.logger.Warnf("%s: %s can not write %s", e, from, e.rec.Spec(i).Name)
		}
	}
}

func (s *Session) handleSetOwner(from common.ParticipantID, packet *netutil.Packet) {
	msg, err := proto.ReadSetOwner(packet)
	if err != nil {
		s.logger.Warnf("bad owner message from %s: %v", from, err)
		return
	}
	e := s.entities[msg.EntityID]
	if e == nil {
		return
	}
	if !s.table.IsAuthority(e.ID, from) && !s.table.IsServer(from) && !s.table.IsSessionOwner(from) {
		s.logger.Warnf("%s: owner message from %s which is not its authority", e, from)
		return
	}
	oldOwner := e.Owner()
	if oldOwner == msg.Owner {
		return
	}
	s.table.ApplyOwner(e.ID, msg.Owner)
	s.logger.Debugf("%s owner %s => %s, told by %s", e, oldOwner, msg.Owner, from)
	s.delegate.OnOwnerChanged(e, oldOwner, msg.Owner)
}

func (s *Session) handleSetObservers(from common.ParticipantID, packet *netutil.Packet) {
	eid, observers, err := proto.ReadSetObservers(packet)
	if err != nil {
		s.logger.Warnf("bad observers message from %s: %v", from, err)
		return
	}
	e := s.entities[eid]
	if e == nil || e.IsAuthority() || !s.table.IsAuthority(eid, from) {
		return
	}
	s.observers.SetReplicaObservers(eid, observers)
}
