package main

import (
	"math/rand"
	"time"

	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/dirty"
	"github.com/xiaonanln/netsync/engine/interest"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/netsync/engine/session"
	"github.com/xiaonanln/netsync/engine/target"
	"github.com/xiaonanln/netsync/engine/transport"
	"go.uber.org/zap"
)

const (
	_AVATAR_TYPE     = "Avatar"
	_WORLD_SIZE      = 200
	_AOI_DISTANCE    = 50
	_WALK_STEP       = 2.0
	_SAY_EVERY_TICKS = 100
)

// node is the demo world run by one netsyncd participant.
//
// In a centralized session the server spawns an avatar for every connected client and shows it the
// avatars around through an interest space. In a distributed session every participant spawns and walks
// its own avatar, which everyone observes.
type node struct {
	s       *session.Session
	space   *interest.Space
	avatars map[common.ParticipantID]*session.Entity
	rand    *rand.Rand
	ticks   int
	logger  *zap.SugaredLogger
}

func newNode(cfg *config.Config, tr transport.Transport, seed int64) (*node, error) {
	s, err := session.New(cfg, tr)
	if err != nil {
		return nil, err
	}
	n := &node{
		s:       s,
		avatars: map[common.ParticipantID]*session.Entity{},
		rand:    rand.New(rand.NewSource(seed)),
	}
	n.logger = nslog.With("pid", s.LocalID().String(), "app", "avatars")
	n.registerAvatar()
	s.SetDelegate(n)
	if n.isServer() {
		n.space = interest.NewSpace(s, _AOI_DISTANCE)
	}
	return n, nil
}

func (n *node) registerAvatar() {
	desc := n.s.RegisterEntityType(_AVATAR_TYPE)
	// avatars of a centralized session are shown by the interest space
	desc.SetSpawnWithObservers(n.s.Topology() == common.Distributed)
	desc.DefineVar("x", session.VarDef{Initial: 0.0, Traits: dirty.Traits{MinInterval: 100 * time.Millisecond, Predicate: dirty.AbsThreshold(0.5)}})
	desc.DefineVar("z", session.VarDef{Initial: 0.0, Traits: dirty.Traits{MinInterval: 100 * time.Millisecond, Predicate: dirty.AbsThreshold(0.5)}})
	desc.DefineVar("hp", session.VarDef{Initial: int64(100)})
	desc.RegisterRPC("Say", func(ctx *session.RPCContext, text string) {
		n.logger.Infof("%s says %q to %s", ctx.Sender, text, ctx.Session.LocalID())
	}, session.RPCDesc{DefaultTarget: target.Everyone, AllowTargetOverride: true})
}

func (n *node) isServer() bool {
	return n.s.Topology() == common.Centralized && n.s.LocalID() == n.s.Config().Session.ServerID
}

func (n *node) tick(now time.Duration) replication.TickStats {
	n.ticks++
	switch {
	case n.isServer():
		n.syncClientAvatars()
	case n.s.Topology() == common.Distributed:
		n.spawnOwnAvatar()
	}
	for _, e := range n.avatars {
		n.walk(e)
	}
	if n.s.Topology() == common.Distributed && n.ticks%_SAY_EVERY_TICKS == 0 {
		if e := n.avatars[n.s.LocalID()]; e != nil {
			if err := n.s.Call(e.ID, "Say", "hello"); err != nil {
				n.logger.Warnf("say: %v", err)
			}
		}
	}
	return n.s.Tick(now)
}

// allConnected tells if every configured peer is connected
func (n *node) allConnected() bool {
	for p := range n.s.Config().Transport.Peers {
		if !n.s.IsConnected(p) {
			return false
		}
	}
	return true
}

func (n *node) randomPosition() interest.Position {
	return interest.Position{
		X: n.rand.Float32() * _WORLD_SIZE,
		Z: n.rand.Float32() * _WORLD_SIZE,
	}
}

func (n *node) syncClientAvatars() {
	local := n.s.LocalID()
	connected := map[common.ParticipantID]bool{}
	for _, p := range n.s.Connected() {
		if p == local && !n.s.Config().Session.HostIsClient {
			continue
		}
		connected[p] = true
		if n.avatars[p] != nil {
			continue
		}
		e, err := n.s.Spawn(_AVATAR_TYPE, p)
		if err != nil {
			n.logger.Errorf("spawn avatar of %s: %v", p, err)
			continue
		}
		pos := n.randomPosition()
		n.setPosition(e, pos)
		if err := n.space.EnterAsViewer(e.ID, p, pos); err != nil {
			n.logger.Errorf("%s enter space: %v", e, err)
		}
		n.avatars[p] = e
		n.logger.Infof("avatar %s spawned for %s at %v", e, p, pos)
	}

	for p, e := range n.avatars {
		if connected[p] {
			continue
		}
		if err := n.space.Leave(e.ID); err != nil {
			n.logger.Warnf("%s leave space: %v", e, err)
		}
		if err := n.s.Despawn(e.ID); err != nil {
			n.logger.Warnf("despawn %s: %v", e, err)
		}
		delete(n.avatars, p)
	}
}

func (n *node) spawnOwnAvatar() {
	local := n.s.LocalID()
	if n.avatars[local] != nil {
		return
	}
	e, err := n.s.Spawn(_AVATAR_TYPE, local)
	if err != nil {
		n.logger.Errorf("spawn avatar: %v", err)
		return
	}
	n.setPosition(e, n.randomPosition())
	n.avatars[local] = e
}

func (n *node) walk(e *session.Entity) {
	pos := interest.Position{
		X: float32(e.GetFloat("x")) + (n.rand.Float32()*2-1)*_WALK_STEP,
		Z: float32(e.GetFloat("z")) + (n.rand.Float32()*2-1)*_WALK_STEP,
	}
	pos.X = clamp(pos.X, 0, _WORLD_SIZE)
	pos.Z = clamp(pos.Z, 0, _WORLD_SIZE)
	n.setPosition(e, pos)
	if n.space != nil {
		if err := n.space.Move(e.ID, pos); err != nil {
			n.logger.Warnf("%s move: %v", e, err)
		}
	}
}

func (n *node) setPosition(e *session.Entity, pos interest.Position) {
	if err := e.Set("x", float64(pos.X)); err != nil {
		n.logger.Warnf("%s set x: %v", e, err)
	}
	if err := e.Set("z", float64(pos.Z)); err != nil {
		n.logger.Warnf("%s set z: %v", e, err)
	}
}

func clamp(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (n *node) OnEntitySpawned(e *session.Entity) {
	n.logger.Infof("%s appears, owner %s", e, e.Owner())
}

func (n *node) OnEntityDespawned(e *session.Entity) {
	n.logger.Infof("%s disappears", e)
}

func (n *node) OnShow(e *session.Entity, p common.ParticipantID) {
	n.logger.Debugf("%s shown to %s", e, p)
}

func (n *node) OnHide(e *session.Entity, p common.ParticipantID) {
	n.logger.Debugf("%s hidden from %s", e, p)
}

func (n *node) OnOwnerChanged(e *session.Entity, oldOwner, newOwner common.ParticipantID) {
	n.logger.Infof("%s owner %s => %s", e, oldOwner, newOwner)
}
