package session

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/dirty"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/netsync/engine/target"
	"github.com/xiaonanln/netsync/engine/transport"
)

const tick = 50 * time.Millisecond

// countingTransport records the types of the messages sent through an endpoint
type countingTransport struct {
	*transport.Endpoint
	sent map[proto.MsgType]int
}

func (t *countingTransport) Send(to common.ParticipantID, data []byte) error {
	if mt, _, err := proto.ReadMsgType(data); err == nil {
		t.sent[mt]++
	}
	return t.Endpoint.Send(to, data)
}

type eventLog struct {
	NopDelegate
	spawned   int
	despawned int
}

func (l *eventLog) OnEntitySpawned(e *Entity) {
	l.spawned++
}

func (l *eventLog) OnEntityDespawned(e *Entity) {
	l.despawned++
}

type cluster struct {
	t        *testing.T
	hub      *transport.Hub
	ids      []common.ParticipantID
	sessions map[common.ParticipantID]*Session
	wires    map[common.ParticipantID]*countingTransport
	events   map[common.ParticipantID]*eventLog
	calls    map[common.ParticipantID][]string
	now      time.Duration
}

func newCluster(t *testing.T, topology common.Topology, configure func(cfg *config.Config), ids ...common.ParticipantID) *cluster {
	c := &cluster{
		t:        t,
		hub:      transport.NewHub(),
		ids:      ids,
		sessions: map[common.ParticipantID]*Session{},
		wires:    map[common.ParticipantID]*countingTransport{},
		events:   map[common.ParticipantID]*eventLog{},
		calls:    map[common.ParticipantID][]string{},
	}
	for _, id := range ids {
		c.wires[id] = &countingTransport{Endpoint: c.hub.Join(id), sent: map[proto.MsgType]int{}}
	}
	for _, id := range ids {
		cfg := config.Default()
		cfg.Session.Topology = topology
		cfg.Session.LocalID = id
		cfg.Session.SpawnWithObservers = false
		if configure != nil {
			configure(cfg)
		}
		s, err := New(cfg, c.wires[id])
		require.NoError(t, err)
		c.events[id] = &eventLog{}
		s.SetDelegate(c.events[id])
		c.registerTypes(s)
		c.sessions[id] = s
	}
	return c
}

func (c *cluster) record(ctx *RPCContext, text string) {
	local := ctx.Session.LocalID()
	c.calls[local] = append(c.calls[local], text)
}

func (c *cluster) registerTypes(s *Session) {
	desc := s.RegisterEntityType("Player")
	desc.DefineVar("hp", VarDef{Initial: int64(100)})
	desc.DefineVar("pos", VarDef{Initial: 0.0, Traits: dirty.Traits{MinInterval: time.Second}})
	desc.DefineVar("secret", VarDef{Initial: "", Read: replication.ReadOwnerOnly})
	desc.DefineVar("input", VarDef{Initial: int64(0), Write: replication.WriteOwner})
	desc.DefineVar("aim", VarDef{Initial: 0.0, Traits: dirty.Traits{MaxInterval: 10 * time.Second, Predicate: dirty.AbsThreshold(5)}})

	desc.RegisterRPC("Ping", func(ctx *RPCContext, n int, text string) {
		c.record(ctx, fmt.Sprintf("Ping(%d, %s) from %s", n, text, ctx.Sender))
	}, RPCDesc{DefaultTarget: target.Everyone, AllowTargetOverride: true})
	desc.RegisterRPC("Shout", func(ctx *RPCContext) {
		c.record(ctx, fmt.Sprintf("Shout from %s", ctx.Sender))
	}, RPCDesc{DefaultTarget: target.NotOwner})
	desc.RegisterRPC("ToServer", func(ctx *RPCContext) {
		c.record(ctx, "ToServer")
	}, RPCDesc{DefaultTarget: target.Server})
	desc.RegisterRPC("Jump", func(ctx *RPCContext) {
		c.record(ctx, "Jump")
	}, RPCDesc{DefaultTarget: target.Me, RequireOwnership: true})
	desc.RegisterRPC("Later", func(ctx *RPCContext) {
		c.record(ctx, "Later")
	}, RPCDesc{DefaultTarget: target.Me, DeferLocal: true})
	desc.RegisterRPC("Whisper", func(ctx *RPCContext, text string) {
		c.record(ctx, "Whisper "+text)
	}, RPCDesc{DefaultTarget: target.SpecifiedInParams})
}

// tickAt ticks every session at now, in participant order
func (c *cluster) tickAt(now time.Duration) {
	c.now = now
	for _, id := range c.ids {
		if s := c.sessions[id]; s != nil {
			s.Tick(now)
		}
	}
}

// settle ticks until every message in flight is handled
func (c *cluster) settle() {
	for i := 0; i < 4; i++ {
		c.tickAt(c.now + tick)
	}
}

func (c *cluster) replica(id common.ParticipantID, eid common.EntityID) *Entity {
	return c.sessions[id].Entity(eid)
}

func (c *cluster) disconnect(id common.ParticipantID) {
	c.wires[id].Close()
	delete(c.sessions, id)
}

func (c *cluster) callers() []common.ParticipantID {
	var ids []common.ParticipantID
	for id, calls := range c.calls {
		if len(calls) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

func TestCentralizedReplication(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1, 2)
	require.NoError(t, err)
	require.NoError(t, e.Set("secret", "owner only"))
	c.settle()

	assert.Equal(t, []common.ParticipantID{1, 2}, server.Observers(e.ID))
	for _, id := range []common.ParticipantID{1, 2} {
		r := c.replica(id, e.ID)
		require.NotNil(t, r, "replica on %s", id)
		assert.Equal(t, int64(100), r.Get("hp"))
		assert.Equal(t, common.ParticipantID(1), r.Owner())
		assert.Equal(t, 1, c.events[id].spawned)
	}
	assert.Equal(t, "owner only", c.replica(1, e.ID).GetString("secret"))
	assert.Equal(t, "", c.replica(2, e.ID).GetString("secret"))

	require.NoError(t, e.Set("hp", 90))
	c.settle()
	assert.Equal(t, int64(90), c.replica(1, e.ID).Get("hp"))
	assert.Equal(t, int64(90), c.replica(2, e.ID).Get("hp"))

	// clients do not write authority variables
	err = c.replica(1, e.ID).Set("hp", 1)
	assert.True(t, common.IsPermissionError(err))
	assert.Equal(t, int64(90), c.replica(1, e.ID).Get("hp"))

	// the owner writes its input through the server
	require.NoError(t, c.replica(1, e.ID).Set("input", 7))
	c.settle()
	assert.Equal(t, int64(7), e.GetInt("input"))
	assert.Equal(t, int64(7), c.replica(2, e.ID).GetInt("input"))
	err = c.replica(2, e.ID).Set("input", 8)
	assert.True(t, common.IsPermissionError(err))

	_, err = c.sessions[1].Spawn("Player", 1)
	assert.True(t, common.IsPermissionError(err))
	assert.True(t, errors.Cause(e.Set("nothing", 1)) == common.ErrUnknownVar)
}

func TestNotOwnerSkipsOwner(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1, 2)
	e, err := c.sessions[2].Spawn("Player", 2, 0, 1)
	require.NoError(t, err)
	c.settle()
	assert.Equal(t, []common.ParticipantID{0, 1, 2}, c.sessions[2].Observers(e.ID))

	require.NoError(t, c.sessions[2].Call(e.ID, "Shout"))
	c.settle()
	assert.Equal(t, []common.ParticipantID{0, 1}, c.callers())
	assert.Equal(t, []string{"Shout from P2"}, c.calls[0])
	assert.Equal(t, []string{"Shout from P2"}, c.calls[1])
}

func TestProxyHop(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1, 2)
	e, err := c.sessions[1].Spawn("Player", 1, 0, 2)
	require.NoError(t, err)
	c.settle()
	require.NotNil(t, c.replica(2, e.ID))

	require.NoError(t, c.sessions[2].Call(e.ID, "Ping", 3, "hi"))
	// the caller is a recipient and gets its call right away
	assert.Equal(t, []string{"Ping(3, hi) from P2"}, c.calls[2])
	assert.Equal(t, 1, c.wires[2].sent[proto.MT_PROXY])
	assert.Equal(t, 0, c.wires[2].sent[proto.MT_CALL_ENTITY_METHOD])

	c.settle()
	for _, id := range []common.ParticipantID{0, 1, 2} {
		assert.Equal(t, []string{"Ping(3, hi) from P2"}, c.calls[id], "calls on %s", id)
	}
	// the session owner relays to P1 only, never back to P2
	assert.Equal(t, 1, c.wires[0].sent[proto.MT_CALL_ENTITY_METHOD])
}

func TestAuthorityCallsDirect(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1, 2)
	e, err := c.sessions[1].Spawn("Player", 1, 0, 2)
	require.NoError(t, err)
	c.settle()

	require.NoError(t, c.sessions[1].Call(e.ID, "Ping", 1, "direct"))
	assert.Equal(t, 0, c.wires[1].sent[proto.MT_PROXY])
	assert.Equal(t, 2, c.wires[1].sent[proto.MT_CALL_ENTITY_METHOD])
	c.settle()
	assert.Equal(t, []common.ParticipantID{0, 1, 2}, c.callers())
}

func TestMinIntervalDelaysDelta(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1)
	require.NoError(t, err)
	c.tickAt(0)
	require.NotNil(t, c.replica(1, e.ID))

	deltas := 0
	require.NoError(t, e.Set("pos", 1.0))
	deltas += server.Tick(0).Deltas
	c.sessions[1].Tick(0)

	require.NoError(t, e.Set("pos", 2.0))
	deltas += server.Tick(500 * time.Millisecond).Deltas
	c.sessions[1].Tick(500 * time.Millisecond)
	assert.Equal(t, 0.0, c.replica(1, e.ID).Get("pos"))

	deltas += server.Tick(time.Second).Deltas
	c.sessions[1].Tick(time.Second)
	assert.Equal(t, 2.0, c.replica(1, e.ID).Get("pos"))

	deltas += server.Tick(2 * time.Second).Deltas
	assert.Equal(t, 1, deltas)
}

func TestHideShowWithinTickKeepsReplica(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1, 2)
	require.NoError(t, err)
	c.settle()

	require.NoError(t, server.Hide(e.ID, 2))
	assert.False(t, server.IsVisible(e.ID, 2))
	require.NoError(t, e.Set("hp", 42))
	require.NoError(t, server.Show(e.ID, 2))
	c.settle()

	assert.Equal(t, 0, c.events[2].despawned)
	assert.Equal(t, 1, c.events[2].spawned)
	assert.Equal(t, int64(42), c.replica(2, e.ID).Get("hp"))

	// the owner can not be hidden
	assert.True(t, common.IsPermissionError(server.Hide(e.ID, 1)))

	// a real hide despawns the replica
	require.NoError(t, server.Hide(e.ID, 2))
	c.settle()
	assert.Nil(t, c.replica(2, e.ID))
	assert.Equal(t, 1, c.events[2].despawned)
}

func TestRespawnResetsBaseline(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1)
	require.NoError(t, err)
	c.tickAt(0)
	require.NoError(t, server.Despawn(e.ID))
	c.tickAt(time.Second)
	assert.Nil(t, c.replica(1, e.ID))
	assert.False(t, e.IsSpawned())

	c.tickAt(100 * time.Second)
	require.NoError(t, server.Respawn(e, 1))
	c.tickAt(100*time.Second + tick)
	require.NotNil(t, c.replica(1, e.ID))

	// below the threshold, only the max interval since the respawn forces a send
	require.NoError(t, e.Set("aim", 1.0))
	c.tickAt(101 * time.Second)
	assert.Equal(t, 0.0, c.replica(1, e.ID).Get("aim"))
	c.tickAt(109 * time.Second)
	assert.Equal(t, 0.0, c.replica(1, e.ID).Get("aim"))
	c.tickAt(110*time.Second + tick)
	assert.Equal(t, 1.0, c.replica(1, e.ID).Get("aim"))
}

func TestDisconnectOfSoleObserver(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 0, 1)
	require.NoError(t, err)
	c.settle()
	assert.Equal(t, []common.ParticipantID{1}, server.Observers(e.ID))

	c.disconnect(1)
	c.settle()
	assert.Equal(t, []common.ParticipantID{}, server.Observers(e.ID))
	assert.NotNil(t, server.Entity(e.ID))
	assert.True(t, e.IsSpawned())
	require.NoError(t, e.Set("hp", 1))
	c.settle()
}

func TestCentralizedOwnerDisconnect(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1, 2)
	require.NoError(t, err)
	c.settle()

	c.disconnect(1)
	c.settle()
	assert.Equal(t, common.ParticipantID(0), e.Owner())
	assert.Equal(t, common.ParticipantID(0), c.replica(2, e.ID).Owner())
	assert.Equal(t, []common.ParticipantID{2}, server.Observers(e.ID))
}

func TestSetOwnerDistributed(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1, 2)
	e, err := c.sessions[1].Spawn("Player", 1, 0, 2)
	require.NoError(t, err)
	require.NoError(t, e.Set("secret", "key"))
	c.settle()
	assert.Equal(t, "", c.replica(2, e.ID).GetString("secret"))

	// only the authority gives the entity away
	assert.True(t, common.IsPermissionError(c.sessions[2].SetOwner(e.ID, 2)))

	require.NoError(t, c.sessions[1].SetOwner(e.ID, 2))
	c.settle()
	for _, id := range []common.ParticipantID{0, 1, 2} {
		assert.Equal(t, common.ParticipantID(2), c.replica(id, e.ID).Owner(), "owner on %s", id)
	}
	moved := c.replica(2, e.ID)
	assert.True(t, moved.IsAuthority())
	assert.Equal(t, "key", moved.GetString("secret"))

	assert.True(t, common.IsPermissionError(e.Set("hp", 1)))
	require.NoError(t, moved.Set("hp", 5))
	c.settle()
	assert.Equal(t, int64(5), c.replica(0, e.ID).Get("hp"))
	assert.Equal(t, int64(5), c.replica(1, e.ID).Get("hp"))
}

func TestSetOwnerCentralized(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1)
	require.NoError(t, err)
	require.NoError(t, e.Set("secret", "key"))
	c.settle()
	assert.Nil(t, c.replica(2, e.ID))

	require.NoError(t, server.SetOwner(e.ID, 2))
	c.settle()
	r := c.replica(2, e.ID)
	require.NotNil(t, r)
	assert.Equal(t, common.ParticipantID(2), r.Owner())
	assert.Equal(t, "key", r.GetString("secret"))
	assert.Equal(t, common.ParticipantID(2), c.replica(1, e.ID).Owner())

	require.NoError(t, r.Set("input", 3))
	c.settle()
	assert.Equal(t, int64(3), e.GetInt("input"))
	assert.Equal(t, int64(3), c.replica(1, e.ID).GetInt("input"))
}

func TestSessionOwnerDisconnect(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1, 2)
	e, err := c.sessions[0].Spawn("Player", 0, 1, 2)
	require.NoError(t, err)
	c.settle()

	c.disconnect(0)
	c.settle()
	for _, id := range []common.ParticipantID{1, 2} {
		assert.Equal(t, common.ParticipantID(1), c.sessions[id].SessionOwner())
		assert.Equal(t, common.ParticipantID(1), c.replica(id, e.ID).Owner())
	}
	inherited := c.replica(1, e.ID)
	require.True(t, inherited.IsAuthority())
	require.NoError(t, inherited.Set("hp", 11))
	c.settle()
	assert.Equal(t, int64(11), c.replica(2, e.ID).Get("hp"))

	// P2 now relays through P1
	require.NoError(t, c.sessions[2].Call(e.ID, "Ping", 1, "x"))
	assert.Equal(t, 1, c.wires[2].sent[proto.MT_PROXY])
	c.settle()
	assert.Equal(t, []string{"Ping(1, x) from P2"}, c.calls[1])
	assert.Equal(t, []string{"Ping(1, x) from P2"}, c.calls[2])
}

func TestCallTargets(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1, 2)
	require.NoError(t, err)
	c.settle()

	require.NoError(t, server.CallTarget(e.ID, "Ping", server.Targets().Single(2), 1, "one"))
	c.settle()
	assert.Equal(t, []common.ParticipantID{2}, c.callers())

	// the default target of ToServer can not be overridden
	err = c.sessions[1].CallTarget(e.ID, "ToServer", target.Symbolic(target.Owner))
	assert.True(t, common.IsPermissionError(err))

	// temporary targets expire with their call
	single := c.sessions[1].Targets().Single(2)
	require.NoError(t, c.sessions[1].CallTarget(e.ID, "Ping", single, 2, "two"))
	err = c.sessions[1].CallTarget(e.ID, "Ping", single, 3, "three")
	assert.True(t, common.IsLifetimeError(err))

	// persistent targets live until released
	group, err := server.Targets().NewPersistent(target.Group, false, 1, 2)
	require.NoError(t, err)
	require.NoError(t, server.CallTarget(e.ID, "Ping", group.Target(), 4, "four"))
	require.NoError(t, server.CallTarget(e.ID, "Ping", group.Target(), 5, "five"))
	require.NoError(t, server.Targets().Release(group))
	err = server.CallTarget(e.ID, "Ping", group.Target(), 6, "six")
	assert.True(t, common.IsLifetimeError(err))

	err = server.Call(e.ID, "Whisper", "x")
	assert.True(t, errors.Cause(err) == common.ErrTargetRequired)
	require.NoError(t, server.CallTarget(e.ID, "Whisper", server.Targets().Single(1), "x"))

	c.settle()
	assert.Equal(t, []string{"Ping(1, one) from P0", "Ping(2, two) from P1", "Ping(4, four) from P0", "Ping(5, five) from P0"}, c.calls[2])
	assert.Equal(t, []string{"Ping(4, four) from P0", "Ping(5, five) from P0", "Whisper x"}, c.calls[1])

	assert.True(t, errors.Cause(server.Call(e.ID, "Nothing")) == common.ErrUnknownRPC)
	assert.True(t, errors.Cause(server.Call("missing", "Ping")) == common.ErrUnknownEntity)
}

func TestServerTargetInDistributed(t *testing.T) {
	c := newCluster(t, common.Distributed, nil, 0, 1)
	e, err := c.sessions[1].Spawn("Player", 1)
	require.NoError(t, err)
	err = c.sessions[1].Call(e.ID, "ToServer")
	assert.True(t, common.IsTopologyError(err))
}

func TestRequireOwnership(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1, 2)
	e, err := c.sessions[0].Spawn("Player", 1, 2)
	require.NoError(t, err)
	c.settle()

	assert.True(t, common.IsPermissionError(c.sessions[2].Call(e.ID, "Jump")))
	require.NoError(t, c.sessions[1].Call(e.ID, "Jump"))
	assert.Equal(t, []string{"Jump"}, c.calls[1])
}

func TestDeferredLocalCall(t *testing.T) {
	c := newCluster(t, common.Centralized, nil, 0, 1)
	e, err := c.sessions[0].Spawn("Player", 1)
	require.NoError(t, err)

	require.NoError(t, c.sessions[0].Call(e.ID, "Later"))
	assert.Empty(t, c.calls[0])
	stats := c.sessions[0].Tick(tick)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, []string{"Later"}, c.calls[0])
}

func TestDeferLocalRPCConfig(t *testing.T) {
	c := newCluster(t, common.Centralized, func(cfg *config.Config) {
		cfg.Session.DeferLocalRPC = true
	}, 0, 1)
	e, err := c.sessions[0].Spawn("Player", 1)
	require.NoError(t, err)

	require.NoError(t, c.sessions[0].CallTarget(e.ID, "Ping", c.sessions[0].Targets().GroupIgnoringVisibility(0), 1, "self"))
	assert.Empty(t, c.calls[0])
	c.sessions[0].Tick(tick)
	assert.Equal(t, []string{"Ping(1, self) from P0"}, c.calls[0])
}

func TestSpawnWithObservers(t *testing.T) {
	c := newCluster(t, common.Centralized, func(cfg *config.Config) {
		cfg.Session.SpawnWithObservers = true
	}, 0, 1, 2)
	server := c.sessions[0]
	e, err := server.Spawn("Player", 1)
	require.NoError(t, err)
	assert.Equal(t, []common.ParticipantID{1, 2}, server.Observers(e.ID))

	// late joiners observe it too
	ep := c.hub.Join(3)
	c.wires[3] = &countingTransport{Endpoint: ep, sent: map[proto.MsgType]int{}}
	cfg := config.Default()
	cfg.Session.LocalID = 3
	s3, err := New(cfg, c.wires[3])
	require.NoError(t, err)
	c.registerTypes(s3)
	c.sessions[3] = s3
	c.ids = append(c.ids, 3)
	c.settle()
	require.NotNil(t, c.replica(3, e.ID))
	assert.Equal(t, []common.ParticipantID{1, 2, 3}, server.Observers(e.ID))
}

func TestNewRejectsForeignTransport(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.Default()
	cfg.Session.LocalID = 1
	_, err := New(cfg, hub.Join(2))
	assert.Error(t, err)
}
