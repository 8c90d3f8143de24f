package replication

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/dirty"
	"github.com/xiaonanln/netsync/engine/netutil"
	"github.com/xiaonanln/netsync/engine/observer"
	"github.com/xiaonanln/netsync/engine/post"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/routing"
	"github.com/xiaonanln/netsync/engine/target"
)

const (
	varPos = iota
	varSecret
	varInput
)

type sentMsg struct {
	to   common.ParticipantID
	mt   proto.MsgType
	data []byte
}

type recorder struct {
	sent []sentMsg
}

func (r *recorder) Send(to common.ParticipantID, data []byte) error {
	mt, _, err := proto.ReadMsgType(data)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentMsg{to, mt, data})
	return nil
}

func (r *recorder) take(mt proto.MsgType) []sentMsg {
	var res []sentMsg
	for _, m := range r.sent {
		if m.mt == mt {
			res = append(res, m)
		}
	}
	return res
}

func (r *recorder) reset() {
	r.sent = nil
}

type fixture struct {
	table     *authority.Table
	observers *observer.Manager
	sched     *Scheduler
	out       *recorder
	events    []string
}

func (f *fixture) OnShow(eid common.EntityID, p common.ParticipantID) {
	f.events = append(f.events, "show "+p.String())
}

func (f *fixture) OnHide(eid common.EntityID, p common.ParticipantID) {
	f.events = append(f.events, "hide "+p.String())
}

func newFixture(local common.ParticipantID, peers ...common.ParticipantID) *fixture {
	table := authority.NewTable(common.Centralized, local, 0, 0, false)
	for _, p := range peers {
		table.Connect(p)
	}
	observers := observer.NewManager(table)
	resolver := target.NewResolver(table, observers)
	out := &recorder{}
	deferred := &post.Queue{}
	f := &fixture{
		table:     table,
		observers: observers,
		out:       out,
	}
	f.sched = NewScheduler(table, observers, resolver, routing.NewDispatcher(table, out, deferred), &post.Queue{}, deferred, 0)
	f.sched.SetListener(f)
	return f
}

func newPlayer(eid common.EntityID) *Record {
	r := NewRecord(eid, "Player")
	r.AddVar(VarSpec{Name: "pos", Read: ReadEveryone, Write: WriteAuthority}, dirty.NewVar(0.0, dirty.Traits{}))
	r.AddVar(VarSpec{Name: "secret", Read: ReadOwnerOnly, Write: WriteAuthority}, dirty.NewVar("", dirty.Traits{}))
	r.AddVar(VarSpec{Name: "input", Read: ReadEveryone, Write: WriteOwner}, dirty.NewVar(int64(0), dirty.Traits{}))
	return r
}

func (f *fixture) spawn(eid common.EntityID, owner common.ParticipantID, obs ...common.ParticipantID) *Record {
	r := newPlayer(eid)
	f.table.AddEntity(eid, owner)
	f.observers.Track(eid, common.NewParticipantSet(obs...))
	f.sched.Add(r)
	return r
}

func readDelta(t *testing.T, m sentMsg) *proto.VarDelta {
	_, packet, err := proto.ReadMsgType(m.data)
	assert.Equal(t, nil, err)
	delta, err := proto.ReadVarDelta(packet)
	assert.Equal(t, nil, err)
	return delta
}

func readSpawn(t *testing.T, m sentMsg) *proto.SpawnEntity {
	_, packet, err := proto.ReadMsgType(m.data)
	assert.Equal(t, nil, err)
	spawn, err := proto.ReadSpawnEntity(packet)
	assert.Equal(t, nil, err)
	return spawn
}

func unpackFloat(t *testing.T, data []byte) float64 {
	var v float64
	assert.Equal(t, nil, netutil.MSG_PACKER.UnpackMsg(data, &v))
	return v
}

func TestSpawnOnFirstTick(t *testing.T) {
	f := newFixture(0, 1, 2)
	r := f.spawn("e1", 1, 2)
	r.Set(varSecret, "key")

	stats := f.sched.Tick(0)
	assert.Equal(t, 2, stats.Spawns)
	assert.Equal(t, []string{"show P1", "show P2"}, f.events)

	spawns := f.out.take(proto.MT_SPAWN_ENTITY)
	assert.Equal(t, 2, len(spawns))
	for _, m := range spawns {
		spawn := readSpawn(t, m)
		assert.Equal(t, common.ParticipantID(1), spawn.Owner)
		assert.Equal(t, []common.ParticipantID{1, 2}, spawn.Observers)
		if m.to == 1 {
			assert.Equal(t, 3, len(spawn.Vars))
		} else {
			assert.Equal(t, 2, len(spawn.Vars), "owner only variable is not sent to P2")
		}
	}
	// the snapshot was the value, no delta follows
	assert.Equal(t, 0, len(f.out.take(proto.MT_VAR_DELTA)))
	assert.Equal(t, 0, len(f.out.take(proto.MT_SET_OBSERVERS)))
}

func TestCoalescedDelta(t *testing.T) {
	f := newFixture(0, 1, 2)
	r := f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()

	r.Set(varPos, 1.0)
	r.Set(varPos, 2.0)
	r.Set(varPos, 3.0)
	stats := f.sched.Tick(50 * time.Millisecond)
	assert.Equal(t, 2, stats.Deltas)

	deltas := f.out.take(proto.MT_VAR_DELTA)
	assert.Equal(t, 2, len(deltas))
	for _, m := range deltas {
		delta := readDelta(t, m)
		assert.Equal(t, 1, len(delta.Vars))
		assert.Equal(t, uint16(varPos), delta.Vars[0].Index)
		assert.Equal(t, 3.0, unpackFloat(t, delta.Vars[0].Data))
	}

	f.out.reset()
	f.sched.Tick(100 * time.Millisecond)
	assert.Equal(t, 0, len(f.out.sent))
}

func TestOneMessagePerRecipient(t *testing.T) {
	f := newFixture(0, 1, 2)
	r := f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()

	r.Set(varPos, 5.0)
	r.Set(varSecret, "key")
	f.sched.Tick(50 * time.Millisecond)

	deltas := f.out.take(proto.MT_VAR_DELTA)
	assert.Equal(t, 2, len(deltas))
	for _, m := range deltas {
		delta := readDelta(t, m)
		if m.to == 1 {
			assert.Equal(t, 2, len(delta.Vars))
		} else {
			assert.Equal(t, common.ParticipantID(2), m.to)
			assert.Equal(t, 1, len(delta.Vars))
			assert.Equal(t, uint16(varPos), delta.Vars[0].Index)
		}
	}
}

func TestHideShowWithinTick(t *testing.T) {
	f := newFixture(0, 1, 2)
	r := f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()
	f.events = nil

	assert.Equal(t, nil, f.observers.Hide("e1", 2))
	r.Set(varPos, 7.0)
	f.observers.Show("e1", 2)
	f.sched.Tick(50 * time.Millisecond)

	assert.Equal(t, 0, len(f.out.take(proto.MT_DESPAWN_ENTITY)))
	assert.Equal(t, 0, len(f.out.take(proto.MT_SPAWN_ENTITY)))
	assert.Equal(t, 0, len(f.events))
	got := map[common.ParticipantID]float64{}
	for _, m := range f.out.take(proto.MT_VAR_DELTA) {
		got[m.to] = unpackFloat(t, readDelta(t, m).Vars[0].Data)
	}
	assert.Equal(t, map[common.ParticipantID]float64{1: 7.0, 2: 7.0}, got)
}

func TestNewcomerGetsSnapshotOnly(t *testing.T) {
	f := newFixture(0, 1, 2, 3)
	r := f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()

	f.observers.Show("e1", 3)
	r.Set(varPos, 9.0)
	f.sched.Tick(50 * time.Millisecond)

	spawns := f.out.take(proto.MT_SPAWN_ENTITY)
	assert.Equal(t, 1, len(spawns))
	assert.Equal(t, common.ParticipantID(3), spawns[0].to)
	spawn := readSpawn(t, spawns[0])
	assert.Equal(t, []common.ParticipantID{1, 2, 3}, spawn.Observers)
	assert.Equal(t, 9.0, unpackFloat(t, spawn.Vars[0].Data))

	for _, m := range f.out.take(proto.MT_VAR_DELTA) {
		assert.NotEqual(t, common.ParticipantID(3), m.to)
	}
	updates := f.out.take(proto.MT_SET_OBSERVERS)
	assert.Equal(t, 2, len(updates))
}

func TestDespawnOnHide(t *testing.T) {
	f := newFixture(0, 1, 2)
	f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()
	f.events = nil

	assert.Equal(t, nil, f.observers.Hide("e1", 2))
	stats := f.sched.Tick(50 * time.Millisecond)
	assert.Equal(t, 1, stats.Despawns)
	assert.Equal(t, []string{"hide P2"}, f.events)
	despawns := f.out.take(proto.MT_DESPAWN_ENTITY)
	assert.Equal(t, common.ParticipantID(2), despawns[0].to)
}

func TestRelayExcludesOrigin(t *testing.T) {
	f := newFixture(0, 1, 2)
	r := f.spawn("e1", 1, 2)
	f.sched.Tick(0)
	f.out.reset()

	r.SetFrom(varInput, int64(4), 1)
	f.sched.Tick(50 * time.Millisecond)
	deltas := f.out.take(proto.MT_VAR_DELTA)
	assert.Equal(t, 1, len(deltas))
	assert.Equal(t, common.ParticipantID(2), deltas[0].to)
	assert.Equal(t, common.InvalidParticipantID, r.Origin(varInput))
}

func TestClientOwnerWritesToServer(t *testing.T) {
	f := newFixture(1, 0, 2)
	r := newPlayer("e1")
	f.table.AddEntity("e1", 1)
	f.observers.TrackReplica("e1", []common.ParticipantID{1, 2})
	f.sched.Add(r)

	r.Set(varInput, int64(3))
	r.Set(varPos, 1.0)
	f.sched.Tick(0)

	deltas := f.out.take(proto.MT_VAR_DELTA)
	assert.Equal(t, 1, len(deltas))
	assert.Equal(t, common.ParticipantID(0), deltas[0].to)
	delta := readDelta(t, deltas[0])
	assert.Equal(t, 1, len(delta.Vars))
	assert.Equal(t, uint16(varInput), delta.Vars[0].Index)
	assert.Equal(t, 0, len(f.out.take(proto.MT_SPAWN_ENTITY)))
}

func TestRecordsOrdered(t *testing.T) {
	f := newFixture(0, 1)
	f.spawn("b", 1)
	f.spawn("a", 1)
	f.spawn("c", 1)
	var ids []common.EntityID
	for _, r := range f.sched.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []common.EntityID{"a", "b", "c"}, ids)
	assert.Equal(t, "b", string(f.sched.Remove("b").ID))
	assert.Equal(t, 2, f.sched.Len())
	assert.T(t, f.sched.Get("b") == nil)
}
