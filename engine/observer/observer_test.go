package observer

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
)

func newCentralized(hostIsClient bool, clients ...common.ParticipantID) (*authority.Table, *Manager) {
	table := authority.NewTable(common.Centralized, 0, 0, 0, hostIsClient)
	for _, p := range clients {
		table.Connect(p)
	}
	return table, NewManager(table)
}

func TestShowHideFlush(t *testing.T) {
	table, m := newCentralized(false, 1, 2)
	table.AddEntity("e", 0)
	m.Track("e", common.NewParticipantSet(1))

	assert.Equal(t, []Transition{{EntityID: "e", Participant: 1, Show: true}}, m.Flush())
	assert.Equal(t, 0, len(m.Flush()))

	m.Show("e", 2)
	m.Show("e", 2)
	assert.T(t, m.IsVisible("e", 2), "visible right after show")
	assert.Equal(t, []Transition{{EntityID: "e", Participant: 2, Show: true}}, m.Flush())

	assert.Equal(t, nil, m.Hide("e", 2))
	assert.Equal(t, nil, m.Hide("e", 2))
	assert.T(t, !m.IsVisible("e", 2), "invisible right after hide")
	assert.Equal(t, []Transition{{EntityID: "e", Participant: 2, Show: false}}, m.Flush())
}

func TestHideShowWithinTickCoalesces(t *testing.T) {
	table, m := newCentralized(false, 1)
	table.AddEntity("e", 0)
	m.Track("e", common.NewParticipantSet(1))
	m.Flush()

	assert.Equal(t, nil, m.Hide("e", 1))
	m.Show("e", 1)
	assert.Equal(t, 0, len(m.Flush()))
	assert.T(t, m.Replicated("e").Contains(1), "replica was never despawned")
}

func TestUnknownAndDisconnectedAreIgnored(t *testing.T) {
	table, m := newCentralized(false, 1)
	table.AddEntity("e", 0)
	m.Track("e", nil)

	m.Show("e", 9)
	assert.Equal(t, nil, m.Hide("e", 9))
	m.Show("missing", 1)
	assert.Equal(t, nil, m.Hide("missing", 1))
	assert.T(t, !m.IsVisible("e", 9), "disconnected participant is never visible")
	assert.Equal(t, 0, len(m.Flush()))
}

func TestOwnerMustObserve(t *testing.T) {
	table, m := newCentralized(false, 1, 2)
	table.AddEntity("e", 1)
	m.Track("e", nil)
	assert.T(t, m.IsVisible("e", 1), "owner observes its entity")
	err := m.Hide("e", 1)
	assert.T(t, common.IsPermissionError(err), "owner can not be hidden")

	assert.Equal(t, nil, table.SetOwner("e", 2, 0))
	assert.T(t, m.IsVisible("e", 2), "new owner observes the entity")
}

func TestDedicatedServerNeverObserves(t *testing.T) {
	table, m := newCentralized(false, 1)
	table.AddEntity("e", 0)
	m.Track("e", common.NewParticipantSet(0, 1))
	assert.T(t, !m.IsVisible("e", 0), "dedicated server is not an observer")

	table2, m2 := newCentralized(true, 1)
	table2.AddEntity("e", 1)
	m2.Track("e", nil)
	assert.T(t, m2.IsVisible("e", 0), "host observes every entity")
}

// The sole observer disconnects, the observer set becomes empty and nothing is signaled
func TestDisconnectSoleObserver(t *testing.T) {
	table, m := newCentralized(false, 1)
	table.AddEntity("e", 0)
	m.Track("e", common.NewParticipantSet(1))
	m.Flush()

	changed := 0
	m.OnChange(func(eid common.EntityID) {
		changed++
	})
	table.Disconnect(1)
	assert.Equal(t, []common.EntityID{"e"}, m.RemoveParticipant(1))
	assert.Equal(t, 0, m.Observers("e").Len())
	assert.Equal(t, 0, len(m.Flush()))
	assert.T(t, m.IsTracked("e"), "entity is not despawned")
	assert.Equal(t, 1, changed)
}

func TestReplicaNeverSignals(t *testing.T) {
	table := authority.NewTable(common.Distributed, 2, 0, 0, false)
	table.Connect(0)
	table.Connect(1)
	m := NewManager(table)
	table.AddEntity("e", 1)
	m.TrackReplica("e", []common.ParticipantID{0, 1, 2})
	assert.Equal(t, 0, len(m.Flush()))

	m.SetReplicaObservers("e", []common.ParticipantID{0, 1})
	assert.T(t, !m.IsVisible("e", 2), "observers follow the authority")
	assert.Equal(t, 0, len(m.Flush()))
}
