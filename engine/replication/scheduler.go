// Package replication drives the per-tick replication of a session: it flushes visibility changes as spawn and
// despawn messages, then sends the eligible variables of every entity, one message per entity and recipient.
package replication

import (
	"strconv"
	"strings"
	"time"

	"github.com/petar/GoLLRB/llrb"
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/netutil"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/observer"
	"github.com/xiaonanln/netsync/engine/opmon"
	"github.com/xiaonanln/netsync/engine/post"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/routing"
	"github.com/xiaonanln/netsync/engine/target"
)

// Listener is told about visibility transitions flushed by the scheduler
type Listener interface {
	OnShow(eid common.EntityID, p common.ParticipantID)
	OnHide(eid common.EntityID, p common.ParticipantID)
}

// TickStats counts what one tick did
type TickStats struct {
	Inbound  int
	Deferred int
	Spawns   int
	Despawns int
	Deltas   int
}

// Scheduler is the replication driver of one session
type Scheduler struct {
	table      *authority.Table
	observers  *observer.Manager
	resolver   *target.Resolver
	dispatcher *routing.Dispatcher
	inbound    *post.Queue
	deferred   *post.Queue
	listener   Listener

	entities      *llrb.LLRB
	warnThreshold time.Duration
}

// NewScheduler creates the scheduler of a session
func NewScheduler(table *authority.Table, observers *observer.Manager, resolver *target.Resolver, dispatcher *routing.Dispatcher,
	inbound *post.Queue, deferred *post.Queue, warnThreshold time.Duration) *Scheduler {
	return &Scheduler{
		table:         table,
		observers:     observers,
		resolver:      resolver,
		dispatcher:    dispatcher,
		inbound:       inbound,
		deferred:      deferred,
		entities:      llrb.New(),
		warnThreshold: warnThreshold,
	}
}

// SetListener sets the listener of visibility transitions
func (s *Scheduler) SetListener(l Listener) {
	s.listener = l
}

// Add adds the record of a spawned entity
func (s *Scheduler) Add(r *Record) {
	s.entities.ReplaceOrInsert(r)
}

// Remove removes the record of a despawned entity
func (s *Scheduler) Remove(eid common.EntityID) *Record {
	item := s.entities.Delete(&Record{ID: eid})
	if item == nil {
		return nil
	}
	return item.(*Record)
}

// Get returns the record of the entity, nil if it is not spawned
func (s *Scheduler) Get(eid common.EntityID) *Record {
	item := s.entities.Get(&Record{ID: eid})
	if item == nil {
		return nil
	}
	return item.(*Record)
}

// Len returns the number of spawned entities
func (s *Scheduler) Len() int {
	return s.entities.Len()
}

// Records returns the records ordered by entity ID
func (s *Scheduler) Records() []*Record {
	records := make([]*Record, 0, s.entities.Len())
	s.entities.AscendGreaterOrEqual(&Record{}, func(item llrb.Item) bool {
		records = append(records, item.(*Record))
		return true
	})
	return records
}

// Tick runs one scheduler step at now: queued inbound messages and deferred local calls first,
// then visibility transitions, then variable deltas.
func (s *Scheduler) Tick(now time.Duration) (stats TickStats) {
	op := opmon.StartOperation("replication.Tick")
	defer op.Finish(s.warnThreshold)

	stats.Inbound = s.inbound.Tick()
	if stats.Inbound >= consts.INBOUND_QUEUE_WARN_LEN {
		nslog.Warnf("replication: %d inbound messages in one tick", stats.Inbound)
	}
	stats.Deferred = s.deferred.Tick()

	shown := map[common.EntityID]common.ParticipantSet{}
	for _, r := range s.Records() {
		s.flushVisibility(r, shown, &stats)
	}
	for _, r := range s.Records() {
		stats.Deltas += s.sendDeltas(r, now, shown[r.ID])
	}
	s.resolver.EndWindow()
	return
}

// FlushVisibility sends the pending visibility transitions of one entity right away
func (s *Scheduler) FlushVisibility(eid common.EntityID) {
	r := s.Get(eid)
	if r == nil {
		return
	}
	var stats TickStats
	s.flushVisibility(r, map[common.EntityID]common.ParticipantSet{}, &stats)
}

// SendDeltas sends the eligible variables of one entity right away, returns the number of messages sent
func (s *Scheduler) SendDeltas(eid common.EntityID, now time.Duration) int {
	r := s.Get(eid)
	if r == nil {
		return 0
	}
	return s.sendDeltas(r, now, nil)
}

func (s *Scheduler) flushVisibility(r *Record, shown map[common.EntityID]common.ParticipantSet, stats *TickStats) {
	transitions := s.observers.FlushEntity(r.ID)
	if len(transitions) == 0 {
		return
	}

	local := s.table.LocalID()
	owner, _ := s.table.OwnerOf(r.ID)
	observers := s.observers.Observers(r.ID).ToList()
	newcomers := common.ParticipantSet{}
	for _, t := range transitions {
		if t.Participant != local {
			if t.Show {
				spawn := &proto.SpawnEntity{
					EntityID:  r.ID,
					TypeName:  r.TypeName,
					Owner:     owner,
					Observers: observers,
					Vars:      s.Snapshot(r, t.Participant),
				}
				if s.dispatcher.SendTo(t.Participant, proto.MakeSpawnEntity(spawn)) {
					stats.Spawns++
				}
				newcomers.Add(t.Participant)
			} else if s.dispatcher.SendTo(t.Participant, proto.MakeDespawnEntity(r.ID)) {
				stats.Despawns++
			}
		}

		if consts.DEBUG_VISIBILITY {
			nslog.Debugf("replication: %s show=%v to %s", r.ID, t.Show, t.Participant)
		}
		if s.listener != nil {
			if t.Show {
				s.listener.OnShow(r.ID, t.Participant)
			} else {
				s.listener.OnHide(r.ID, t.Participant)
			}
		}
	}
	shown[r.ID] = newcomers

	// replica holders which did not get a spawn learn the new observer set
	data := proto.MakeSetObservers(r.ID, observers)
	for _, p := range observers {
		if !newcomers.Contains(p) {
			s.dispatcher.SendTo(p, data)
		}
	}
}

// Snapshot packs every variable of the entity readable by p
func (s *Scheduler) Snapshot(r *Record, p common.ParticipantID) []proto.VarValue {
	vars := make([]proto.VarValue, 0, r.NumVars())
	for i := 0; i < r.NumVars(); i++ {
		if !CanRead(s.table, r, i, p) {
			continue
		}
		data, err := netutil.MSG_PACKER.PackMsg(r.Var(i).Value(), nil)
		if err != nil {
			nslog.Errorf("replication: pack %s.%s failed: %v", r.ID, r.Spec(i).Name, err)
			continue
		}
		vars = append(vars, proto.VarValue{Index: uint16(i), Data: data})
	}
	return vars
}

// writableIndexes returns the eligible variables the local participant sends,
// and whether it sends them to the server only as a client owner of a centralized session
func (s *Scheduler) writableIndexes(r *Record, now time.Duration) (eligible []int, toServer bool) {
	local := s.table.LocalID()
	if s.table.IsAuthority(r.ID, local) {
		return r.vars.Eligible(now), false
	}
	if s.table.Topology() != common.Centralized || !s.table.IsOwner(r.ID, local) {
		return nil, false
	}
	for _, i := range r.vars.Eligible(now) {
		if r.specs[i].Write == WriteOwner {
			eligible = append(eligible, i)
		}
	}
	return eligible, true
}

func (s *Scheduler) recipients(r *Record, i int, toServer bool, skip common.ParticipantSet) common.ParticipantSet {
	if toServer {
		return common.NewParticipantSet(s.table.ServerID())
	}
	kind := target.Everyone
	if r.specs[i].Read == ReadOwnerOnly {
		kind = target.Owner
	}
	res, err := s.resolver.Resolve(target.Symbolic(kind), r.ID, s.table.LocalID())
	if err != nil {
		nslog.Errorf("replication: resolve recipients of %s.%s: %v", r.ID, r.specs[i].Name, err)
		return common.ParticipantSet{}
	}
	res.Del(s.table.LocalID())
	res.Del(r.origins[i])
	for p := range skip {
		res.Del(p)
	}
	return res
}

func (s *Scheduler) sendDeltas(r *Record, now time.Duration, skip common.ParticipantSet) (sent int) {
	eligible, toServer := s.writableIndexes(r, now)
	if len(eligible) == 0 {
		return 0
	}

	packed := make(map[int][]byte, len(eligible))
	byRecipient := map[common.ParticipantID][]int{}
	for _, i := range eligible {
		data, err := netutil.MSG_PACKER.PackMsg(r.Var(i).Value(), nil)
		if err != nil {
			nslog.Errorf("replication: pack %s.%s failed: %v", r.ID, r.specs[i].Name, err)
			continue
		}
		packed[i] = data
		for _, p := range s.recipients(r, i, toServer, skip).ToList() {
			byRecipient[p] = append(byRecipient[p], i)
		}
	}

	// recipients of the same variables share one payload
	groups := map[string]common.ParticipantSet{}
	groupIndexes := map[string][]int{}
	for p, indexes := range byRecipient {
		key := indexKey(indexes)
		if groups[key] == nil {
			groups[key] = common.ParticipantSet{}
			groupIndexes[key] = indexes
		}
		groups[key].Add(p)
	}
	for key, recipients := range groups {
		delta := &proto.VarDelta{EntityID: r.ID}
		for _, i := range groupIndexes[key] {
			delta.Vars = append(delta.Vars, proto.VarValue{Index: uint16(i), Data: packed[i]})
		}
		res := s.dispatcher.Dispatch(recipients, r.ID, proto.MakeVarDelta(delta), nil, false)
		sent += len(res.Direct) + len(res.Proxied)
		if consts.DEBUG_REPLICATION {
			nslog.Debugf("replication: %s vars %s to %s", r.ID, key, recipients)
		}
	}

	r.vars.Consume(eligible, now)
	for _, i := range eligible {
		r.origins[i] = common.InvalidParticipantID
	}
	return
}

func indexKey(indexes []int) string {
	var b strings.Builder
	for i, idx := range indexes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(idx))
	}
	return b.String()
}
