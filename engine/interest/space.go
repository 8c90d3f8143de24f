// Package interest drives entity visibility from positions in a 2D space.
//
// Entities enter a Space at a position on the XZ plane. An entity entered as a viewer stands for a
// participant: every entity within the AOI distance of the viewer is shown to that participant, and
// hidden again when it leaves the distance. A participant with several viewers sees the union of
// their neighborhoods.
package interest

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-aoi"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/session"
	"go.uber.org/zap"
)

// DEFAULT_AOI_DISTANCE is the AOI distance of spaces created with distance 0
const DEFAULT_AOI_DISTANCE = 100

// Position is a position on the XZ plane
type Position struct {
	X, Z float32
}

type object struct {
	space     *Space
	eid       common.EntityID
	viewer    common.ParticipantID
	pos       Position
	aoi       aoi.AOI
	neighbors map[*object]struct{}
}

// OnEnterAOI is called by the AOI manager when other gets in the distance of o
func (o *object) OnEnterAOI(other *aoi.AOI) {
	n := other.Data.(*object)
	if _, ok := o.neighbors[n]; ok {
		return
	}
	o.neighbors[n] = struct{}{}
	if o.viewer.IsValid() {
		o.space.interest(o.viewer, n.eid)
	}
}

// OnLeaveAOI is called by the AOI manager when other gets out of the distance of o
func (o *object) OnLeaveAOI(other *aoi.AOI) {
	o.uninterest(other.Data.(*object))
}

func (o *object) uninterest(n *object) {
	if _, ok := o.neighbors[n]; !ok {
		return
	}
	delete(o.neighbors, n)
	if o.viewer.IsValid() {
		o.space.uninterest(o.viewer, n.eid)
	}
}

// Space shows entities to the participants of nearby viewers.
// Entities must be authority entities of the session. Like the session, a Space is not safe for concurrent use.
type Space struct {
	s         *session.Session
	distance  aoi.Coord
	mgr       aoi.AOIManager
	objects   map[common.EntityID]*object
	interests map[common.ParticipantID]map[common.EntityID]int
	logger    *zap.SugaredLogger
}

// NewSpace creates a space over the session, with XZ-list AOI of distance
func NewSpace(s *session.Session, distance float32) *Space {
	if distance <= 0 {
		distance = DEFAULT_AOI_DISTANCE
	}
	return &Space{
		s:         s,
		distance:  aoi.Coord(distance),
		mgr:       aoi.NewXZListAOIManager(aoi.Coord(distance)),
		objects:   map[common.EntityID]*object{},
		interests: map[common.ParticipantID]map[common.EntityID]int{},
		logger:    nslog.With("pid", s.LocalID().String(), "space", "xz"),
	}
}

// Enter puts the entity in the space
func (space *Space) Enter(eid common.EntityID, pos Position) error {
	return space.enter(eid, common.InvalidParticipantID, pos)
}

// EnterAsViewer puts the entity in the space, showing its neighbors to viewer
func (space *Space) EnterAsViewer(eid common.EntityID, viewer common.ParticipantID, pos Position) error {
	if !viewer.IsValid() {
		return errors.Errorf("%s can not be a viewer", viewer)
	}
	return space.enter(eid, viewer, pos)
}

func (space *Space) enter(eid common.EntityID, viewer common.ParticipantID, pos Position) error {
	e := space.s.Entity(eid)
	if e == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "enter %s", eid)
	}
	if !e.IsAuthority() {
		return errors.Wrapf(common.ErrPermission, "%s is not the authority of %s", space.s.LocalID(), e)
	}
	if space.objects[eid] != nil {
		return errors.Errorf("%s is already in space", e)
	}

	o := &object{
		space:     space,
		eid:       eid,
		viewer:    viewer,
		pos:       pos,
		neighbors: map[*object]struct{}{},
	}
	aoi.InitAOI(&o.aoi, space.distance, o, o)
	space.objects[eid] = o
	if consts.DEBUG_VISIBILITY {
		space.logger.Debugf("%s enters at %v, viewer %s", e, pos, viewer)
	}
	space.mgr.Enter(&o.aoi, aoi.Coord(pos.X), aoi.Coord(pos.Z))
	return nil
}

// Move moves the entity to pos, updating the interests of the viewers around
func (space *Space) Move(eid common.EntityID, pos Position) error {
	o := space.objects[eid]
	if o == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "move %s", eid)
	}
	o.pos = pos
	space.mgr.Moved(&o.aoi, aoi.Coord(pos.X), aoi.Coord(pos.Z))
	return nil
}

// Leave removes the entity from the space. Entities are expected to leave before being despawned.
func (space *Space) Leave(eid common.EntityID) error {
	o := space.objects[eid]
	if o == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "leave %s", eid)
	}
	space.mgr.Leave(&o.aoi)
	for n := range o.neighbors {
		o.uninterest(n)
		n.uninterest(o)
	}
	delete(space.objects, eid)
	return nil
}

// Position returns the position of the entity in the space
func (space *Space) Position(eid common.EntityID) (Position, bool) {
	o := space.objects[eid]
	if o == nil {
		return Position{}, false
	}
	return o.pos, true
}

// Neighbors returns the entities within the AOI distance of the entity, in ID order
func (space *Space) Neighbors(eid common.EntityID) []common.EntityID {
	o := space.objects[eid]
	if o == nil {
		return nil
	}
	ids := common.EntityIDSet{}
	for n := range o.neighbors {
		ids.Add(n.eid)
	}
	return ids.ToList()
}

// Interests returns the entities the space shows to the participant, in ID order
func (space *Space) Interests(p common.ParticipantID) []common.EntityID {
	ids := common.EntityIDSet{}
	for eid := range space.interests[p] {
		ids.Add(eid)
	}
	return ids.ToList()
}

func (space *Space) interest(p common.ParticipantID, eid common.EntityID) {
	counts := space.interests[p]
	if counts == nil {
		counts = map[common.EntityID]int{}
		space.interests[p] = counts
	}
	counts[eid]++
	if counts[eid] > 1 {
		return
	}
	if err := space.s.Show(eid, p); err != nil {
		space.logger.Warnf("show %s to %s: %v", eid, p, err)
	}
}

func (space *Space) uninterest(p common.ParticipantID, eid common.EntityID) {
	counts := space.interests[p]
	if counts[eid] == 0 {
		return
	}
	counts[eid]--
	if counts[eid] > 0 {
		return
	}
	delete(counts, eid)
	if len(counts) == 0 {
		delete(space.interests, p)
	}
	if err := space.s.Hide(eid, p); err != nil {
		// owners keep observing their entities
		if !common.IsPermissionError(err) {
			space.logger.Warnf("hide %s from %s: %v", eid, p, err)
		}
	}
}
