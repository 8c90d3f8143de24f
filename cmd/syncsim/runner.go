package main

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/dirty"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/replication"
	"github.com/xiaonanln/netsync/engine/session"
	"github.com/xiaonanln/netsync/engine/target"
	"github.com/xiaonanln/netsync/engine/transport"
	"github.com/xiaonanln/typeconv"
)

const (
	defaultTick   = 50 * time.Millisecond
	settleTicks   = 4
	errorClassAny = "any"
)

var paramTypes = map[string]reflect.Type{
	"int":     reflect.TypeOf(0),
	"int64":   reflect.TypeOf(int64(0)),
	"float64": reflect.TypeOf(0.0),
	"string":  reflect.TypeOf(""),
	"bool":    reflect.TypeOf(false),
}

var errorClasses = map[string]func(err error) bool{
	"permission":      common.IsPermissionError,
	"topology":        common.IsTopologyError,
	"lifetime":        common.IsLifetimeError,
	"not_connected":   causedBy(common.ErrNotConnected),
	"target_required": causedBy(common.ErrTargetRequired),
	"unknown_entity":  causedBy(common.ErrUnknownEntity),
	"unknown_rpc":     causedBy(common.ErrUnknownRPC),
	"unknown_var":     causedBy(common.ErrUnknownVar),
	errorClassAny:     func(err error) bool { return err != nil },
}

func causedBy(class error) func(err error) bool {
	return func(err error) bool {
		return err != nil && errors.Cause(err) == class
	}
}

// wire counts the messages sent by a participant, by type
type wire struct {
	*transport.Endpoint
	sent map[string]int
}

func (w *wire) Send(to common.ParticipantID, data []byte) error {
	if mt, _, err := proto.ReadMsgType(data); err == nil {
		w.sent[mt.String()]++
	}
	return w.Endpoint.Send(to, data)
}

// Runner plays a scenario over a loopback hub, one session per participant
type Runner struct {
	sc   *Scenario
	out  io.Writer
	tick time.Duration
	now  time.Duration

	ids      []common.ParticipantID
	sessions map[common.ParticipantID]*session.Session
	wires    map[common.ParticipantID]*wire
	refs     map[string]common.EntityID
	calls    map[common.ParticipantID][]string
}

// NewRunner connects the participants of the scenario
func NewRunner(sc *Scenario, out io.Writer) (*Runner, error) {
	topology, err := config.ParseTopology(sc.Topology)
	if err != nil {
		return nil, err
	}
	tick, err := parseDuration(sc.Tick, defaultTick)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		sc:       sc,
		out:      out,
		tick:     tick,
		sessions: map[common.ParticipantID]*session.Session{},
		wires:    map[common.ParticipantID]*wire{},
		refs:     map[string]common.EntityID{},
		calls:    map[common.ParticipantID][]string{},
	}

	hub := transport.NewHub()
	for _, id := range sc.Participants {
		p := common.ParticipantID(id)
		r.ids = append(r.ids, p)
		r.wires[p] = &wire{Endpoint: hub.Join(p), sent: map[string]int{}}
	}
	for _, p := range r.ids {
		cfg := config.Default()
		cfg.Session.Topology = topology
		cfg.Session.LocalID = p
		cfg.Session.ServerID = common.ParticipantID(sc.Server)
		cfg.Session.SessionOwner = common.ParticipantID(sc.SessionOwner)
		cfg.Session.HostIsClient = sc.HostIsClient
		cfg.Session.SpawnWithObservers = sc.SpawnWithObservers
		cfg.Session.DeferLocalRPC = sc.DeferLocalRPC
		cfg.Session.TickInterval = tick
		s, err := session.New(cfg, r.wires[p])
		if err != nil {
			return nil, err
		}
		if err := r.registerTypes(s); err != nil {
			return nil, err
		}
		r.sessions[p] = s
	}
	return r, nil
}

func normalize(v interface{}) interface{} {
	// yaml integers decode to int
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

func parseRead(s string) (replication.ReadPermission, error) {
	switch strings.ToLower(s) {
	case "", "everyone":
		return replication.ReadEveryone, nil
	case "owner_only":
		return replication.ReadOwnerOnly, nil
	}
	return replication.ReadEveryone, errors.Errorf("unknown read permission %q", s)
}

func parseWrite(s string) (replication.WritePermission, error) {
	switch strings.ToLower(s) {
	case "", "authority":
		return replication.WriteAuthority, nil
	case "owner":
		return replication.WriteOwner, nil
	}
	return replication.WriteAuthority, errors.Errorf("unknown write permission %q", s)
}

func (r *Runner) registerTypes(s *session.Session) error {
	for _, td := range r.sc.Types {
		desc := s.RegisterEntityType(td.Name)
		if td.SpawnWithObservers != nil {
			desc.SetSpawnWithObservers(*td.SpawnWithObservers)
		}
		for _, vd := range td.Vars {
			def := session.VarDef{Initial: normalize(vd.Initial)}
			if def.Initial == nil {
				return errors.Errorf("%s.%s has no initial value", td.Name, vd.Name)
			}
			var err error
			if def.Read, err = parseRead(vd.Read); err != nil {
				return errors.Wrapf(err, "%s.%s", td.Name, vd.Name)
			}
			if def.Write, err = parseWrite(vd.Write); err != nil {
				return errors.Wrapf(err, "%s.%s", td.Name, vd.Name)
			}
			def.Traits.MinInterval, _ = parseDuration(vd.MinInterval, 0)
			def.Traits.MaxInterval, _ = parseDuration(vd.MaxInterval, 0)
			if vd.Threshold > 0 {
				def.Traits.Predicate = dirty.AbsThreshold(vd.Threshold)
			}
			desc.DefineVar(vd.Name, def)
		}
		for _, rd := range td.RPCs {
			kind, _ := target.ParseKind(rd.Target)
			desc.RegisterRPC(rd.Name, r.makeHandler(rd), session.RPCDesc{
				DefaultTarget:       kind,
				AllowTargetOverride: rd.AllowOverride,
				RequireOwnership:    rd.RequireOwnership,
				DeferLocal:          rd.DeferLocal,
			})
		}
	}
	return nil
}

// makeHandler builds an RPC handler with the declared params, recording each call it receives
func (r *Runner) makeHandler(rd RPCDef) interface{} {
	in := []reflect.Type{reflect.TypeOf(&session.RPCContext{})}
	for _, param := range rd.Params {
		in = append(in, paramTypes[param])
	}
	name := rd.Name
	fn := reflect.MakeFunc(reflect.FuncOf(in, nil, false), func(args []reflect.Value) []reflect.Value {
		ctx := args[0].Interface().(*session.RPCContext)
		parts := make([]string, 0, len(args)-1)
		for _, arg := range args[1:] {
			parts = append(parts, fmt.Sprint(arg.Interface()))
		}
		local := ctx.Session.LocalID()
		r.calls[local] = append(r.calls[local], fmt.Sprintf("%s(%s) from %s", name, strings.Join(parts, ", "), ctx.Sender))
		return nil
	})
	return fn.Interface()
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.out != nil {
		fmt.Fprintf(r.out, "[%6s] "+format+"\n", append([]interface{}{r.now}, args...)...)
	}
}

// Run plays every step, stopping at the first failure
func (r *Runner) Run() error {
	r.logf("scenario %s: %s, participants %v", r.sc.Name, r.sc.Topology, r.ids)
	for i := range r.sc.Steps {
		if err := r.runStep(&r.sc.Steps[i]); err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
	}
	r.logf("scenario %s passed, %d steps", r.sc.Name, len(r.sc.Steps))
	return nil
}

func (r *Runner) runStep(st *Step) error {
	var err error
	switch {
	case st.Spawn != nil:
		err = r.spawn(st.Spawn)
	case st.Despawn != nil:
		err = r.despawn(st.Despawn)
	case st.Set != nil:
		err = r.set(st.Set)
	case st.Call != nil:
		err = r.call(st.Call)
	case st.Show != nil:
		err = r.visibility(st.Show, true)
	case st.Hide != nil:
		err = r.visibility(st.Hide, false)
	case st.SetOwner != nil:
		err = r.setOwner(st.SetOwner)
	case st.Disconnect != nil:
		err = r.disconnect(common.ParticipantID(*st.Disconnect))
	case st.Ticks > 0:
		for i := 0; i < st.Ticks; i++ {
			r.tickAll(r.now + r.tick)
		}
	case st.Wait != "":
		var d time.Duration
		if d, err = parseDuration(st.Wait, 0); err == nil {
			r.logf("wait %s", d)
			r.tickAll(r.now + d)
		}
	case st.Settle:
		for i := 0; i < settleTicks; i++ {
			r.tickAll(r.now + r.tick)
		}
	case st.Expect != nil:
		// expectations fail the step whatever Error says
		return r.expect(st.Expect)
	}
	return r.checkError(st.Error, err)
}

func (r *Runner) checkError(class string, err error) error {
	if class == "" {
		return err
	}
	match := errorClasses[class]
	if match == nil {
		return errors.Errorf("unknown error class %q", class)
	}
	if !match(err) {
		return errors.Errorf("expected %s error, got %v", class, err)
	}
	r.logf("  => %v", err)
	return nil
}

func (r *Runner) tickAll(now time.Duration) {
	r.now = now
	for _, p := range r.ids {
		if s := r.sessions[p]; s != nil {
			s.Tick(now)
		}
	}
}

func (r *Runner) session(id uint16) (*session.Session, error) {
	s := r.sessions[common.ParticipantID(id)]
	if s == nil {
		return nil, errors.Wrapf(common.ErrNotConnected, "%s", common.ParticipantID(id))
	}
	return s, nil
}

func (r *Runner) ref(ref string) (common.EntityID, error) {
	eid, ok := r.refs[ref]
	if !ok {
		return "", errors.Errorf("unknown ref %q", ref)
	}
	return eid, nil
}

func (r *Runner) entity(as uint16, ref string) (*session.Session, common.EntityID, error) {
	s, err := r.session(as)
	if err != nil {
		return nil, "", err
	}
	eid, err := r.ref(ref)
	if err != nil {
		return nil, "", err
	}
	return s, eid, nil
}

func toParticipants(ids []uint16) []common.ParticipantID {
	ps := make([]common.ParticipantID, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, common.ParticipantID(id))
	}
	return ps
}

func (r *Runner) spawn(st *SpawnStep) error {
	r.logf("P%d spawns %s %s owned by P%d, observers %v", st.As, st.Type, st.Ref, st.Owner, st.Observers)
	s, err := r.session(st.As)
	if err != nil {
		return err
	}
	e, err := s.Spawn(st.Type, common.ParticipantID(st.Owner), toParticipants(st.Observers)...)
	if err != nil {
		return err
	}
	if st.Ref != "" {
		r.refs[st.Ref] = e.ID
	}
	return nil
}

func (r *Runner) despawn(st *RefStep) error {
	r.logf("P%d despawns %s", st.As, st.Ref)
	s, eid, err := r.entity(st.As, st.Ref)
	if err != nil {
		return err
	}
	return s.Despawn(eid)
}

func (r *Runner) set(st *SetStep) error {
	r.logf("P%d sets %s.%s = %v", st.As, st.Ref, st.Var, st.Value)
	s, eid, err := r.entity(st.As, st.Ref)
	if err != nil {
		return err
	}
	e := s.Entity(eid)
	if e == nil {
		return errors.Wrapf(common.ErrUnknownEntity, "%s on P%d", st.Ref, st.As)
	}
	return e.Set(st.Var, normalize(st.Value))
}

func (r *Runner) target(s *session.Session, spec *TargetSpec) (target.Descriptor, error) {
	kind, ok := target.ParseKind(spec.Kind)
	if !ok {
		return target.Descriptor{}, errors.Errorf("unknown target %q", spec.Kind)
	}
	ids := toParticipants(spec.IDs)
	switch kind {
	case target.Single:
		if len(ids) != 1 {
			return target.Descriptor{}, errors.Errorf("Single target needs one id, got %v", spec.IDs)
		}
		return s.Targets().Single(ids[0]), nil
	case target.Group:
		return s.Targets().Group(ids...), nil
	case target.Not:
		return s.Targets().Not(ids...), nil
	}
	return target.Symbolic(kind), nil
}

func (r *Runner) call(st *CallStep) error {
	r.logf("P%d calls %s.%s%v target %v", st.As, st.Ref, st.RPC, st.Args, st.Target)
	s, eid, err := r.entity(st.As, st.Ref)
	if err != nil {
		return err
	}
	if st.Target == nil {
		return s.Call(eid, st.RPC, st.Args...)
	}
	tgt, err := r.target(s, st.Target)
	if err != nil {
		return err
	}
	return s.CallTarget(eid, st.RPC, tgt, st.Args...)
}

func (r *Runner) visibility(st *VisibilityStep, show bool) error {
	s, eid, err := r.entity(st.As, st.Ref)
	if err != nil {
		return err
	}
	p := common.ParticipantID(st.Participant)
	if show {
		r.logf("P%d shows %s to P%d", st.As, st.Ref, st.Participant)
		return s.Show(eid, p)
	}
	r.logf("P%d hides %s from P%d", st.As, st.Ref, st.Participant)
	return s.Hide(eid, p)
}

func (r *Runner) setOwner(st *SetOwnerStep) error {
	r.logf("P%d gives %s to P%d", st.As, st.Ref, st.Owner)
	s, eid, err := r.entity(st.As, st.Ref)
	if err != nil {
		return err
	}
	return s.SetOwner(eid, common.ParticipantID(st.Owner))
}

func (r *Runner) disconnect(p common.ParticipantID) error {
	r.logf("%s disconnects", p)
	w := r.wires[p]
	if w == nil || r.sessions[p] == nil {
		return errors.Wrapf(common.ErrNotConnected, "%s", p)
	}
	delete(r.sessions, p)
	return w.Close()
}

func (r *Runner) expect(ex *Expect) error {
	var failures []string
	fail := func(format string, args ...interface{}) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if ex.Calls != nil {
		for id, want := range ex.Calls {
			got := r.calls[common.ParticipantID(id)]
			if len(got) != len(want) || (len(want) > 0 && !reflect.DeepEqual(got, want)) {
				fail("calls on P%d: got %q, want %q", id, got, want)
			}
		}
		r.calls = map[common.ParticipantID][]string{}
	}

	if ex.Sent != nil {
		for id, counts := range ex.Sent {
			w := r.wires[common.ParticipantID(id)]
			if w == nil {
				fail("P%d is not a participant", id)
				continue
			}
			for name, want := range counts {
				if got := w.sent[strings.ToUpper(name)]; got != want {
					fail("P%d sent %d %s, want %d", id, got, name, want)
				}
			}
		}
		for _, w := range r.wires {
			w.sent = map[string]int{}
		}
	}

	for _, ve := range ex.Vars {
		s, eid, err := r.entity(ve.As, ve.Ref)
		if err != nil {
			return err
		}
		e := s.Entity(eid)
		if e == nil {
			fail("%s.%s on P%d: no entity", ve.Ref, ve.Var, ve.As)
			continue
		}
		got := e.Get(ve.Var)
		want := normalize(ve.Value)
		if got != nil && want != nil {
			want = typeconv.Convert(want, reflect.TypeOf(got)).Interface()
		}
		if !reflect.DeepEqual(got, want) {
			fail("%s.%s on P%d: got %v, want %v", ve.Ref, ve.Var, ve.As, got, want)
		}
	}

	for _, oe := range ex.Observers {
		s, eid, err := r.entity(oe.As, oe.Ref)
		if err != nil {
			return err
		}
		got := s.Observers(eid)
		want := toParticipants(oe.IDs)
		sort.Slice(want, func(i, j int) bool {
			return want[i] < want[j]
		})
		if len(got) != len(want) || (len(want) > 0 && !reflect.DeepEqual(got, want)) {
			fail("observers of %s on P%d: got %v, want %v", oe.Ref, oe.As, got, want)
		}
	}

	for _, re := range ex.Replicas {
		s, eid, err := r.entity(re.As, re.Ref)
		if err != nil {
			return err
		}
		e := s.Entity(eid)
		if (e != nil) != re.Present {
			fail("%s on P%d: present %v, want %v", re.Ref, re.As, e != nil, re.Present)
			continue
		}
		if e != nil && re.Owner != nil && e.Owner() != common.ParticipantID(*re.Owner) {
			fail("%s on P%d: owner %s, want P%d", re.Ref, re.As, e.Owner(), *re.Owner)
		}
	}

	if len(failures) > 0 {
		return errors.Errorf("expectations failed:\n  %s", strings.Join(failures, "\n  "))
	}
	r.logf("expectations met")
	return nil
}
