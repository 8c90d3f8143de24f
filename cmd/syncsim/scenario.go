package main

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/target"
	"gopkg.in/yaml.v3"
)

// Scenario is a replication session played over the loopback hub
type Scenario struct {
	Name               string    `yaml:"name"`
	Description        string    `yaml:"description,omitempty"`
	Topology           string    `yaml:"topology"`
	Participants       []uint16  `yaml:"participants"`
	Server             uint16    `yaml:"server,omitempty"`
	SessionOwner       uint16    `yaml:"session_owner,omitempty"`
	HostIsClient       bool      `yaml:"host_is_client,omitempty"`
	SpawnWithObservers bool      `yaml:"spawn_with_observers,omitempty"`
	DeferLocalRPC      bool      `yaml:"defer_local_rpc,omitempty"`
	Tick               string    `yaml:"tick,omitempty"`
	Types              []TypeDef `yaml:"types"`
	Steps              []Step    `yaml:"steps"`
}

// TypeDef defines an entity type of the scenario
type TypeDef struct {
	Name               string   `yaml:"name"`
	SpawnWithObservers *bool    `yaml:"spawn_with_observers,omitempty"`
	Vars               []VarDef `yaml:"vars,omitempty"`
	RPCs               []RPCDef `yaml:"rpcs,omitempty"`
}

// VarDef defines a replicated variable. The type of the variable is the type of Initial.
type VarDef struct {
	Name        string      `yaml:"name"`
	Initial     interface{} `yaml:"initial"`
	Read        string      `yaml:"read,omitempty"`
	Write       string      `yaml:"write,omitempty"`
	MinInterval string      `yaml:"min_interval,omitempty"`
	MaxInterval string      `yaml:"max_interval,omitempty"`
	Threshold   float64     `yaml:"threshold,omitempty"`
}

// RPCDef defines an RPC. Its handler records "Name(args) from sender" on the receiving participant.
type RPCDef struct {
	Name             string   `yaml:"name"`
	Params           []string `yaml:"params,omitempty"`
	Target           string   `yaml:"target"`
	AllowOverride    bool     `yaml:"allow_override,omitempty"`
	RequireOwnership bool     `yaml:"require_ownership,omitempty"`
	DeferLocal       bool     `yaml:"defer_local,omitempty"`
}

// Step is one action of the scenario. Exactly one action field is set.
// Error, when set, is the class of error the action must fail with.
type Step struct {
	Spawn      *SpawnStep      `yaml:"spawn,omitempty"`
	Despawn    *RefStep        `yaml:"despawn,omitempty"`
	Set        *SetStep        `yaml:"set,omitempty"`
	Call       *CallStep       `yaml:"call,omitempty"`
	Show       *VisibilityStep `yaml:"show,omitempty"`
	Hide       *VisibilityStep `yaml:"hide,omitempty"`
	SetOwner   *SetOwnerStep   `yaml:"set_owner,omitempty"`
	Disconnect *uint16         `yaml:"disconnect,omitempty"`
	Ticks      int             `yaml:"ticks,omitempty"`
	Wait       string          `yaml:"wait,omitempty"`
	Settle     bool            `yaml:"settle,omitempty"`
	Expect     *Expect         `yaml:"expect,omitempty"`

	Error string `yaml:"error,omitempty"`
}

// SpawnStep spawns an entity, naming it Ref in the rest of the scenario
type SpawnStep struct {
	As        uint16   `yaml:"as"`
	Type      string   `yaml:"type"`
	Ref       string   `yaml:"ref"`
	Owner     uint16   `yaml:"owner"`
	Observers []uint16 `yaml:"observers,omitempty"`
}

// RefStep refers to an entity on a participant
type RefStep struct {
	As  uint16 `yaml:"as"`
	Ref string `yaml:"ref"`
}

// SetStep writes a variable
type SetStep struct {
	As    uint16      `yaml:"as"`
	Ref   string      `yaml:"ref"`
	Var   string      `yaml:"var"`
	Value interface{} `yaml:"value"`
}

// CallStep calls an RPC, with an optional target
type CallStep struct {
	As     uint16        `yaml:"as"`
	Ref    string        `yaml:"ref"`
	RPC    string        `yaml:"rpc"`
	Args   []interface{} `yaml:"args,omitempty"`
	Target *TargetSpec   `yaml:"target,omitempty"`
}

// TargetSpec is a symbolic target, or an explicit one with IDs
type TargetSpec struct {
	Kind string   `yaml:"kind"`
	IDs  []uint16 `yaml:"ids,omitempty"`
}

// VisibilityStep shows or hides an entity
type VisibilityStep struct {
	As          uint16 `yaml:"as"`
	Ref         string `yaml:"ref"`
	Participant uint16 `yaml:"participant"`
}

// SetOwnerStep transfers an entity
type SetOwnerStep struct {
	As    uint16 `yaml:"as"`
	Ref   string `yaml:"ref"`
	Owner uint16 `yaml:"owner"`
}

// Expect checks the state of the participants
type Expect struct {
	// Calls are the RPCs each listed participant received since the last check of calls
	Calls map[uint16][]string `yaml:"calls,omitempty"`
	// Sent counts messages by type sent by each listed participant since the last check of sent
	Sent      map[uint16]map[string]int `yaml:"sent,omitempty"`
	Vars      []VarExpect               `yaml:"vars,omitempty"`
	Observers []ObserversExpect         `yaml:"observers,omitempty"`
	Replicas  []ReplicaExpect           `yaml:"replicas,omitempty"`
}

// VarExpect checks a variable on a participant
type VarExpect struct {
	As    uint16      `yaml:"as"`
	Ref   string      `yaml:"ref"`
	Var   string      `yaml:"var"`
	Value interface{} `yaml:"value"`
}

// ObserversExpect checks the observers of an entity on its authority
type ObserversExpect struct {
	As  uint16   `yaml:"as"`
	Ref string   `yaml:"ref"`
	IDs []uint16 `yaml:"ids"`
}

// ReplicaExpect checks if a participant has the entity, and its owner when given
type ReplicaExpect struct {
	As      uint16  `yaml:"as"`
	Ref     string  `yaml:"ref"`
	Present bool    `yaml:"present"`
	Owner   *uint16 `yaml:"owner,omitempty"`
}

// LoadScenario reads a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read scenario")
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario, rejecting unknown fields
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if err := sc.validate(); err != nil {
		return nil, errors.Wrapf(err, "scenario %s", sc.Name)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return errors.New("name is required")
	}
	if len(sc.Participants) == 0 {
		return errors.New("participants are required")
	}
	if len(sc.Steps) == 0 {
		return errors.New("steps are required")
	}
	if _, err := parseDuration(sc.Tick, defaultTick); err != nil {
		return err
	}
	for _, td := range sc.Types {
		for _, vd := range td.Vars {
			if _, err := parseDuration(vd.MinInterval, 0); err != nil {
				return errors.Wrapf(err, "%s.%s", td.Name, vd.Name)
			}
			if _, err := parseDuration(vd.MaxInterval, 0); err != nil {
				return errors.Wrapf(err, "%s.%s", td.Name, vd.Name)
			}
		}
		for _, rd := range td.RPCs {
			if _, ok := target.ParseKind(rd.Target); !ok {
				return errors.Errorf("%s.%s: unknown target %q", td.Name, rd.Name, rd.Target)
			}
			for _, param := range rd.Params {
				if _, ok := paramTypes[param]; !ok {
					return errors.Errorf("%s.%s: unknown param type %q", td.Name, rd.Name, param)
				}
			}
		}
	}
	for i := range sc.Steps {
		st := &sc.Steps[i]
		if n := st.actions(); n != 1 {
			return errors.Errorf("step %d has %d actions", i+1, n)
		}
		if _, err := parseDuration(st.Wait, 0); err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
	}
	return nil
}

func (st *Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.Spawn != nil, st.Despawn != nil, st.Set != nil, st.Call != nil, st.Show != nil, st.Hide != nil,
		st.SetOwner != nil, st.Disconnect != nil, st.Ticks > 0, st.Wait != "", st.Settle, st.Expect != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "bad duration %q", s)
	}
	return d, nil
}
