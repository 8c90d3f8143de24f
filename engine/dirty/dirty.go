// Package dirty decides when a changed replicated variable is eligible to be sent.
//
// Times are durations since the start of the session, as passed to the scheduler tick.
package dirty

import (
	"math"
	"reflect"
	"time"

	"github.com/xiaonanln/typeconv"
)

// Predicate decides if the change from the last sent value to the current value is worth sending
type Predicate func(lastSent, value interface{}) bool

// Traits is the update policy of a variable. Zero intervals are unset, a nil predicate means every change is dirty.
type Traits struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Predicate   Predicate
}

// Var is the send state of one replicated variable
type Var struct {
	value        interface{}
	lastSent     interface{}
	lastSendTime time.Duration
	dirty        bool
	traits       Traits
}

// NewVar creates a variable holding initial, which is also its baseline
func NewVar(initial interface{}, traits Traits) *Var {
	return &Var{
		value:    initial,
		lastSent: initial,
		traits:   traits,
	}
}

// Value returns the current value
func (v *Var) Value() interface{} {
	return v.value
}

// LastSent returns the last sent value
func (v *Var) LastSent() interface{} {
	return v.lastSent
}

// LastSendTime returns when the variable was last sent or reset
func (v *Var) LastSendTime() time.Duration {
	return v.lastSendTime
}

// Traits returns the update policy
func (v *Var) Traits() Traits {
	return v.traits
}

// Set changes the value and marks the variable dirty. Changes between two sends coalesce, only the latest value is kept.
func (v *Var) Set(value interface{}) {
	v.value = value
	v.dirty = true
}

// MarkDirty marks the variable dirty without changing its value, e.g. after mutating a map value in place
func (v *Var) MarkDirty() {
	v.dirty = true
}

// IsDirty checks if the variable has an unsent change
func (v *Var) IsDirty() bool {
	return v.dirty
}

// IsEligible checks if the variable should be sent at now: it is dirty, the min interval elapsed,
// and either the predicate accepts the change or the max interval elapsed. Both intervals are inclusive.
func (v *Var) IsEligible(now time.Duration) bool {
	if !v.dirty {
		return false
	}
	elapsed := now - v.lastSendTime
	if v.traits.MinInterval > 0 && elapsed < v.traits.MinInterval {
		return false
	}
	if v.traits.Predicate == nil || v.traits.Predicate(v.lastSent, v.value) {
		return true
	}
	return v.traits.MaxInterval > 0 && elapsed >= v.traits.MaxInterval
}

// Consume records that the current value was sent at now
func (v *Var) Consume(now time.Duration) {
	v.dirty = false
	v.lastSent = v.value
	v.lastSendTime = now
}

// ResetBaseline is called when the entity (re)spawns: the current value becomes the baseline sent at now,
// so nothing from a previous spawn gates or forces sends.
func (v *Var) ResetBaseline(now time.Duration) {
	v.dirty = false
	v.lastSent = v.value
	v.lastSendTime = now
}

// Apply sets a value received from a remote writer. It becomes the baseline and is not dirty.
func (v *Var) Apply(value interface{}) {
	v.value = value
	v.lastSent = value
	v.dirty = false
}

// Tracker holds the variables of one entity in definition order
type Tracker struct {
	vars []*Var
}

// Add adds a variable and returns its index
func (t *Tracker) Add(v *Var) int {
	t.vars = append(t.vars, v)
	return len(t.vars) - 1
}

// Len returns the number of variables
func (t *Tracker) Len() int {
	return len(t.vars)
}

// Var returns the variable at index i
func (t *Tracker) Var(i int) *Var {
	return t.vars[i]
}

// Eligible returns the indexes of the variables eligible at now
func (t *Tracker) Eligible(now time.Duration) []int {
	var res []int
	for i, v := range t.vars {
		if v.IsEligible(now) {
			res = append(res, i)
		}
	}
	return res
}

// Consume consumes the variables at the indexes
func (t *Tracker) Consume(indexes []int, now time.Duration) {
	for _, i := range indexes {
		t.vars[i].Consume(now)
	}
}

// ResetBaseline resets every variable
func (t *Tracker) ResetBaseline(now time.Duration) {
	for _, v := range t.vars {
		v.ResetBaseline(now)
	}
}

var float64Type = reflect.TypeOf(float64(0))

func toFloat(v interface{}) (f float64, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if v == nil {
		return 0, false
	}
	return typeconv.Convert(v, float64Type).Float(), true
}

// AbsThreshold returns a predicate accepting numeric changes of at least threshold.
// Values which are not numbers are dirty whenever they differ.
func AbsThreshold(threshold float64) Predicate {
	return func(lastSent, value interface{}) bool {
		a, ok1 := toFloat(lastSent)
		b, ok2 := toFloat(value)
		if !ok1 || !ok2 {
			return !reflect.DeepEqual(lastSent, value)
		}
		return math.Abs(b-a) >= threshold
	}
}

// Changed is a predicate accepting any value which differs from the last sent one
func Changed(lastSent, value interface{}) bool {
	return !reflect.DeepEqual(lastSent, value)
}
