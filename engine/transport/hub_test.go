package transport

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
)

type events struct {
	log []string
}

func (e *events) HandleConnected(id common.ParticipantID) {
	e.log = append(e.log, fmt.Sprintf("connected %s", id))
}

func (e *events) HandleDisconnected(id common.ParticipantID) {
	e.log = append(e.log, fmt.Sprintf("disconnected %s", id))
}

func (e *events) HandleReceive(from common.ParticipantID, data []byte) {
	e.log = append(e.log, fmt.Sprintf("%s: %s", from, data))
}

func TestHubConnectsEveryone(t *testing.T) {
	hub := NewHub()
	a := hub.Join(0)
	b := hub.Join(1)
	ea := &events{}
	a.SetHandler(ea)
	assert.Equal(t, []string{"connected P1"}, ea.log)

	hub.Join(2)
	assert.Equal(t, []string{"connected P1", "connected P2"}, ea.log)
	assert.T(t, b.IsConnected(2))
	assert.Equal(t, []common.ParticipantID{0, 2}, b.Connected())
}

func TestHubSendCopies(t *testing.T) {
	hub := NewHub()
	a := hub.Join(0)
	b := hub.Join(1)
	eb := &events{}
	b.SetHandler(eb)
	eb.log = nil

	data := []byte("hi")
	assert.Equal(t, nil, a.Send(1, data))
	data[0] = 'x'
	assert.Equal(t, []string{"P0: hi"}, eb.log)

	err := a.Send(7, data)
	assert.T(t, errors.Cause(err) == common.ErrNotConnected)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join(0)
	b := hub.Join(1)
	ea := &events{}
	a.SetHandler(ea)

	assert.Equal(t, nil, b.Close())
	assert.Equal(t, []string{"connected P1", "disconnected P1"}, ea.log)
	assert.T(t, !a.IsConnected(1))
	assert.T(t, hub.Endpoint(1) == nil)
	assert.T(t, a.Send(1, []byte("x")) != nil)

	// the ID can join again
	hub.Join(1)
	assert.T(t, a.IsConnected(1))
}
