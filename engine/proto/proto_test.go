package proto

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/netutil"
)

func TestProxyWrapsCall(t *testing.T) {
	inner, err := MakeCallEntityMethod("e1", "Jump", 3, []interface{}{1, "x"})
	assert.Equal(t, nil, err)
	data := MakeProxy(3, []common.ParticipantID{0, 1}, inner)

	mt, packet, err := ReadMsgType(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, MT_PROXY, mt)
	proxy, err := ReadProxy(packet)
	assert.Equal(t, nil, err)
	assert.Equal(t, common.ParticipantID(3), proxy.Origin)
	assert.Equal(t, []common.ParticipantID{0, 1}, proxy.Targets)

	mt, packet, err = ReadMsgType(proxy.Inner)
	assert.Equal(t, nil, err)
	assert.Equal(t, MT_CALL_ENTITY_METHOD, mt)
	call, err := ReadCallEntityMethod(packet)
	assert.Equal(t, nil, err)
	assert.Equal(t, common.EntityID("e1"), call.EntityID)
	assert.Equal(t, "Jump", call.Method)
	assert.Equal(t, common.ParticipantID(3), call.Sender)
	assert.Equal(t, 2, len(call.Args))
	var s string
	assert.Equal(t, nil, netutil.MSG_PACKER.UnpackMsg(call.Args[1], &s))
	assert.Equal(t, "x", s)
}

func TestSpawnEntity(t *testing.T) {
	data := MakeSpawnEntity(&SpawnEntity{
		EntityID:  "e2",
		TypeName:  "Avatar",
		Owner:     1,
		Observers: []common.ParticipantID{1, 4},
		Vars:      []VarValue{{Index: 0, Data: []byte{1}}, {Index: 2, Data: []byte{}}},
	})
	mt, packet, _ := ReadMsgType(data)
	assert.Equal(t, MT_SPAWN_ENTITY, mt)
	msg, err := ReadSpawnEntity(packet)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Avatar", msg.TypeName)
	assert.Equal(t, common.ParticipantID(1), msg.Owner)
	assert.Equal(t, []common.ParticipantID{1, 4}, msg.Observers)
	assert.Equal(t, 2, len(msg.Vars))
	assert.Equal(t, uint16(2), msg.Vars[1].Index)
}

func TestTruncatedMessage(t *testing.T) {
	data := MakeSetOwner("e3", 2)
	_, packet, err := ReadMsgType(data[:len(data)-1])
	assert.Equal(t, nil, err)
	_, err = ReadSetOwner(packet)
	assert.T(t, errors.Cause(err) == ErrBadMessage, "should be bad message")

	_, _, err = ReadMsgType([]byte{1})
	assert.T(t, errors.Cause(err) == ErrBadMessage, "should be bad message")
}
