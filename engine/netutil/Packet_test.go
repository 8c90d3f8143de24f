package netutil

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
)

func TestPacketAppendRead(t *testing.T) {
	p := NewPacket()
	p.AppendUint16(7)
	p.AppendEntityID("e1")
	p.AppendParticipantID(3)
	p.AppendParticipantList([]common.ParticipantID{0, 2})
	p.AppendVarBytes([]byte{9, 8})
	assert.T(t, p.AppendArgs([]interface{}{1, "a"}) == nil, "append args")

	r := NewPacketWithPayload(p.Payload())
	assert.Equal(t, uint16(7), r.ReadUint16())
	assert.Equal(t, common.EntityID("e1"), r.ReadEntityID())
	assert.Equal(t, common.ParticipantID(3), r.ReadParticipantID())
	assert.Equal(t, []common.ParticipantID{0, 2}, r.ReadParticipantList())
	assert.Equal(t, []byte{9, 8}, r.ReadVarBytes())
	args := r.ReadArgs()
	assert.Equal(t, 2, len(args))
	var s string
	assert.Equal(t, nil, MSG_PACKER.UnpackMsg(args[1], &s))
	assert.Equal(t, "a", s)
	assert.T(t, !r.HasUnreadPayload(), "all payload should be read")
	assert.Equal(t, nil, r.Err())
}

func TestPacketShortRead(t *testing.T) {
	r := NewPacketWithPayload([]byte{1})
	assert.Equal(t, uint32(0), r.ReadUint32())
	assert.T(t, errors.Cause(r.Err()) == ErrShortPacket, "should be short packet")
	assert.Equal(t, "", r.ReadVarStr())
	assert.Equal(t, 0, len(r.ReadParticipantList()))
}

func TestPacketTruncatedList(t *testing.T) {
	p := NewPacket()
	p.AppendUint16(3)
	p.AppendParticipantID(1)
	r := NewPacketWithPayload(p.Payload())
	r.ReadParticipantList()
	assert.T(t, errors.Cause(r.Err()) == ErrShortPacket, "list shorter than its count")
}
