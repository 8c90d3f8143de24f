package netutil

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
)

const (
	_MIN_PAYLOAD_CAP = 128
	// MAX_PAYLOAD_LENGTH is the max length of a packet payload
	MAX_PAYLOAD_LENGTH = 32 * 1024 * 1024
)

var (
	packetEndian = binary.LittleEndian

	// ErrShortPacket is returned when reading past the end of a packet payload
	ErrShortPacket = errors.New("packet payload too short")
)

// Packet is a message payload being built or parsed.
//
// Fields are little endian; strings, byte slices and lists are prefixed by their length.
// A failed read is sticky: later reads return zero values and Err reports the first failure.
type Packet struct {
	payload []byte
	pos     uint32
	err     error
}

// NewPacket allocates a packet to build
func NewPacket() *Packet {
	return &Packet{payload: make([]byte, 0, _MIN_PAYLOAD_CAP)}
}

// NewPacketWithPayload wraps a received payload for reading, without copying it
func NewPacketWithPayload(payload []byte) *Packet {
	return &Packet{payload: payload}
}

// Payload returns the whole payload
func (p *Packet) Payload() []byte {
	return p.payload
}

// UnreadPayload returns the payload after the read position
func (p *Packet) UnreadPayload() []byte {
	return p.payload[p.pos:]
}

// HasUnreadPayload tells if anything is left to read
func (p *Packet) HasUnreadPayload() bool {
	return int(p.pos) < len(p.payload)
}

// Err returns the first read failure
func (p *Packet) Err() error {
	return p.err
}

// AppendUint16 appends v
func (p *Packet) AppendUint16(v uint16) {
	var b [2]byte
	packetEndian.PutUint16(b[:], v)
	p.payload = append(p.payload, b[:]...)
}

// AppendUint32 appends v
func (p *Packet) AppendUint32(v uint32) {
	var b [4]byte
	packetEndian.PutUint32(b[:], v)
	p.payload = append(p.payload, b[:]...)
}

// AppendVarBytes appends the length of b then b
func (p *Packet) AppendVarBytes(b []byte) {
	p.AppendUint32(uint32(len(b)))
	p.payload = append(p.payload, b...)
}

// AppendVarStr appends the length of s then s
func (p *Packet) AppendVarStr(s string) {
	p.AppendUint32(uint32(len(s)))
	p.payload = append(p.payload, s...)
}

// AppendEntityID appends an entity ID
func (p *Packet) AppendEntityID(id common.EntityID) {
	p.AppendVarStr(string(id))
}

// AppendParticipantID appends a participant ID
func (p *Packet) AppendParticipantID(id common.ParticipantID) {
	p.AppendUint16(uint16(id))
}

// AppendParticipantList appends the count of ids then each id
func (p *Packet) AppendParticipantList(ids []common.ParticipantID) {
	p.AppendUint16(uint16(len(ids)))
	for _, id := range ids {
		p.AppendParticipantID(id)
	}
}

// AppendArgs packs every argument with MSG_PACKER and appends them after their count
func (p *Packet) AppendArgs(args []interface{}) error {
	p.AppendUint16(uint16(len(args)))
	for i, arg := range args {
		data, err := MSG_PACKER.PackMsg(arg, nil)
		if err != nil {
			return errors.Wrapf(err, "pack argument %d (%T)", i, arg)
		}
		p.AppendVarBytes(data)
	}
	return nil
}

// take returns the next n bytes of the payload, or nil after recording ErrShortPacket
func (p *Packet) take(n uint32) []byte {
	if p.err != nil {
		return nil
	}
	if uint64(p.pos)+uint64(n) > uint64(len(p.payload)) {
		p.err = errors.Wrapf(ErrShortPacket, "need %d bytes at %d, payload is %d", n, p.pos, len(p.payload))
		return nil
	}
	b := p.payload[p.pos : p.pos+n]
	p.pos += n
	return b
}

// ReadUint16 reads a uint16
func (p *Packet) ReadUint16() uint16 {
	if b := p.take(2); b != nil {
		return packetEndian.Uint16(b)
	}
	return 0
}

// ReadUint32 reads a uint32
func (p *Packet) ReadUint32() uint32 {
	if b := p.take(4); b != nil {
		return packetEndian.Uint32(b)
	}
	return 0
}

// ReadVarBytes reads length prefixed bytes. The result shares the payload.
func (p *Packet) ReadVarBytes() []byte {
	n := p.ReadUint32()
	if n > MAX_PAYLOAD_LENGTH && p.err == nil {
		p.err = errors.Errorf("var bytes too long: %d", n)
	}
	return p.take(n)
}

// ReadVarStr reads a length prefixed string
func (p *Packet) ReadVarStr() string {
	return string(p.ReadVarBytes())
}

// ReadEntityID reads an entity ID
func (p *Packet) ReadEntityID() common.EntityID {
	return common.EntityID(p.ReadVarStr())
}

// ReadParticipantID reads a participant ID
func (p *Packet) ReadParticipantID() common.ParticipantID {
	return common.ParticipantID(p.ReadUint16())
}

// ReadParticipantList reads a counted list of participant IDs
func (p *Packet) ReadParticipantList() []common.ParticipantID {
	n := p.ReadUint16()
	if p.err != nil {
		return nil
	}
	ids := make([]common.ParticipantID, 0, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		ids = append(ids, p.ReadParticipantID())
	}
	return ids
}

// ReadArgs reads the arguments written by AppendArgs, each left packed
func (p *Packet) ReadArgs() [][]byte {
	n := p.ReadUint16()
	if p.err != nil {
		return nil
	}
	args := make([][]byte, 0, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		args = append(args, p.ReadVarBytes())
	}
	return args
}
