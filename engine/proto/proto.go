package proto

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/netutil"
)

// MsgType is the type of message types
type MsgType uint16

const (
	// MT_INVALID is the invalid message type
	MT_INVALID MsgType = iota
	// MT_HANDSHAKE is the first message on a transport connection, carrying the participant ID of the dialer
	MT_HANDSHAKE
	// MT_CALL_ENTITY_METHOD is a message type for entity RPCs
	MT_CALL_ENTITY_METHOD
	// MT_PROXY is a message wrapping another message for the session owner to relay
	MT_PROXY
	// MT_SPAWN_ENTITY creates a replica on the receiver with a snapshot of its variables
	MT_SPAWN_ENTITY
	// MT_DESPAWN_ENTITY destroys the replica on the receiver (soft despawn)
	MT_DESPAWN_ENTITY
	// MT_VAR_DELTA carries changed variables of one entity
	MT_VAR_DELTA
	// MT_SET_OWNER notifies an ownership change
	MT_SET_OWNER
	// MT_SET_OBSERVERS tells replica holders the observer set of an entity
	MT_SET_OBSERVERS
)

var msgTypeNames = map[MsgType]string{
	MT_INVALID:            "INVALID",
	MT_HANDSHAKE:          "HANDSHAKE",
	MT_CALL_ENTITY_METHOD: "CALL_ENTITY_METHOD",
	MT_PROXY:              "PROXY",
	MT_SPAWN_ENTITY:       "SPAWN_ENTITY",
	MT_DESPAWN_ENTITY:     "DESPAWN_ENTITY",
	MT_VAR_DELTA:          "VAR_DELTA",
	MT_SET_OWNER:          "SET_OWNER",
	MT_SET_OBSERVERS:      "SET_OBSERVERS",
}

func (mt MsgType) String() string {
	if name, ok := msgTypeNames[mt]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrBadMessage is returned for messages which can not be parsed
var ErrBadMessage = errors.New("bad message")

// VarValue is one packed replicated variable in spawn and delta messages
type VarValue struct {
	Index uint16
	Data  []byte
}

// CallEntityMethod is an RPC invocation on an entity
type CallEntityMethod struct {
	EntityID common.EntityID
	Method   string
	Sender   common.ParticipantID
	Args     [][]byte
}

// Proxy wraps a message to be relayed by the session owner to the targets
type Proxy struct {
	Origin  common.ParticipantID
	Targets []common.ParticipantID
	Inner   []byte
}

// SpawnEntity creates a replica of an entity on the receiver
type SpawnEntity struct {
	EntityID  common.EntityID
	TypeName  string
	Owner     common.ParticipantID
	Observers []common.ParticipantID
	Vars      []VarValue
}

// VarDelta carries the variables of one entity which changed since the last send
type VarDelta struct {
	EntityID common.EntityID
	Vars     []VarValue
}

// SetOwner tells the receiver the new owner of an entity
type SetOwner struct {
	EntityID common.EntityID
	Owner    common.ParticipantID
}

func newPacket(mt MsgType) *netutil.Packet {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(mt))
	return packet
}

func appendVars(packet *netutil.Packet, vars []VarValue) {
	packet.AppendUint16(uint16(len(vars)))
	for _, v := range vars {
		packet.AppendUint16(v.Index)
		packet.AppendVarBytes(v.Data)
	}
}

func readVars(packet *netutil.Packet) []VarValue {
	n := int(packet.ReadUint16())
	if packet.Err() != nil {
		return nil
	}
	vars := make([]VarValue, 0, n)
	for i := 0; i < n; i++ {
		idx := packet.ReadUint16()
		data := packet.ReadVarBytes()
		vars = append(vars, VarValue{Index: idx, Data: data})
	}
	return vars
}

// MakeHandshake makes a MT_HANDSHAKE message
func MakeHandshake(id common.ParticipantID) []byte {
	packet := newPacket(MT_HANDSHAKE)
	packet.AppendParticipantID(id)
	return packet.Payload()
}

// MakeCallEntityMethod makes a MT_CALL_ENTITY_METHOD message, packing args with the message packer
func MakeCallEntityMethod(eid common.EntityID, method string, sender common.ParticipantID, args []interface{}) ([]byte, error) {
	packet := newPacket(MT_CALL_ENTITY_METHOD)
	packet.AppendEntityID(eid)
	packet.AppendVarStr(method)
	packet.AppendParticipantID(sender)
	if err := packet.AppendArgs(args); err != nil {
		return nil, errors.Wrapf(err, "call %s.%s", eid, method)
	}
	return packet.Payload(), nil
}

// MakeProxy makes a MT_PROXY message wrapping inner
func MakeProxy(origin common.ParticipantID, targets []common.ParticipantID, inner []byte) []byte {
	packet := newPacket(MT_PROXY)
	packet.AppendParticipantID(origin)
	packet.AppendParticipantList(targets)
	packet.AppendVarBytes(inner)
	return packet.Payload()
}

// MakeSpawnEntity makes a MT_SPAWN_ENTITY message
func MakeSpawnEntity(msg *SpawnEntity) []byte {
	packet := newPacket(MT_SPAWN_ENTITY)
	packet.AppendEntityID(msg.EntityID)
	packet.AppendVarStr(msg.TypeName)
	packet.AppendParticipantID(msg.Owner)
	packet.AppendParticipantList(msg.Observers)
	appendVars(packet, msg.Vars)
	return packet.Payload()
}

// MakeDespawnEntity makes a MT_DESPAWN_ENTITY message
func MakeDespawnEntity(eid common.EntityID) []byte {
	packet := newPacket(MT_DESPAWN_ENTITY)
	packet.AppendEntityID(eid)
	return packet.Payload()
}

// MakeVarDelta makes a MT_VAR_DELTA message
func MakeVarDelta(msg *VarDelta) []byte {
	packet := newPacket(MT_VAR_DELTA)
	packet.AppendEntityID(msg.EntityID)
	appendVars(packet, msg.Vars)
	return packet.Payload()
}

// MakeSetOwner makes a MT_SET_OWNER message
func MakeSetOwner(eid common.EntityID, owner common.ParticipantID) []byte {
	packet := newPacket(MT_SET_OWNER)
	packet.AppendEntityID(eid)
	packet.AppendParticipantID(owner)
	return packet.Payload()
}

// MakeSetObservers makes a MT_SET_OBSERVERS message
func MakeSetObservers(eid common.EntityID, observers []common.ParticipantID) []byte {
	packet := newPacket(MT_SET_OBSERVERS)
	packet.AppendEntityID(eid)
	packet.AppendParticipantList(observers)
	return packet.Payload()
}

// ReadMsgType reads the message type and returns the packet positioned at the message body
func ReadMsgType(data []byte) (MsgType, *netutil.Packet, error) {
	packet := netutil.NewPacketWithPayload(data)
	mt := MsgType(packet.ReadUint16())
	if err := packet.Err(); err != nil {
		return MT_INVALID, nil, errors.Wrap(ErrBadMessage, err.Error())
	}
	return mt, packet, nil
}

func finish(packet *netutil.Packet, mt MsgType) error {
	if err := packet.Err(); err != nil {
		return errors.Wrapf(ErrBadMessage, "%s: %s", mt, err)
	}
	if packet.HasUnreadPayload() {
		return errors.Wrapf(ErrBadMessage, "%s: %d trailing bytes", mt, len(packet.UnreadPayload()))
	}
	return nil
}

// ReadHandshake parses a MT_HANDSHAKE message body
func ReadHandshake(packet *netutil.Packet) (common.ParticipantID, error) {
	id := packet.ReadParticipantID()
	return id, finish(packet, MT_HANDSHAKE)
}

// ReadCallEntityMethod parses a MT_CALL_ENTITY_METHOD message body
func ReadCallEntityMethod(packet *netutil.Packet) (*CallEntityMethod, error) {
	msg := &CallEntityMethod{}
	msg.EntityID = packet.ReadEntityID()
	msg.Method = packet.ReadVarStr()
	msg.Sender = packet.ReadParticipantID()
	msg.Args = packet.ReadArgs()
	return msg, finish(packet, MT_CALL_ENTITY_METHOD)
}

// ReadProxy parses a MT_PROXY message body
func ReadProxy(packet *netutil.Packet) (*Proxy, error) {
	msg := &Proxy{}
	msg.Origin = packet.ReadParticipantID()
	msg.Targets = packet.ReadParticipantList()
	msg.Inner = packet.ReadVarBytes()
	return msg, finish(packet, MT_PROXY)
}

// ReadSpawnEntity parses a MT_SPAWN_ENTITY message body
func ReadSpawnEntity(packet *netutil.Packet) (*SpawnEntity, error) {
	msg := &SpawnEntity{}
	msg.EntityID = packet.ReadEntityID()
	msg.TypeName = packet.ReadVarStr()
	msg.Owner = packet.ReadParticipantID()
	msg.Observers = packet.ReadParticipantList()
	msg.Vars = readVars(packet)
	return msg, finish(packet, MT_SPAWN_ENTITY)
}

// ReadDespawnEntity parses a MT_DESPAWN_ENTITY message body
func ReadDespawnEntity(packet *netutil.Packet) (common.EntityID, error) {
	eid := packet.ReadEntityID()
	return eid, finish(packet, MT_DESPAWN_ENTITY)
}

// ReadVarDelta parses a MT_VAR_DELTA message body
func ReadVarDelta(packet *netutil.Packet) (*VarDelta, error) {
	msg := &VarDelta{}
	msg.EntityID = packet.ReadEntityID()
	msg.Vars = readVars(packet)
	return msg, finish(packet, MT_VAR_DELTA)
}

// ReadSetOwner parses a MT_SET_OWNER message body
func ReadSetOwner(packet *netutil.Packet) (*SetOwner, error) {
	msg := &SetOwner{}
	msg.EntityID = packet.ReadEntityID()
	msg.Owner = packet.ReadParticipantID()
	return msg, finish(packet, MT_SET_OWNER)
}

// ReadSetObservers parses a MT_SET_OBSERVERS message body
func ReadSetObservers(packet *netutil.Packet) (common.EntityID, []common.ParticipantID, error) {
	eid := packet.ReadEntityID()
	observers := packet.ReadParticipantList()
	return eid, observers, finish(packet, MT_SET_OBSERVERS)
}
