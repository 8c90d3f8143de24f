// Package transport defines how a session exchanges messages with the other participants.
//
// A Transport only moves opaque messages between participant IDs. Delivery is fire and forget:
// a message sent to a participant that disconnects meanwhile is lost.
package transport

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/proto"
)

// Handler is told about connections and messages. Transports may call it from their own goroutines.
type Handler interface {
	HandleConnected(id common.ParticipantID)
	HandleDisconnected(id common.ParticipantID)
	HandleReceive(from common.ParticipantID, data []byte)
}

// Transport connects the local participant to the others
type Transport interface {
	LocalID() common.ParticipantID
	Send(to common.ParticipantID, data []byte) error
	IsConnected(id common.ParticipantID) bool
	// SetHandler sets the handler, replaying a HandleConnected for every participant already connected
	SetHandler(h Handler)
	Close() error
}

// Conn is one connection to a remote participant
type Conn interface {
	Send(data []byte) error
	Close() error
}

// ErrClosed is returned when using a closed transport
var ErrClosed = errors.New("transport closed")

func notConnected(to common.ParticipantID) error {
	return errors.Wrapf(common.ErrNotConnected, "send to %s", to)
}

// ParseHandshake reads the participant ID from the first message of a connection
func ParseHandshake(data []byte, expect common.ParticipantID) (common.ParticipantID, error) {
	mt, packet, err := proto.ReadMsgType(data)
	if err != nil {
		return common.InvalidParticipantID, err
	}
	if mt != proto.MT_HANDSHAKE {
		return common.InvalidParticipantID, errors.Wrapf(proto.ErrBadMessage, "expect handshake, got %s", mt)
	}
	id, err := proto.ReadHandshake(packet)
	if err != nil {
		return common.InvalidParticipantID, err
	}
	if !id.IsValid() || (expect.IsValid() && id != expect) {
		return common.InvalidParticipantID, errors.Wrapf(proto.ErrBadMessage, "handshake from %s, expect %s", id, expect)
	}
	return id, nil
}
