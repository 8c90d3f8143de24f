// Package routing decides how a message reaches each recipient: delivered locally right away or at the next tick,
// sent directly, or wrapped in one proxy envelope for the session owner to relay.
package routing

import (
	"github.com/xiaonanln/netsync/engine/authority"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/opmon"
	"github.com/xiaonanln/netsync/engine/post"
	"github.com/xiaonanln/netsync/engine/proto"
)

// Sender sends a message to a participant. The data must not be modified after the call.
type Sender interface {
	Send(to common.ParticipantID, data []byte) error
}

// Path is how a message reaches remote recipients
type Path int

const (
	// PathDirect sends straight to each recipient
	PathDirect Path = iota
	// PathProxy sends one envelope to the session owner which relays it
	PathProxy
)

func (p Path) String() string {
	if p == PathProxy {
		return "proxy"
	}
	return "direct"
}

// Result tells what a dispatch did, per recipient
type Result struct {
	Local    bool
	Deferred bool
	Direct   []common.ParticipantID
	Proxied  []common.ParticipantID
	Dropped  []common.ParticipantID
}

// Dispatcher routes the messages sent by the local participant
type Dispatcher struct {
	table    *authority.Table
	sender   Sender
	deferred *post.Queue
}

// NewDispatcher creates the dispatcher of a session. Deferred local deliveries are posted to the queue.
func NewDispatcher(table *authority.Table, sender Sender, deferred *post.Queue) *Dispatcher {
	return &Dispatcher{
		table:    table,
		sender:   sender,
		deferred: deferred,
	}
}

// PathFor returns how the local participant reaches remote recipients of messages about the entity
func (d *Dispatcher) PathFor(eid common.EntityID) Path {
	local := d.table.LocalID()
	if d.table.Topology() == common.Centralized {
		return PathDirect
	}
	if d.table.IsSessionOwner(local) || d.table.IsAuthority(eid, local) {
		return PathDirect
	}
	return PathProxy
}

// Dispatch delivers the message to the recipients. A local recipient gets deliverLocal called, now or at the start
// of the next tick when deferLocal is set. Disconnected recipients are skipped one by one.
func (d *Dispatcher) Dispatch(recipients common.ParticipantSet, eid common.EntityID, data []byte, deliverLocal func(), deferLocal bool) (res Result) {
	op := opmon.StartOperation("routing.Dispatch")
	defer op.Finish(consts.DISPATCH_WARN_THRESHOLD)

	local := d.table.LocalID()
	path := d.PathFor(eid)
	var remote []common.ParticipantID
	for _, p := range recipients.ToList() {
		if p == local {
			continue
		}
		if !d.table.IsConnected(p) {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		remote = append(remote, p)
	}

	if path == PathDirect {
		for _, p := range remote {
			d.send(p, data)
		}
		res.Direct = remote
	} else if len(remote) > 0 {
		relay := d.table.SessionOwner()
		if d.table.IsConnected(relay) {
			d.send(relay, proto.MakeProxy(local, remote, data))
			res.Proxied = remote
		} else {
			res.Dropped = append(res.Dropped, remote...)
		}
	}

	if recipients.Contains(local) && deliverLocal != nil {
		res.Local = true
		if deferLocal {
			res.Deferred = true
			d.deferred.Post(post.PostCallback(deliverLocal))
		} else {
			deliverLocal()
		}
	}

	if consts.DEBUG_ROUTING {
		nslog.Debugf("routing: %s %s local=%v deferred=%v direct=%v proxied=%v dropped=%v", eid, path, res.Local, res.Deferred, res.Direct, res.Proxied, res.Dropped)
	}
	return
}

// Relay forwards a proxy envelope received by the session owner to its targets.
// The session owner itself gets deliverLocal called. Envelopes are never relayed twice.
func (d *Dispatcher) Relay(msg *proto.Proxy, deliverLocal func()) (res Result) {
	local := d.table.LocalID()
	if !d.table.IsSessionOwner(local) {
		nslog.Warnf("routing: %s is not the session owner, dropping proxy envelope from %s", local, msg.Origin)
		res.Dropped = msg.Targets
		return
	}

	for _, p := range msg.Targets {
		if p == local {
			res.Local = true
			continue
		}
		if p == msg.Origin || !d.table.IsConnected(p) {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		d.send(p, msg.Inner)
		res.Direct = append(res.Direct, p)
	}
	if res.Local && deliverLocal != nil {
		deliverLocal()
	}
	return
}

// SendTo sends a message to one participant, skipping it when it is not connected
func (d *Dispatcher) SendTo(p common.ParticipantID, data []byte) bool {
	if p == d.table.LocalID() || !d.table.IsConnected(p) {
		return false
	}
	d.send(p, data)
	return true
}

func (d *Dispatcher) send(p common.ParticipantID, data []byte) {
	if consts.DEBUG_PACKETS {
		nslog.Debugf("routing: send %d bytes to %s", len(data), p)
	}
	if err := d.sender.Send(p, data); err != nil {
		// delivery is fire and forget once the message leaves the dispatcher
		nslog.Warnf("routing: send to %s failed: %v", p, err)
	}
}
