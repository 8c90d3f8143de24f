// Package tcptransport connects participants over TCP, framing messages with pktconn.
//
// Every participant listens on its listen address and dials the peers with a lower ID, so each pair
// of participants shares one connection. Both sides start with a handshake message carrying their ID.
package tcptransport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/transport"
	"github.com/xiaonanln/pktconn"
)

// Transport is a TCP transport
type Transport struct {
	*transport.Registry
	cfg config.TransportConfig

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	closed xnsyncutil.AtomicBool
}

type conn struct {
	pc *pktconn.PacketConn
}

func (c *conn) Send(data []byte) error {
	packet := pktconn.NewPacket()
	packet.WriteBytes(data)
	c.pc.Send(packet)
	packet.Release()
	return nil
}

func (c *conn) Close() error {
	return c.pc.Close()
}

// New creates the TCP transport of the local participant
func New(localID common.ParticipantID, cfg config.TransportConfig) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		Registry: transport.NewRegistry(localID),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens and dials the peers in the background
func (t *Transport) Start() error {
	if t.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", t.cfg.ListenAddr)
		}
		nslog.Infof("tcptransport: %s listening on %s ...", t.LocalID(), ln.Addr())
		t.ln = ln
		go t.serve(ln)
	}
	for id, addr := range t.cfg.Peers {
		if id < t.LocalID() {
			go t.dialForever(id, addr)
		}
	}
	return nil
}

// Addr returns the listening address, nil if not listening
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) serve(ln net.Listener) {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			nslog.Errorf("tcptransport: accept failed: %v", err)
			return
		}
		nslog.Debugf("tcptransport: connection from %s", netConn.RemoteAddr())
		go t.serveConn(netConn, common.InvalidParticipantID)
	}
}

func (t *Transport) dialForever(id common.ParticipantID, addr string) {
	for !t.closed.Load() {
		netConn, err := net.DialTimeout("tcp", addr, consts.TRANSPORT_HANDSHAKE_TIMEOUT)
		if err != nil {
			nslog.Debugf("tcptransport: dial %s at %s failed: %v", id, addr, err)
		} else {
			t.serveConn(netConn, id)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(consts.TRANSPORT_DIAL_RETRY_INTERVAL):
		}
	}
}

func (t *Transport) serveConn(netConn net.Conn, expect common.ParticipantID) {
	pcfg := pktconn.DefaultConfig()
	pcfg.Tag = expect
	c := &conn{pc: pktconn.NewPacketConnWithConfig(t.ctx, netConn, pcfg)}
	defer c.Close()

	recvChan := make(chan *pktconn.Packet, consts.TRANSPORT_RECV_CHAN_SIZE)
	go func() {
		err := c.pc.RecvChan(recvChan)
		nslog.Debugf("tcptransport: receive from %s stopped: %v", netConn.RemoteAddr(), err)
		close(recvChan)
	}()

	c.Send(proto.MakeHandshake(t.LocalID()))
	var id common.ParticipantID
	select {
	case packet, ok := <-recvChan:
		if !ok {
			return
		}
		var err error
		id, err = transport.ParseHandshake(packet.Payload(), expect)
		packet.Release()
		if err != nil {
			nslog.Warnf("tcptransport: bad handshake from %s: %v", netConn.RemoteAddr(), err)
			return
		}
	case <-time.After(consts.TRANSPORT_HANDSHAKE_TIMEOUT):
		nslog.Warnf("tcptransport: handshake from %s timeout", netConn.RemoteAddr())
		return
	}

	if !t.Add(id, c) {
		nslog.Warnf("tcptransport: %s is already connected, closing %s", id, netConn.RemoteAddr())
		return
	}
	defer t.Remove(id, c)

	for packet := range recvChan {
		t.Receive(id, append([]byte(nil), packet.Payload()...))
		packet.Release()
	}
}

// Close stops listening and dialing and closes every connection
func (t *Transport) Close() error {
	if t.closed.Load() {
		return nil
	}
	t.closed.Store(true)
	t.cancel()
	if t.ln != nil {
		t.ln.Close()
	}
	t.CloseAll()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
