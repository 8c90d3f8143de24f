// Package wstransport connects participants with websocket binary messages.
//
// It follows the same rules as the TCP transport: listen, dial the peers with a lower ID and
// exchange a handshake message first.
package wstransport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/proto"
	"github.com/xiaonanln/netsync/engine/transport"
)

// Transport is a websocket transport
type Transport struct {
	*transport.Registry
	cfg config.TransportConfig

	ctx      context.Context
	cancel   context.CancelFunc
	upgrader websocket.Upgrader
	ln       net.Listener
	server   *http.Server
	closed   xnsyncutil.AtomicBool
}

type conn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
}

func (c *conn) Send(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) Close() error {
	return c.ws.Close()
}

// New creates the websocket transport of the local participant
func New(localID common.ParticipantID, cfg config.TransportConfig) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		Registry: transport.NewRegistry(localID),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start serves websocket connections and dials the peers in the background
func (t *Transport) Start() error {
	if t.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", t.cfg.ListenAddr)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(consts.WEBSOCKET_PATH, t.handleUpgrade)
		t.ln = ln
		t.server = &http.Server{Handler: mux}
		nslog.Infof("wstransport: %s listening on ws://%s%s ...", t.LocalID(), ln.Addr(), consts.WEBSOCKET_PATH)
		go func() {
			if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				nslog.Errorf("wstransport: serve failed: %v", err)
			}
		}()
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

func (t *Transport) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		nslog.Warnf("wstransport: upgrade %s failed: %v", r.RemoteAddr, err)
		return
	}
	t.serveConn(ws, common.InvalidParticipantID)
}

func (t *Transport) dialForever(id common.ParticipantID, addr string) {
	url := "ws://" + addr + consts.WEBSOCKET_PATH
	dialer := websocket.Dialer{HandshakeTimeout: consts.TRANSPORT_HANDSHAKE_TIMEOUT}
	for !t.closed.Load() {
		ws, _, err := dialer.DialContext(t.ctx, url, nil)
		if err != nil {
			nslog.Debugf("wstransport: dial %s at %s failed: %v", id, url, err)
		} else {
			t.serveConn(ws, id)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(consts.TRANSPORT_DIAL_RETRY_INTERVAL):
		}
	}
}

func (t *Transport) serveConn(ws *websocket.Conn, expect common.ParticipantID) {
	c := &conn{ws: ws}
	defer c.Close()

	if err := c.Send(proto.MakeHandshake(t.LocalID())); err != nil {
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(consts.TRANSPORT_HANDSHAKE_TIMEOUT))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		nslog.Warnf("wstransport: handshake from %s failed: %v", ws.RemoteAddr(), err)
		return
	}
	id, err := transport.ParseHandshake(msg, expect)
	if err != nil {
		nslog.Warnf("wstransport: bad handshake from %s: %v", ws.RemoteAddr(), err)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	if !t.Add(id, c) {
		nslog.Warnf("wstransport: %s is already connected, closing %s", id, ws.RemoteAddr())
		return
	}
	defer t.Remove(id, c)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			nslog.Debugf("wstransport: receive from %s stopped: %v", id, err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		t.Receive(id, data)
	}
}

// Close stops serving and dialing and closes every connection
func (t *Transport) Close() error {
	if t.closed.Load() {
		return nil
	}
	t.closed.Store(true)
	t.cancel()
	if t.server != nil {
		t.server.Close()
	}
	t.CloseAll()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
