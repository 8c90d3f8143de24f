package wstransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/config"
)

type chanHandler struct {
	connected chan common.ParticipantID
	received  chan string
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		connected: make(chan common.ParticipantID, 10),
		received:  make(chan string, 10),
	}
}

func (h *chanHandler) HandleConnected(id common.ParticipantID) {
	h.connected <- id
}

func (h *chanHandler) HandleDisconnected(id common.ParticipantID) {}

func (h *chanHandler) HandleReceive(from common.ParticipantID, data []byte) {
	h.received <- from.String() + ":" + string(data)
}

func wait(t *testing.T, ch chan common.ParticipantID) common.ParticipantID {
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	return common.InvalidParticipantID
}

func TestWebsocketHandshakeAndSend(t *testing.T) {
	server := New(0, config.TransportConfig{Type: config.TransportWebsocket, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, server.Start())
	defer server.Close()
	hs := newChanHandler()
	server.SetHandler(hs)

	client := New(1, config.TransportConfig{
		Type:  config.TransportWebsocket,
		Peers: map[common.ParticipantID]string{0: server.Addr().String()},
	})
	require.NoError(t, client.Start())
	defer client.Close()
	hc := newChanHandler()
	client.SetHandler(hc)

	require.Equal(t, common.ParticipantID(1), wait(t, hs.connected))
	require.Equal(t, common.ParticipantID(0), wait(t, hc.connected))
	require.True(t, server.IsConnected(1))

	require.NoError(t, client.Send(0, []byte("hello")))
	select {
	case msg := <-hs.received:
		require.Equal(t, "P1:hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
	require.Error(t, client.Send(5, []byte("x")))
}
