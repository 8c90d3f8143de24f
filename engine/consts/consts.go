package consts

import "time"

// Tunable Options
const (
	// DEFAULT_TICK_INTERVAL is the scheduler tick interval used when the config does not set one
	DEFAULT_TICK_INTERVAL = time.Millisecond * 50
	// TICK_WARN_THRESHOLD is the duration above which a tick is reported by opmon
	TICK_WARN_THRESHOLD = time.Millisecond * 20
	// DISPATCH_WARN_THRESHOLD is the duration above which a single dispatch is reported by opmon
	DISPATCH_WARN_THRESHOLD = time.Millisecond * 5
	// TIMER_TICK_INTERVAL is the resolution of the timers driving netsyncd
	TIMER_TICK_INTERVAL = time.Millisecond * 5
	// INBOUND_QUEUE_WARN_LEN logs a warning when this many inbound messages are drained in one tick
	INBOUND_QUEUE_WARN_LEN = 10000

	// For Transports
	// TRANSPORT_RECV_CHAN_SIZE is the size of the channel receiving packets from each connection
	TRANSPORT_RECV_CHAN_SIZE = 1000
	// TRANSPORT_DIAL_RETRY_INTERVAL is the interval between dials to a peer which is not up yet
	TRANSPORT_DIAL_RETRY_INTERVAL = time.Second
	// TRANSPORT_HANDSHAKE_TIMEOUT is the timeout for the participant handshake of a new connection
	TRANSPORT_HANDSHAKE_TIMEOUT = time.Second * 5
	// WEBSOCKET_PATH is the HTTP path of the websocket transport
	WEBSOCKET_PATH = "/netsync"
)

// Debug Options
const (
	// DEBUG_PACKETS prints packet send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_ROUTING prints dispatch path decisions
	DEBUG_ROUTING = false
	// DEBUG_VISIBILITY prints show/hide transitions
	DEBUG_VISIBILITY = false
	// DEBUG_REPLICATION prints deltas produced by the scheduler
	DEBUG_REPLICATION = false
)
