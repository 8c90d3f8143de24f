package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/netsync/engine/common"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
)

const (
	_DEFAULT_LOG_LEVEL = "info"

	// TransportLoopback connects sessions of one process through a transport.Hub
	TransportLoopback = "loopback"
	// TransportTCP connects participants with pktconn over TCP
	TransportTCP = "tcp"
	// TransportWebsocket connects participants with websocket binary messages
	TransportWebsocket = "websocket"
)

// SessionConfig defines the [session] section
type SessionConfig struct {
	Topology           common.Topology
	LocalID            common.ParticipantID
	ServerID           common.ParticipantID
	SessionOwner       common.ParticipantID
	HostIsClient       bool
	TickInterval       time.Duration
	DeferLocalRPC      bool
	LogLevel           string
	SpawnWithObservers bool
}

// TransportConfig defines the [transport] section
type TransportConfig struct {
	Type       string
	ListenAddr string
	Peers      map[common.ParticipantID]string
}

// ReplicationConfig defines the [replication] section
type ReplicationConfig struct {
	DefaultMinInterval time.Duration
	DefaultMaxInterval time.Duration
	TickWarnThreshold  time.Duration
}

// Config is the total config of one participant
type Config struct {
	Session     SessionConfig
	Transport   TransportConfig
	Replication ReplicationConfig
}

// Default returns the config used when no file is given: a centralized session where participant 0 is the server
func Default() *Config {
	cfg := &Config{}
	setSessionDefaults(&cfg.Session)
	setTransportDefaults(&cfg.Transport)
	setReplicationDefaults(&cfg.Replication)
	return cfg
}

// Load reads the config file
func Load(path string) (*Config, error) {
	nslog.Infof("Using config file: %s", path)
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return read(iniFile)
}

// Parse reads the config from ini data
func Parse(data []byte) (*Config, error) {
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return read(iniFile)
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func read(iniFile *ini.File) (*Config, error) {
	cfg := Default()
	for _, sec := range iniFile.Sections() {
		if sec.Name() == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return nil, errors.Errorf("keys outside of any section: %v", sec.KeyStrings())
			}
			continue
		}

		secName := strings.ToLower(sec.Name())
		var err error
		switch secName {
		case "session":
			err = readSessionConfig(sec, &cfg.Session)
		case "transport":
			err = readTransportConfig(sec, &cfg.Transport)
		case "replication":
			err = readReplicationConfig(sec, &cfg.Replication)
		default:
			nslog.Errorf("unknown section: %s", secName)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setSessionDefaults(sc *SessionConfig) {
	sc.Topology = common.Centralized
	sc.LocalID = 0
	sc.ServerID = 0
	sc.SessionOwner = 0
	sc.TickInterval = consts.DEFAULT_TICK_INTERVAL
	sc.LogLevel = _DEFAULT_LOG_LEVEL
	sc.SpawnWithObservers = true
}

func readSessionConfig(sec *ini.Section, sc *SessionConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		switch name {
		case "topology":
			topology, err := ParseTopology(key.String())
			if err != nil {
				return err
			}
			sc.Topology = topology
		case "local_id":
			id, err := parseParticipantID(key.String())
			if err != nil {
				return errors.Wrapf(err, "local_id")
			}
			sc.LocalID = id
		case "server_id":
			id, err := parseParticipantID(key.String())
			if err != nil {
				return errors.Wrapf(err, "server_id")
			}
			sc.ServerID = id
		case "session_owner":
			id, err := parseParticipantID(key.String())
			if err != nil {
				return errors.Wrapf(err, "session_owner")
			}
			sc.SessionOwner = id
		case "host_is_client":
			sc.HostIsClient = key.MustBool(sc.HostIsClient)
		case "tick_interval_ms":
			sc.TickInterval = time.Millisecond * time.Duration(key.MustInt(int(sc.TickInterval/time.Millisecond)))
		case "defer_local_rpc":
			sc.DeferLocalRPC = key.MustBool(sc.DeferLocalRPC)
		case "log_level":
			sc.LogLevel = key.MustString(sc.LogLevel)
		case "spawn_with_observers":
			sc.SpawnWithObservers = key.MustBool(sc.SpawnWithObservers)
		default:
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	return nil
}

// parseParticipantID accepts 0 to 65534, 65535 being reserved for the invalid participant
func parseParticipantID(s string) (common.ParticipantID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return common.InvalidParticipantID, errors.Wrapf(err, "bad participant id %q", s)
	}
	id := common.ParticipantID(v)
	if !id.IsValid() {
		return id, errors.Errorf("participant id %d is reserved", v)
	}
	return id, nil
}

func setTransportDefaults(tc *TransportConfig) {
	tc.Type = TransportLoopback
	tc.Peers = map[common.ParticipantID]string{}
}

func readTransportConfig(sec *ini.Section, tc *TransportConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			tc.Type = strings.ToLower(key.MustString(tc.Type))
		} else if name == "listen_addr" {
			tc.ListenAddr = key.MustString(tc.ListenAddr)
		} else if strings.HasPrefix(name, "peer_") {
			id, err := parseParticipantID(name[5:])
			if err != nil {
				return errors.Wrapf(err, "invalid peer key: %s", key.Name())
			}
			tc.Peers[id] = key.String()
		} else {
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	return nil
}

func setReplicationDefaults(rc *ReplicationConfig) {
	rc.TickWarnThreshold = consts.TICK_WARN_THRESHOLD
}

func readReplicationConfig(sec *ini.Section, rc *ReplicationConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		switch name {
		case "default_min_interval_ms":
			rc.DefaultMinInterval = time.Millisecond * time.Duration(key.MustInt(0))
		case "default_max_interval_ms":
			rc.DefaultMaxInterval = time.Millisecond * time.Duration(key.MustInt(0))
		case "tick_warn_threshold_ms":
			rc.TickWarnThreshold = time.Millisecond * time.Duration(key.MustInt(int(rc.TickWarnThreshold/time.Millisecond)))
		default:
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	return nil
}

// ParseTopology converts the topology name to Topology
func ParseTopology(s string) (common.Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "centralized":
		return common.Centralized, nil
	case "distributed":
		return common.Distributed, nil
	}
	return common.Centralized, errors.Errorf("unknown topology: %s", s)
}

func validateConfig(cfg *Config) error {
	sc := &cfg.Session
	if !sc.LocalID.IsValid() || !sc.ServerID.IsValid() || !sc.SessionOwner.IsValid() {
		return errors.Errorf("participant id %d is reserved", common.InvalidParticipantID)
	}
	if sc.TickInterval <= 0 {
		return errors.Errorf("tick_interval_ms must be positive")
	}
	if sc.Topology == common.Distributed && sc.HostIsClient {
		nslog.Warnf("host_is_client has no effect in distributed topology")
	}

	rc := &cfg.Replication
	if rc.DefaultMinInterval < 0 || rc.DefaultMaxInterval < 0 {
		return errors.Errorf("replication intervals must not be negative")
	}
	if rc.DefaultMaxInterval > 0 && rc.DefaultMaxInterval < rc.DefaultMinInterval {
		return errors.Errorf("default_max_interval_ms %s < default_min_interval_ms %s", rc.DefaultMaxInterval, rc.DefaultMinInterval)
	}

	tc := &cfg.Transport
	switch tc.Type {
	case TransportLoopback:
	case TransportTCP, TransportWebsocket:
		if tc.ListenAddr == "" && len(tc.Peers) == 0 {
			return errors.Errorf("%s transport needs listen_addr or peers", tc.Type)
		}
		if _, ok := tc.Peers[sc.LocalID]; ok {
			return errors.Errorf("peer_%d is the local participant", sc.LocalID)
		}
	default:
		return errors.Errorf("unknown transport type: %s", tc.Type)
	}
	return nil
}
