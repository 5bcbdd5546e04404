// Package riptide is the top-level engine package: it holds Config,
// DefaultConfig and LoadConfig. The Session/Torrent orchestrator that
// wires the component packages (bencode, metainfo, storage, peerwire,
// peerconn, tracker, resume, stream) together lives in package session.
package riptide

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config holds every tunable the session/tracker/peerconn/stream layers
// need. Unlike the teacher's encryption-only config, ours carries the
// full set spec.md's components read from, since this engine has no
// separate outer application layer to own them.
type Config struct {
	Port      uint16 `yaml:"port"`
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	Database string `yaml:"database"`
	DataDir  string `yaml:"data_dir"`

	MaxOpenFiles int `yaml:"max_open_files"`

	TrackerHTTPTimeout  time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string       `yaml:"tracker_http_user_agent"`
	TrackerNumWant      int           `yaml:"tracker_num_want"`

	MaxPeerAccept        int           `yaml:"max_peer_accept"`
	MaxPeerDial          int           `yaml:"max_peer_dial"`
	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`

	PieceTimeout   time.Duration `yaml:"piece_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`
	StatsWriteInterval    time.Duration `yaml:"stats_write_interval"`
}

// DefaultConfig mirrors the teacher's DefaultConfig in spirit (sane
// listen port, generous timeouts) scaled up to the full component set.
var DefaultConfig = Config{
	Port:      6881,
	PortBegin: 6881,
	PortEnd:   6889,

	Database: defaultDatabasePath(),
	DataDir:  defaultDataDir(),

	MaxOpenFiles: 1024,

	TrackerHTTPTimeout:   15 * time.Second,
	TrackerHTTPUserAgent: "riptide/1.0",
	TrackerNumWant:       50,

	MaxPeerAccept:        50,
	MaxPeerDial:          40,
	PeerConnectTimeout:   10 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,

	PieceTimeout:   30 * time.Second,
	RequestTimeout: 20 * time.Second,

	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,

	BitfieldWriteInterval: 30 * time.Second,
	StatsWriteInterval:    10 * time.Second,
}

func defaultDatabasePath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "riptide.db"
	}
	return home + "/.riptide/riptide.db"
}

func defaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "."
	}
	return home + "/.riptide/data"
}

// LoadConfig reads filename as YAML over DefaultConfig, returning
// DefaultConfig unchanged if the file doesn't exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}