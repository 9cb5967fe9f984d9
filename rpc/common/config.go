package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// --------------------------------------------------------------------------
// Transport Configuration
// --------------------------------------------------------------------------

// TransportConfig holds the settings shared by all transport media.
type TransportConfig struct {
	// Type selects the transport medium: tcp, unix or memory
	Type string `yaml:"type"`
	// TimeoutSecond bounds single reads and writes on a connection
	TimeoutSecond int `yaml:"timeout_sec"`
	// BufferSize is the read buffer handed to each connection
	BufferSize int `yaml:"buffer_size"`
	// QueueLength bounds the per-peer outbound queue
	QueueLength int `yaml:"queue_length"`

	// TCP specific settings, ignored by the other media
	TCPNoDelay      bool `yaml:"tcp_no_delay"`
	TCPKeepAliveSec int  `yaml:"tcp_keepalive_sec"`
	ReadBufferSize  int  `yaml:"read_buffer_bytes"`
	WriteBufferSize int  `yaml:"write_buffer_bytes"`
}

// --------------------------------------------------------------------------
// Journal, Engine and API Configuration
// --------------------------------------------------------------------------

// JournalConfig selects where the replica persists its log.
type JournalConfig struct {
	// Dir is the directory holding the journal file
	Dir string `yaml:"dir"`
	// InMemory trades durability for speed: the replica rejoins via
	// state transfer after a restart
	InMemory bool `yaml:"in_memory"`
}

// EngineConfig selects the state machine engine.
type EngineConfig struct {
	// Type selects the engine: map or cache
	Type string `yaml:"type"`
	// CacheMaxBytes caps the cache engine's memory (cache type only)
	CacheMaxBytes int `yaml:"cache_max_bytes"`
	// SweepIntervalMs is the map engine's reclamation interval
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

// APIConfig holds the HTTP admin endpoint settings.
type APIConfig struct {
	// Endpoint is the listen address for the admin API, empty disables it
	Endpoint string `yaml:"endpoint"`
	// TimeoutSecond bounds admin request handling
	TimeoutSecond int `yaml:"timeout_sec"`
}

// --------------------------------------------------------------------------
// Security Configuration
// --------------------------------------------------------------------------

// SecurityConfig holds the peer authentication settings. With an empty
// SigningKey messages are only checksummed, not signed.
type SecurityConfig struct {
	// SigningKey is this replica's hex encoded Ed25519 private key
	SigningKey string `yaml:"signing_key"`
	// VerifyKeys maps replica ids to hex encoded Ed25519 public keys
	VerifyKeys map[uint8]string `yaml:"verify_keys"`
	// ReplayWindowSec is how long a received frame stays in the replay
	// filter
	ReplayWindowSec int `yaml:"replay_window_sec"`
}

// Enabled reports whether message signing is configured.
func (s SecurityConfig) Enabled() bool {
	return s.SigningKey != ""
}

// --------------------------------------------------------------------------
// Node Configuration
// --------------------------------------------------------------------------

// NodeConfig holds everything one replica process needs: its identity,
// the cluster topology and the settings of every subsystem.
type NodeConfig struct {
	// Replica is this node's id, it must appear in Cluster
	Replica uint8 `yaml:"replica"`
	// Cluster maps replica ids to their peer endpoints
	Cluster map[uint8]string `yaml:"cluster"`
	// Serializer selects the wire codec: binary or gob
	Serializer string `yaml:"serializer"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	Transport TransportConfig `yaml:"transport"`
	Journal   JournalConfig   `yaml:"journal"`
	Engine    EngineConfig    `yaml:"engine"`
	API       APIConfig       `yaml:"api"`
	Security  SecurityConfig  `yaml:"security"`

	// Timeouts overrides the protocol timers, zero fields keep defaults
	Timeouts TimeoutOverrides `yaml:"timeouts"`
}

// TimeoutOverrides carries optional protocol timer overrides in
// milliseconds.
type TimeoutOverrides struct {
	HeartbeatMs   int `yaml:"heartbeat_ms"`
	LeaderCheckMs int `yaml:"leader_check_ms"`
	PrepareMs     int `yaml:"prepare_ms"`
	ViewChangeMs  int `yaml:"view_change_ms"`
	RecoveryMs    int `yaml:"recovery_ms"`
}

// DefaultNodeConfig returns a configuration with working defaults for a
// single replica on the memory transport.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Replica:    1,
		Cluster:    map[uint8]string{1: "mem://replica-1"},
		Serializer: "binary",
		LogLevel:   "info",
		Transport: TransportConfig{
			Type:          "memory",
			TimeoutSecond: 5,
			BufferSize:    512 * 1024,
			QueueLength:   1024,
			TCPNoDelay:    true,
		},
		Journal: JournalConfig{InMemory: true},
		Engine:  EngineConfig{Type: "map"},
		Security: SecurityConfig{
			ReplayWindowSec: 30,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *NodeConfig) Validate() error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("cluster topology is empty")
	}
	if _, ok := c.Cluster[c.Replica]; !ok {
		return fmt.Errorf("replica %d is not part of the cluster topology", c.Replica)
	}
	switch c.Transport.Type {
	case "tcp", "unix", "memory":
	default:
		return fmt.Errorf("unknown transport type %q, must be tcp, unix or memory", c.Transport.Type)
	}
	switch c.Serializer {
	case "", "binary", "gob":
	default:
		return fmt.Errorf("unknown serializer %q, must be binary or gob", c.Serializer)
	}
	switch c.Engine.Type {
	case "", "map", "cache":
	default:
		return fmt.Errorf("unknown engine %q, must be map or cache", c.Engine.Type)
	}
	if !c.Journal.InMemory && c.Journal.Dir == "" {
		return fmt.Errorf("journal needs a directory unless in_memory is set")
	}
	if c.Security.Enabled() {
		for id := range c.Cluster {
			if _, ok := c.Security.VerifyKeys[id]; !ok {
				return fmt.Errorf("signing is enabled but replica %d has no verify key", id)
			}
		}
	}
	return nil
}

// Members returns the sorted replica ids of the cluster.
func (c *NodeConfig) Members() []vsr.ReplicaID {
	ids := make([]vsr.ReplicaID, 0, len(c.Cluster))
	for id := range c.Cluster {
		ids = append(ids, vsr.ReplicaID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Peers returns the endpoints of every replica except this one.
func (c *NodeConfig) Peers() map[vsr.ReplicaID]string {
	peers := make(map[vsr.ReplicaID]string, len(c.Cluster)-1)
	for id, endpoint := range c.Cluster {
		if id == c.Replica {
			continue
		}
		peers[vsr.ReplicaID(id)] = endpoint
	}
	return peers
}

// SelfEndpoint returns this replica's own listen endpoint.
func (c *NodeConfig) SelfEndpoint() string {
	return c.Cluster[c.Replica]
}

// VSRTimeouts converts the overrides into a protocol timer config,
// starting from the defaults.
func (c *NodeConfig) VSRTimeouts() vsr.TimeoutConfig {
	t := vsr.DefaultTimeouts()
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	if c.Timeouts.HeartbeatMs > 0 {
		t.HeartbeatInterval = ms(c.Timeouts.HeartbeatMs)
	}
	if c.Timeouts.LeaderCheckMs > 0 {
		t.LeaderCheckInterval = ms(c.Timeouts.LeaderCheckMs)
	}
	if c.Timeouts.PrepareMs > 0 {
		t.PrepareTimeout = ms(c.Timeouts.PrepareMs)
	}
	if c.Timeouts.ViewChangeMs > 0 {
		t.ViewChangeTimeout = ms(c.Timeouts.ViewChangeMs)
	}
	if c.Timeouts.RecoveryMs > 0 {
		t.RecoveryTimeout = ms(c.Timeouts.RecoveryMs)
	}
	return t
}

// String returns a formatted representation of the configuration.
// Private key material is never printed.
func (c *NodeConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Replica ID", strconv.Itoa(int(c.Replica)))
	addField("Endpoint", c.SelfEndpoint())

	addSection("Cluster")
	for _, id := range c.Members() {
		addField(fmt.Sprintf("Replica %s", id), c.Cluster[uint8(id)])
	}

	addSection("Transport")
	addField("Medium", c.Transport.Type)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.Transport.TimeoutSecond))
	addField("Outbound Queue", strconv.Itoa(c.Transport.QueueLength))

	addSection("Journal")
	if c.Journal.InMemory {
		addField("Mode", "in-memory")
	} else {
		addField("Mode", "disk")
		addField("Directory", c.Journal.Dir)
	}

	addSection("Engine")
	engine := c.Engine.Type
	if engine == "" {
		engine = "map"
	}
	addField("Type", engine)
	if engine == "cache" {
		addField("Max Bytes", strconv.Itoa(c.Engine.CacheMaxBytes))
	}

	addSection("Security")
	addField("Signing", fmt.Sprintf("%t", c.Security.Enabled()))
	addField("Replay Window", fmt.Sprintf("%d sec", c.Security.ReplayWindowSec))

	if c.API.Endpoint != "" {
		addSection("Admin API")
		addField("Endpoint", c.API.Endpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client Configuration
// --------------------------------------------------------------------------

// ClientConfig holds the settings of the CLI client. The client talks to
// the admin API of any replica and hops to the next endpoint when the one
// it asked is not the leader.
type ClientConfig struct {
	// Endpoints lists admin API base URLs, e.g. http://localhost:8080
	Endpoints []string `yaml:"endpoints"`
	// TimeoutSecond bounds one request round trip
	TimeoutSecond int `yaml:"timeout_sec"`
	// RetryCount is how many additional endpoints a failed request may
	// try before giving up
	RetryCount int `yaml:"retry_count"`
}

// String returns a formatted representation of the client configuration.
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
