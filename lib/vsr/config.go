package vsr

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Protocol Constants
// --------------------------------------------------------------------------

const (
	// MaxLogTailEntries bounds the log tail carried inside DoViewChange and
	// StartView messages. A replica missing more than this many entries
	// fetches the rest through state transfer instead.
	MaxLogTailEntries = 10_000

	// ViewGapStateTransfer is the view distance at which a lagging replica
	// stops trying to catch up message by message and switches to state
	// transfer.
	ViewGapStateTransfer = 3

	// DefaultMaxSessions caps the client session table. When the table is
	// full, the session with the oldest commit stamp is evicted.
	DefaultMaxSessions = 100_000
)

// --------------------------------------------------------------------------
// Timeout Configuration
// --------------------------------------------------------------------------

// TimeoutConfig holds the timer intervals that drive the protocol. The
// replica core never reads a wall clock; the node layer arms timers with
// these durations and feeds the expirations into the core as events.
type TimeoutConfig struct {
	// HeartbeatInterval is how often an idle leader broadcasts a commit
	// heartbeat.
	HeartbeatInterval time.Duration
	// LeaderCheckInterval is how long a backup waits without hearing from
	// the leader before it starts a view change.
	LeaderCheckInterval time.Duration
	// PrepareTimeout is how long the leader waits for a quorum on an op
	// before re-broadcasting the Prepare.
	PrepareTimeout time.Duration
	// ViewChangeTimeout is how long a replica waits for a view change to
	// complete before escalating to the next view.
	ViewChangeTimeout time.Duration
	// RecoveryTimeout is how long a recovering replica waits for responses
	// before re-broadcasting its state request with a fresh nonce.
	RecoveryTimeout time.Duration
	// RepairTimeout bounds one outstanding repair request. Requests older
	// than this are written off and their budget slot is reclaimed.
	RepairTimeout time.Duration
	// ReorderGapTimeout is how long an out-of-order Prepare may wait in
	// the reorder buffer for its predecessors before the gap is escalated
	// to the repair protocol.
	ReorderGapTimeout time.Duration
	// ScrubInterval is the pause between two background scrub ticks.
	ScrubInterval time.Duration
	// ClockSyncInterval is how often a replica probes its peers for clock
	// samples.
	ClockSyncInterval time.Duration
}

// DefaultTimeouts returns the production timer intervals.
func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		HeartbeatInterval:   100 * time.Millisecond,
		LeaderCheckInterval: 500 * time.Millisecond,
		PrepareTimeout:      250 * time.Millisecond,
		ViewChangeTimeout:   1 * time.Second,
		RecoveryTimeout:     500 * time.Millisecond,
		RepairTimeout:       500 * time.Millisecond,
		ReorderGapTimeout:   100 * time.Millisecond,
		ScrubInterval:       1 * time.Second,
		ClockSyncInterval:   3 * time.Second,
	}
}

// AggressiveTimeouts returns tightened intervals for benchmarks and local
// clusters where round trips are cheap.
func AggressiveTimeouts() TimeoutConfig {
	return TimeoutConfig{
		HeartbeatInterval:   10 * time.Millisecond,
		LeaderCheckInterval: 50 * time.Millisecond,
		PrepareTimeout:      25 * time.Millisecond,
		ViewChangeTimeout:   100 * time.Millisecond,
		RecoveryTimeout:     50 * time.Millisecond,
		RepairTimeout:       50 * time.Millisecond,
		ReorderGapTimeout:   10 * time.Millisecond,
		ScrubInterval:       100 * time.Millisecond,
		ClockSyncInterval:   300 * time.Millisecond,
	}
}

// --------------------------------------------------------------------------
// Cluster Configuration
// --------------------------------------------------------------------------

// ClusterConfig describes the fixed membership of the cluster. The member
// list is sorted and identical on every replica; leader rotation walks it
// by index, so all replicas agree on the leader of every view.
//
// Membership is immutable for the lifetime of the cluster. Changing it
// requires restarting the cluster from a consistent state.
type ClusterConfig struct {
	// Members is the sorted list of all replica IDs in the cluster.
	Members []ReplicaID
	// Timeouts holds the timer intervals for this cluster.
	Timeouts TimeoutConfig
	// MaxSessions caps the client session table on each replica.
	MaxSessions int
}

// NewClusterConfig creates a configuration for the given members. The list
// is deduplicated and sorted; it must not be empty.
func NewClusterConfig(members []ReplicaID) (*ClusterConfig, error) {
	if len(members) == 0 {
		return nil, NewError(RetCInvalidOperation, "cluster needs at least one member")
	}

	seen := make(map[ReplicaID]bool, len(members))
	sorted := make([]ReplicaID, 0, len(members))
	for _, id := range members {
		if seen[id] {
			return nil, NewErrorf(RetCInvalidOperation, "duplicate member %s", id)
		}
		seen[id] = true
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return &ClusterConfig{
		Members:     sorted,
		Timeouts:    DefaultTimeouts(),
		MaxSessions: DefaultMaxSessions,
	}, nil
}

// SingleNodeConfig creates a configuration for a cluster of one. The sole
// member is the leader of every view and commits without waiting for
// anyone.
func SingleNodeConfig(id ReplicaID) *ClusterConfig {
	cfg, _ := NewClusterConfig([]ReplicaID{id})
	return cfg
}

// WithTimeouts returns a copy of the configuration using the given timer
// intervals.
func (c *ClusterConfig) WithTimeouts(t TimeoutConfig) *ClusterConfig {
	out := *c
	out.Timeouts = t
	return &out
}

// Size returns the number of replicas in the cluster.
func (c *ClusterConfig) Size() int {
	return len(c.Members)
}

// QuorumSize returns the majority size for this cluster.
func (c *ClusterConfig) QuorumSize() int {
	return QuorumSize(len(c.Members))
}

// MaxFailures returns how many simultaneous replica failures this cluster
// tolerates.
func (c *ClusterConfig) MaxFailures() int {
	return MaxFailures(len(c.Members))
}

// LeaderForView returns the leader of the given view. The mapping is a pure
// function of the view number and the sorted member list.
func (c *ClusterConfig) LeaderForView(v ViewNumber) ReplicaID {
	return c.Members[uint64(v)%uint64(len(c.Members))]
}

// IsMember reports whether id belongs to the cluster.
func (c *ClusterConfig) IsMember(id ReplicaID) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Peers returns all members except self, in sorted order.
func (c *ClusterConfig) Peers(self ReplicaID) []ReplicaID {
	peers := make([]ReplicaID, 0, len(c.Members)-1)
	for _, m := range c.Members {
		if m != self {
			peers = append(peers, m)
		}
	}
	return peers
}

// String returns a formatted string representation of the configuration
func (c *ClusterConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Cluster")
	addField("Size", fmt.Sprintf("%d", c.Size()))
	addField("Quorum", fmt.Sprintf("%d", c.QuorumSize()))
	addField("Tolerated Failures", fmt.Sprintf("%d", c.MaxFailures()))
	addField("Max Sessions", fmt.Sprintf("%d", c.MaxSessions))

	addSection("Members")
	for i, m := range c.Members {
		addField(fmt.Sprintf("Member %d", i), m.String())
	}

	addSection("Timeouts")
	addField("Heartbeat", c.Timeouts.HeartbeatInterval.String())
	addField("Leader Check", c.Timeouts.LeaderCheckInterval.String())
	addField("Prepare", c.Timeouts.PrepareTimeout.String())
	addField("View Change", c.Timeouts.ViewChangeTimeout.String())
	addField("Recovery", c.Timeouts.RecoveryTimeout.String())
	addField("Repair", c.Timeouts.RepairTimeout.String())
	addField("Reorder Gap", c.Timeouts.ReorderGapTimeout.String())
	addField("Scrub", c.Timeouts.ScrubInterval.String())
	addField("Clock Sync", c.Timeouts.ClockSyncInterval.String())

	return sb.String()
}
