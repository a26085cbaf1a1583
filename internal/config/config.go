// Package config holds the tunable knobs from spec §6.4 and the
// validation rule that keeps the S-Raft timer ladder ordered.
package config

import (
	"fmt"
	"time"
)

// Config mirrors original_source/config.py's RaftConfig, adapted to Go
// durations and to the field names spec §6.4 uses.
type Config struct {
	// NodeID records the id inferred from address ordering
	// (Cluster.SelfID). The raft node takes its id from the Cluster, not
	// from this field, so an explicit id cannot be set through it.
	NodeID       int
	BindHost     string
	BindPort     int
	Peers        []string
	Debug        bool
	OriginalRaft bool
	MetricsPath  string

	HeartbeatInterval time.Duration

	EnableSubleader bool
	SubleaderRatio  float64

	PrimaryTimeoutMin   time.Duration
	PrimaryTimeoutMax   time.Duration
	SecondaryTimeoutMin time.Duration
	SecondaryTimeoutMax time.Duration
	FollowerTimeoutMin  time.Duration
	FollowerTimeoutMax  time.Duration

	RTTEWMAAlpha float64
	RTTStale     time.Duration

	// StartupGrace suppresses election timeouts for a follower that has
	// never observed a leader (original_source/node.py startup_grace_period).
	StartupGrace time.Duration

	// LeaderLeaseMultiple * HeartbeatInterval, floored at LeaderLeaseMin,
	// is how long a leader tolerates no majority ack before stepping down
	// (original_source/node.py last_majority_ack_time lease check).
	LeaderLeaseMultiple int
	LeaderLeaseMin      time.Duration

	// ElectionBackoffCap bounds the exponential backoff applied after
	// repeated failed elections (original_source/node.py
	// consecutive_election_failures).
	ElectionBackoffCap time.Duration
}

// Default returns the spec §6.4 defaults, plus the supplemented knobs
// from original_source/config.py.
func Default() *Config {
	return &Config{
		BindPort:            5000,
		EnableSubleader:     true,
		SubleaderRatio:      0.4,
		HeartbeatInterval:   50 * time.Millisecond,
		PrimaryTimeoutMin:   150 * time.Millisecond,
		PrimaryTimeoutMax:   200 * time.Millisecond,
		SecondaryTimeoutMin: 250 * time.Millisecond,
		SecondaryTimeoutMax: 350 * time.Millisecond,
		FollowerTimeoutMin:  300 * time.Millisecond,
		FollowerTimeoutMax:  1000 * time.Millisecond,
		RTTEWMAAlpha:        0.3,
		RTTStale:            5 * time.Second,
		StartupGrace:        5 * time.Second,
		LeaderLeaseMultiple: 30,
		LeaderLeaseMin:      3 * time.Second,
		ElectionBackoffCap:  3 * time.Second,
	}
}

// Validate checks the invariants spec §6.4 and §4.3 require before any
// network I/O starts.
func (c *Config) Validate(clusterSize int) error {
	if clusterSize < 3 {
		return fmt.Errorf("config: cluster size %d is below the minimum of 3", clusterSize)
	}
	if c.PrimaryTimeoutMax >= c.SecondaryTimeoutMin {
		return fmt.Errorf("config: primary_timeout_max (%s) must be < secondary_timeout_min (%s)",
			c.PrimaryTimeoutMax, c.SecondaryTimeoutMin)
	}
	if c.SecondaryTimeoutMax >= c.FollowerTimeoutMin {
		return fmt.Errorf("config: secondary_timeout_max (%s) must be < follower_timeout_min (%s)",
			c.SecondaryTimeoutMax, c.FollowerTimeoutMin)
	}
	if c.EnableSubleader {
		if n := c.SubleaderCount(clusterSize); n < 1 {
			return fmt.Errorf("config: subleader_ratio %.2f yields 0 sub-leaders for %d nodes", c.SubleaderRatio, clusterSize)
		}
	}
	if c.SubleaderRatio <= 0 || c.SubleaderRatio > 1 {
		return fmt.Errorf("config: subleader_ratio %.2f must be in (0, 1]", c.SubleaderRatio)
	}
	if c.RTTEWMAAlpha <= 0 || c.RTTEWMAAlpha > 1 {
		return fmt.Errorf("config: rtt_ewma_alpha %.2f must be in (0, 1]", c.RTTEWMAAlpha)
	}
	return nil
}

// SubleaderCount is max(1, floor(ratio*N)) per spec §4.3.
func (c *Config) SubleaderCount(clusterSize int) int {
	n := int(c.SubleaderRatio * float64(clusterSize))
	if n < 1 {
		n = 1
	}
	return n
}

// LeaderLease is the duration a leader tolerates without a majority ack
// before stepping down (supplemented feature, see SPEC_FULL.md).
func (c *Config) LeaderLease() time.Duration {
	lease := time.Duration(c.LeaderLeaseMultiple) * c.HeartbeatInterval
	if lease < c.LeaderLeaseMin {
		return c.LeaderLeaseMin
	}
	return lease
}
