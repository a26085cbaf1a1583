package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cluster resolves the fixed peer set and this node's id from address
// ordering, the way original_source/transport.py's addr_to_id map does:
// sort every node's address (self included) and take the index of the
// self address as the node id.
type Cluster struct {
	SelfAddr string
	Addrs    []string // sorted, includes self
}

// NewCluster builds a Cluster from a self address and a list of peer
// addresses (already split, as the --peers flag yields it), validating that every address is a well-formed host:port.
func NewCluster(selfAddr string, peerList []string) (*Cluster, error) {
	if err := validateAddr(selfAddr); err != nil {
		return nil, fmt.Errorf("config: self address: %w", err)
	}
	all := make([]string, 0, len(peerList)+1)
	seen := map[string]bool{selfAddr: true}
	all = append(all, selfAddr)
	for _, p := range peerList {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := validateAddr(p); err != nil {
			return nil, fmt.Errorf("config: malformed peer address %q: %w", p, err)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		all = append(all, p)
	}
	if len(all) < 3 {
		return nil, fmt.Errorf("config: cluster requires at least 3 distinct nodes, got %d", len(all))
	}
	sort.Strings(all)
	return &Cluster{SelfAddr: selfAddr, Addrs: all}, nil
}

func validateAddr(addr string) error {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("expected host:port, got %q", addr)
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return fmt.Errorf("expected numeric port, got %q", parts[1])
	}
	return nil
}

// Size returns the total number of nodes in the cluster.
func (c *Cluster) Size() int {
	return len(c.Addrs)
}

// SelfID is this node's inferred id.
func (c *Cluster) SelfID() int {
	for i, a := range c.Addrs {
		if a == c.SelfAddr {
			return i
		}
	}
	return -1
}

// PeerAddrs returns every address except self, in id order.
func (c *Cluster) PeerAddrs() []string {
	out := make([]string, 0, len(c.Addrs)-1)
	for _, a := range c.Addrs {
		if a != c.SelfAddr {
			out = append(out, a)
		}
	}
	return out
}

// AddrOf returns the address for a given node id.
func (c *Cluster) AddrOf(id int) string {
	if id < 0 || id >= len(c.Addrs) {
		return ""
	}
	return c.Addrs[id]
}

// IDOf returns the node id for a given address, or -1 if unknown.
func (c *Cluster) IDOf(addr string) int {
	for i, a := range c.Addrs {
		if a == addr {
			return i
		}
	}
	return -1
}
