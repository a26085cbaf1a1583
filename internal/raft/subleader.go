// S-Raft sub-leader ranking and assignment (spec §4.3). Grounded on
// original_source/node.py's rank_subleaders (RTT-sorted top-two
// selection) and the broadcast loop in heartbeat.go, which this
// extends.
//
// Open question (spec §9, "sub-leader ranks beyond two"): this
// implementation hard-codes exactly two ranks, Primary and Secondary,
// matching the reference description; Config.SubleaderRatio still
// gates the *count* down to one rank for very small clusters, but no
// rank 2+ is ever assigned. See DESIGN.md for the full rationale.
package raft

import (
	"sort"
	"time"

	"sraft/internal/wire"
)

type rankedPeer struct {
	id         int
	estimateMs float64
}

// rerankSubleaders recomputes the Primary/Secondary assignment from
// rttEstimate (spec §4.3) and pushes SubLeaderAssign/Revoke for any
// change.
func (n *Node) rerankSubleaders() {
	candidates := n.freshRTTCandidates()
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].estimateMs != candidates[j].estimateMs {
			return candidates[i].estimateMs < candidates[j].estimateMs
		}
		return candidates[i].id < candidates[j].id
	})

	maxRanks := n.cfg.SubleaderCount(n.cluster.Size())
	if maxRanks > 2 {
		maxRanks = 2
	}

	next := [2]int{noPeer, noPeer}
	for i := 0; i < maxRanks && i < len(candidates); i++ {
		next[i] = candidates[i].id
	}

	if next == n.subleaders {
		n.subleadersReady = true
		return
	}

	term := n.store.CurrentTerm()
	for rank := 0; rank < 2; rank++ {
		old, now := n.subleaders[rank], next[rank]
		if old == now {
			continue
		}
		if old != noPeer && old != next[0] && old != next[1] {
			n.tr.Send(old, &wire.SubLeaderRevoke{Header: wire.Header{Type: wire.SubLeaderRevokeType, Term: term, SenderID: n.id}})
		}
		if now != noPeer {
			n.tr.Send(now, &wire.SubLeaderAssign{Header: wire.Header{Type: wire.SubLeaderAssignType, Term: term, SenderID: n.id}, Rank: rank})
			n.metrics.SubleaderAssigned(rank, now)
		}
	}
	n.subleaders = next
	n.subleadersReady = true
}

func (n *Node) freshRTTCandidates() []rankedPeer {
	now := time.Now()
	var out []rankedPeer
	for _, peer := range n.peerIDs() {
		s, ok := n.rtt[peer]
		if !ok || !s.hasSample {
			continue
		}
		if now.Sub(s.lastFresh) > n.cfg.RTTStale {
			continue
		}
		out = append(out, rankedPeer{id: peer, estimateMs: s.estimateMs})
	}
	return out
}

// onSubLeaderAssign is the follower-side accept path (spec §4.3): a node
// acts on it only if the term matches, the sender is the believed
// leader, the node is currently a plain Follower, and the S-Raft
// extension is enabled on this node.
func (n *Node) onSubLeaderAssign(m *wire.SubLeaderAssign) {
	if n.stepDownIfHigherTerm(m.Term) {
		return
	}
	if !n.cfg.EnableSubleader || m.Term != n.store.CurrentTerm() || m.SenderID != n.leaderID || n.role != Follower {
		return
	}
	n.subRole = rankFromInt(m.Rank)
	n.subleaderTerm = m.Term
	n.bumpEpoch()
	n.rearm()
}

func (n *Node) onSubLeaderRevoke(m *wire.SubLeaderRevoke) {
	if n.stepDownIfHigherTerm(m.Term) {
		return
	}
	if m.Term != n.store.CurrentTerm() || m.SenderID != n.leaderID || n.role != Follower {
		return
	}
	n.subRole = SubNone
	n.subleaderTerm = 0
	n.bumpEpoch()
	n.rearm()
}

func rankFromInt(rank int) SubRole {
	if rank == 0 {
		return Primary
	}
	return Secondary
}
