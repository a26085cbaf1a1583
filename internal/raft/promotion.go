// S-Raft instant promotion (spec §4.4): the sub-leader fast failover
// path that bypasses a voting round in the common case. Grounded on
// original_source/node.py's start_instant_promotion/handle_promote_*
// state machine, expressed as driver event handlers instead of asyncio
// callbacks.
package raft

import (
	"time"

	"sraft/internal/wire"
)

// startInstantPromotion begins a sub-leader's fast-failover attempt
// (spec §4.4 steps 1-4): the deadline fired while the node believed
// itself Primary or Secondary for the current term.
func (n *Node) startInstantPromotion() {
	rank := n.subRole
	term := n.store.CurrentTerm() + 1
	if err := n.store.SetTermAndVote(term, n.id); err != nil {
		n.fatal("persist promotion candidacy", err)
		return
	}

	n.promotionPending = true
	n.promotionRank = rank
	n.promotionStart = time.Now()
	n.promotionAcks = map[int]bool{n.id: true}
	n.bumpEpoch()
	n.metrics.PromotionStarted(rankInt(rank))
	n.rearm()

	lastIndex, lastTerm := n.lastLogInfo()
	msg := &wire.PromoteLeader{
		Header:       wire.Header{Type: wire.PromoteLeaderType, Term: term, SenderID: n.id},
		Rank:         rankInt(rank),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.peerIDs() {
		n.tr.Send(peer, msg)
	}
}

// onPromoteLeader is the peer-side accept/reject path (spec §4.4).
func (n *Node) onPromoteLeader(m *wire.PromoteLeader) {
	term := n.store.CurrentTerm()

	eligibleTerm := m.Term > term || (m.Term == term && n.store.VotedFor() == noPeer && n.leaderID == noPeer)
	upToDate := n.isUpToDate(m.LastLogTerm, m.LastLogIndex)
	corroborated := n.wasRecentSubleaderOrLeaderSilent(m.SenderID)

	if !eligibleTerm || !upToDate || !corroborated {
		n.tr.Send(m.SenderID, &wire.PromoteAck{
			Header: wire.Header{Type: wire.PromoteAckType, Term: term, SenderID: n.id},
			Accept: false,
		})
		return
	}

	if err := n.store.SetTermAndVote(m.Term, m.SenderID); err != nil {
		n.fatal("persist promotion vote", err)
		return
	}
	n.role = Follower
	n.subRole = SubNone
	n.subleaderTerm = 0
	n.leaderID = m.SenderID
	n.hadLeaderBefore = true
	n.lastLeaderContact = time.Now()
	n.promotionPending = false
	n.bumpEpoch()
	n.rearm()

	n.tr.Send(m.SenderID, &wire.PromoteAck{
		Header: wire.Header{Type: wire.PromoteAckType, Term: m.Term, SenderID: n.id},
		Accept: true,
	})
}

// wasRecentSubleaderOrLeaderSilent implements spec §4.4's third
// acceptance clause: either the leader's gossiped rank assignment
// (SPEC_FULL.md, wire.AppendEntries.SubLeaders) named sender as a
// sub-leader of the peer's current term, or the peer's recorded leader
// has gone silent for at least the peer's own election interval.
func (n *Node) wasRecentSubleaderOrLeaderSilent(sender int) bool {
	if _, ok := n.knownSubleaders[sender]; ok {
		return true
	}
	if n.leaderID == noPeer {
		return true
	}
	return time.Since(n.lastLeaderContact) > n.cfg.FollowerTimeoutMax
}

// onPromoteAck accumulates PromoteAck(accept=true) toward the strict
// majority spec §4.4 requires on the promoter side.
func (n *Node) onPromoteAck(m *wire.PromoteAck) {
	if n.stepDownIfHigherTerm(m.Term) {
		return
	}
	if !n.promotionPending || m.Term != n.store.CurrentTerm() || !m.Accept {
		return
	}
	n.promotionAcks[m.SenderID] = true
	if len(n.promotionAcks) >= n.majority() {
		n.becomeLeaderByPromotion()
	}
}

// becomeLeaderByPromotion transitions a successful promoter to Leader
// (spec §4.4 "Promotion outcome").
func (n *Node) becomeLeaderByPromotion() {
	rank := n.promotionRank
	latency := time.Since(n.promotionStart)
	n.enterLeader()
	n.metrics.PromotionSucceeded(rankInt(rank), latency)
}

// onPromotionTimeout handles the promotion deadline firing without a
// majority: Primary's attempt simply ends; Secondary's failure falls
// back to classical candidacy on its own next deadline (spec §4.4).
func (n *Node) onPromotionTimeout() {
	rank := n.promotionRank
	n.promotionPending = false
	n.promotionAcks = nil
	n.subRole = SubNone
	n.subleaderTerm = 0
	n.bumpEpoch()
	n.metrics.PromotionFailed(rankInt(rank), "deadline expired without majority")
	n.rearm()
}

func rankInt(r SubRole) int {
	if r == Primary {
		return 0
	}
	return 1
}
