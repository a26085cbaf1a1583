// Leader duties: heartbeat broadcast, replication, the current-term
// commit rule, and the leader-lease step-down guard. Grounded on the
// teacher's raft/heartbeat.go (periodic broadcast + matchIndex-majority
// commit loop), extended with the RTT sampling spec §4.3 requires.
package raft

import (
	"sort"
	"time"

	"sraft/internal/wire"
)

// leaderTick is called on every heartbeat-interval timer fire while
// Leader: it broadcasts AppendEntries (carrying any pending entries) to
// every peer, checks the leader lease, and every K=5 rounds re-ranks
// sub-leaders.
func (n *Node) leaderTick() {
	if n.checkLeaderLease() {
		return
	}

	n.heartbeatRounds++
	n.probeSeq++
	probeID := n.probeSeq
	now := time.Now()

	for _, peer := range n.peerIDs() {
		n.sendAppendEntries(peer, probeID, now)
	}
	n.outstandingProbes[probeID] = probeRecord{probeID: probeID, term: n.store.CurrentTerm(), sentAt: now}
	n.pruneStaleProbes(now)

	if n.cfg.EnableSubleader && n.heartbeatRounds%subleaderRerankRounds == 0 {
		n.rerankSubleaders()
	}

	n.rearm()
}

const subleaderRerankRounds = 5

// gossipSubleaders returns the leader's current rank assignment for
// piggy-backing on every heartbeat (see wire.AppendEntries.SubLeaders).
func (n *Node) gossipSubleaders() map[int]int {
	if !n.cfg.EnableSubleader {
		return nil
	}
	out := make(map[int]int, 2)
	for rank, id := range n.subleaders {
		if id != noPeer {
			out[id] = rank
		}
	}
	return out
}

func (n *Node) sendAppendEntries(peer int, probeID uint64, sendTs time.Time) {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := n.store.TermAt(prevIndex)

	var wireEntries []wire.LogEntry
	entries := n.store.Entries()
	for i := prevIndex; i < uint64(len(entries)); i++ {
		e := entries[i]
		wireEntries = append(wireEntries, wire.LogEntry{Term: e.Term, Payload: e.Payload})
	}

	msg := &wire.AppendEntries{
		Header:       wire.Header{Type: wire.AppendEntriesType, Term: n.store.CurrentTerm(), SenderID: n.id},
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      wireEntries,
		LeaderCommit: n.commitIndex,
		ProbeID:      probeID,
		SendTs:       sendTs.UnixNano(),
		SubLeaders:   n.gossipSubleaders(),
	}
	n.tr.Send(peer, msg)
}

// pruneStaleProbes drops outstanding probes old enough that no reply is
// still in flight, bounding outstandingProbes' size on a long-lived
// leader.
func (n *Node) pruneStaleProbes(now time.Time) {
	for id, p := range n.outstandingProbes {
		if now.Sub(p.sentAt) > 10*n.cfg.HeartbeatInterval {
			delete(n.outstandingProbes, id)
		}
	}
}

// onAppendEntriesReply advances nextIndex/matchIndex, applies the
// current-term commit rule (spec §4.2), and turns a fresh probe echo
// into an RTT sample (spec §4.3).
func (n *Node) onAppendEntriesReply(m *wire.AppendEntriesReply) {
	if n.stepDownIfHigherTerm(m.Term) {
		return
	}
	if n.role != Leader || m.Term != n.store.CurrentTerm() {
		return
	}

	n.lastAckTime[m.SenderID] = time.Now()
	if n.countRecentAcks() >= n.majority() {
		n.lastMajorityAck = time.Now()
	}

	if m.Success {
		if m.MatchIndex > n.matchIndex[m.SenderID] {
			n.matchIndex[m.SenderID] = m.MatchIndex
		}
		n.nextIndex[m.SenderID] = m.MatchIndex + 1
		n.advanceCommitIndex()
	} else if n.nextIndex[m.SenderID] > 1 {
		n.nextIndex[m.SenderID]--
	}

	n.recordRTTSample(m)
}

// advanceCommitIndex implements spec §4.2's current-term commit rule: a
// log index is committed when a majority of matchIndex values are >= it
// AND the entry's term equals currentTerm.
func (n *Node) advanceCommitIndex() {
	matches := make([]uint64, 0, len(n.matchIndex)+1)
	matches = append(matches, n.store.LastIndex()) // self
	for _, idx := range n.matchIndex {
		matches = append(matches, idx)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	candidate := matches[n.majority()-1]
	if candidate > n.commitIndex && n.store.TermAt(candidate) == n.store.CurrentTerm() {
		n.commitIndex = candidate
		n.applyCommitted()
	}
}

// recordRTTSample updates rttEstimate[peer] from a fresh probe echo,
// discarding replies whose probe id or term does not match the
// outstanding probe (spec §4.3: "Samples with reply term != probe term
// are discarded").
func (n *Node) recordRTTSample(m *wire.AppendEntriesReply) {
	probe, ok := n.outstandingProbes[m.ProbeID]
	if !ok || probe.term != m.Term {
		return
	}
	sample := time.Since(time.Unix(0, m.SendTs))

	rtt, ok := n.rtt[m.SenderID]
	if !ok {
		rtt = &rttSample{}
		n.rtt[m.SenderID] = rtt
	}
	ms := float64(sample.Microseconds()) / 1000
	if !rtt.hasSample {
		rtt.estimateMs = ms
		rtt.hasSample = true
	} else {
		rtt.estimateMs = n.cfg.RTTEWMAAlpha*ms + (1-n.cfg.RTTEWMAAlpha)*rtt.estimateMs
	}
	rtt.lastFresh = time.Now()
	n.metrics.HeartbeatRTT(m.SenderID, sample)
}

// countRecentAcks counts self plus every peer whose most recent
// AppendEntriesReply arrived within the leader lease window.
func (n *Node) countRecentAcks() int {
	count := 1 // self
	window := n.cfg.LeaderLease()
	now := time.Now()
	for _, t := range n.lastAckTime {
		if now.Sub(t) <= window {
			count++
		}
	}
	return count
}

// checkLeaderLease steps the leader down if it has gone without a
// majority AppendEntries ack for longer than Config.LeaderLease()
// (SPEC_FULL.md #2). Returns true if it stepped down.
func (n *Node) checkLeaderLease() bool {
	if time.Since(n.lastMajorityAck) <= n.cfg.LeaderLease() {
		return false
	}
	n.stepDown("leader lease expired without majority ack")
	return true
}
