// Classical Raft election path (spec §4.2): RequestVote handling,
// majority counting, and the AppendEntries receive side, all run from
// the single-writer driver instead of mutex-guarded goroutines.
package raft

import (
	"time"

	"sraft/internal/logstore"
	"sraft/internal/wire"
)

// onAppendEntries is the classical AppendEntries receive path (spec §4.2).
func (n *Node) onAppendEntries(m *wire.AppendEntries) {
	if m.Term < n.store.CurrentTerm() {
		n.replyAppendEntries(m, false)
		return
	}
	n.stepDownIfHigherTerm(m.Term)

	// A same-term AppendEntries proves someone else already won this
	// term's election: a Candidate must revert to Follower even though
	// the term itself did not increase (spec invariant 3, leaderId
	// non-none only while role=Follower).
	if n.role == Candidate {
		n.role = Follower
		n.promotionPending = false
		n.votesReceived = nil
		n.consecutiveElectionFailures = 0
		n.electionExtraDelay = 0
	}

	n.leaderID = m.SenderID
	n.hadLeaderBefore = true
	n.lastLeaderContact = time.Now()
	if m.SubLeaders != nil {
		n.knownSubleaders = m.SubLeaders
	}
	if n.subRole != SubNone && n.subleaderTerm != m.Term {
		n.subRole = SubNone
		n.subleaderTerm = 0
	}

	if m.PrevLogIndex > 0 {
		if m.PrevLogIndex > n.store.LastIndex() || n.store.TermAt(m.PrevLogIndex) != m.PrevLogTerm {
			n.rearm()
			n.replyAppendEntries(m, false)
			return
		}
	}

	if len(m.Entries) > 0 {
		entries := make([]logstore.Entry, len(m.Entries))
		for i, e := range m.Entries {
			entries[i] = logstore.Entry{Term: e.Term, Payload: e.Payload}
		}
		if err := n.store.Append(m.PrevLogIndex+1, entries); err != nil {
			n.fatal("append replicated entries", err)
			return
		}
	}

	lastNew := m.PrevLogIndex + uint64(len(m.Entries))
	newCommit := m.LeaderCommit
	if lastNew < newCommit {
		newCommit = lastNew
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
	}
	n.applyCommitted()

	n.rearm()
	n.replyAppendEntries(m, true)
}

func (n *Node) replyAppendEntries(m *wire.AppendEntries, success bool) {
	reply := &wire.AppendEntriesReply{
		Header:     wire.Header{Type: wire.AppendEntriesReplyType, Term: n.store.CurrentTerm(), SenderID: n.id},
		Success:    success,
		MatchIndex: n.store.LastIndex(),
		ProbeID:    m.ProbeID,
		SendTs:     m.SendTs,
	}
	n.tr.Send(m.SenderID, reply)
}

// onRequestVote is the classical RequestVote receive path (spec §4.2).
func (n *Node) onRequestVote(m *wire.RequestVote) {
	n.stepDownIfHigherTerm(m.Term)

	term := n.store.CurrentTerm()
	if m.Term < term {
		n.sendVoteReply(m.SenderID, term, false)
		return
	}

	votedFor := n.store.VotedFor()
	canVote := votedFor == noPeer || votedFor == m.SenderID
	upToDate := n.isUpToDate(m.LastLogTerm, m.LastLogIndex)

	if canVote && upToDate {
		if err := n.store.SetTermAndVote(term, m.SenderID); err != nil {
			n.fatal("persist vote", err)
			return
		}
		n.rearm()
		n.sendVoteReply(m.SenderID, term, true)
		return
	}
	n.sendVoteReply(m.SenderID, term, false)
}

func (n *Node) sendVoteReply(to int, term uint64, granted bool) {
	reply := &wire.RequestVoteReply{
		Header:      wire.Header{Type: wire.RequestVoteReplyType, Term: term, SenderID: n.id},
		VoteGranted: granted,
	}
	n.tr.Send(to, reply)
}

// startElection begins a classical candidacy: increment term, vote for
// self, broadcast RequestVote (spec §4.2 "Election start"). Repeated
// invocations (deadline expiry with no majority, so the node is already
// Candidate) apply the election backoff from SPEC_FULL.md #3.
func (n *Node) startElection() {
	if n.role == Candidate {
		n.consecutiveElectionFailures++
	}
	n.electionExtraDelay = n.backoffFor(n.consecutiveElectionFailures)

	term := n.store.CurrentTerm() + 1
	if err := n.store.SetTermAndVote(term, n.id); err != nil {
		n.fatal("persist candidacy", err)
		return
	}
	n.role = Candidate
	n.subRole = SubNone
	n.leaderID = noPeer
	n.votesReceived = map[int]bool{n.id: true}
	n.bumpEpoch()
	n.metrics.ElectionStarted(term)
	n.electionStart = time.Now()
	n.rearm()

	lastIndex, lastTerm := n.lastLogInfo()
	rv := &wire.RequestVote{
		Header:       wire.Header{Type: wire.RequestVoteType, Term: term, SenderID: n.id},
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.peerIDs() {
		n.tr.Send(peer, rv)
	}
}

// backoffFor implements the capped exponential election backoff from
// SPEC_FULL.md #3: no extra delay for the first two failures, then a
// doubling delay from the third failure onward, capped at
// Config.ElectionBackoffCap.
func (n *Node) backoffFor(failures int) time.Duration {
	const graceFailures = 3
	if failures < graceFailures {
		return 0
	}
	d := 100 * time.Millisecond * time.Duration(uint(1)<<uint(failures-graceFailures))
	if d > n.cfg.ElectionBackoffCap {
		return n.cfg.ElectionBackoffCap
	}
	return d
}

func (n *Node) onRequestVoteReply(m *wire.RequestVoteReply) {
	if n.stepDownIfHigherTerm(m.Term) {
		return
	}
	if n.role != Candidate || m.Term != n.store.CurrentTerm() || !m.VoteGranted {
		return
	}
	n.votesReceived[m.SenderID] = true
	if len(n.votesReceived) >= n.majority() {
		n.becomeLeaderByElection()
	}
}

// becomeLeaderByElection transitions a winning Candidate to Leader
// (spec §4.2 "on majority YES -> Leader").
func (n *Node) becomeLeaderByElection() {
	n.consecutiveElectionFailures = 0
	n.electionExtraDelay = 0
	n.enterLeader()
	n.metrics.ElectionWon(n.store.CurrentTerm(), time.Since(n.electionStart))
}

// enterLeader is the shared leader-entry bookkeeping used by both the
// classical and instant-promotion paths.
func (n *Node) enterLeader() {
	n.role = Leader
	n.subRole = SubNone
	n.leaderID = n.id
	n.hadLeaderBefore = true
	n.promotionPending = false
	n.votesReceived = nil
	n.bumpEpoch()

	lastIndex := n.store.LastIndex()
	n.nextIndex = make(map[int]uint64)
	n.matchIndex = make(map[int]uint64)
	n.rtt = make(map[int]*rttSample)
	n.outstandingProbes = make(map[uint64]probeRecord)
	n.subleaders = [2]int{noPeer, noPeer}
	n.subleadersReady = false
	n.heartbeatRounds = 0
	n.probeSeq = 0
	n.lastAckTime = make(map[int]time.Time)
	n.lastMajorityAck = time.Now()
	for _, p := range n.peerIDs() {
		n.nextIndex[p] = lastIndex + 1
		n.matchIndex[p] = 0
	}

	n.rearm()
	n.leaderTick()
}
