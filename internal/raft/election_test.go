package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sraft/internal/logstore"
	"sraft/internal/wire"
)

func TestOnAppendEntriesRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	require.NoError(t, n.store.SetTermAndVote(5, noPeer))

	n.onAppendEntries(&wire.AppendEntries{
		Header: wire.Header{Type: wire.AppendEntriesType, Term: 3, SenderID: 1},
	})

	require.Equal(t, noPeer, n.leaderID)
}

func TestOnAppendEntriesRejectsOnPrevLogMismatch(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	require.NoError(t, n.store.Append(1, []logstore.Entry{{Term: 1, Payload: []byte("a")}}))

	n.onAppendEntries(&wire.AppendEntries{
		Header:       wire.Header{Type: wire.AppendEntriesType, Term: 1, SenderID: 1},
		PrevLogIndex: 1,
		PrevLogTerm:  9, // does not match the term (1) actually stored at index 1
	})

	// Leader bookkeeping is still updated (contact was real) but the log
	// itself must be untouched.
	require.Equal(t, uint64(1), n.store.LastIndex())
	require.Equal(t, 1, n.leaderID)
}

func TestOnAppendEntriesAppendsAndAdvancesCommit(t *testing.T) {
	n := newTestNode(t, 0, testConfig())

	n.onAppendEntries(&wire.AppendEntries{
		Header:       wire.Header{Type: wire.AppendEntriesType, Term: 1, SenderID: 1},
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []wire.LogEntry{
			{Term: 1, Payload: []byte("a")},
			{Term: 1, Payload: []byte("b")},
		},
		LeaderCommit: 1,
	})

	require.Equal(t, uint64(2), n.store.LastIndex())
	require.Equal(t, uint64(1), n.commitIndex)
	require.Equal(t, 1, n.leaderID)
	require.True(t, n.hadLeaderBefore)
}

func TestOnAppendEntriesStepsDownLosingCandidateSameTerm(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.startElection()
	term := n.store.CurrentTerm()
	require.Equal(t, Candidate, n.role)

	// A same-term AppendEntries from the election's actual winner: no
	// term bump, but the loser must still fall back to Follower.
	n.onAppendEntries(&wire.AppendEntries{
		Header: wire.Header{Type: wire.AppendEntriesType, Term: term, SenderID: 1},
	})

	require.Equal(t, Follower, n.role)
	require.Equal(t, 1, n.leaderID)
	require.Equal(t, term, n.store.CurrentTerm())
}

func TestOnAppendEntriesGossipUpdatesKnownSubleaders(t *testing.T) {
	n := newTestNode(t, 0, testConfig())

	n.onAppendEntries(&wire.AppendEntries{
		Header:     wire.Header{Type: wire.AppendEntriesType, Term: 1, SenderID: 1},
		SubLeaders: map[int]int{2: 0},
	})

	require.Equal(t, map[int]int{2: 0}, n.knownSubleaders)
}

func TestOnAppendEntriesClearsStaleSubRole(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	require.NoError(t, n.store.SetTermAndVote(2, noPeer))
	n.subRole = Primary
	n.subleaderTerm = 1 // stale: assigned for an earlier term than the heartbeat

	// Same-term heartbeat, so no step-down occurs; the assignment is
	// invalidated solely because it does not match this term.
	n.onAppendEntries(&wire.AppendEntries{
		Header: wire.Header{Type: wire.AppendEntriesType, Term: 2, SenderID: 1},
	})

	require.Equal(t, SubNone, n.subRole)
	require.Equal(t, uint64(0), n.subleaderTerm)
}

func TestStartElectionIncrementsTermAndVotesSelf(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	before := n.store.CurrentTerm()

	n.startElection()

	require.Equal(t, before+1, n.store.CurrentTerm())
	require.Equal(t, Candidate, n.role)
	require.Equal(t, n.id, n.store.VotedFor())
	require.True(t, n.votesReceived[n.id])
}

func TestStartElectionAppliesBackoffOnRepeatedFailure(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.startElection()
	require.Equal(t, time.Duration(0), n.electionExtraDelay)

	for i := 0; i < 2; i++ {
		n.startElection()
	}
	require.Equal(t, time.Duration(0), n.electionExtraDelay)

	n.startElection()
	require.Equal(t, 100*time.Millisecond, n.electionExtraDelay)
}

func TestOnRequestVoteReplyBecomesLeaderOnMajority(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.startElection()
	term := n.store.CurrentTerm()

	n.onRequestVoteReply(&wire.RequestVoteReply{
		Header:      wire.Header{Type: wire.RequestVoteReplyType, Term: term, SenderID: 1},
		VoteGranted: true,
	})

	require.Equal(t, Leader, n.role)
	require.Equal(t, n.id, n.leaderID)
}

func TestOnRequestVoteReplyIgnoresStaleTerm(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.startElection()
	stale := n.store.CurrentTerm() - 1

	n.onRequestVoteReply(&wire.RequestVoteReply{
		Header:      wire.Header{Type: wire.RequestVoteReplyType, Term: stale, SenderID: 1},
		VoteGranted: true,
	})

	require.Equal(t, Candidate, n.role)
}

func TestEnterLeaderResetsPerPeerState(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	require.NoError(t, n.store.Append(1, []logstore.Entry{{Term: 1, Payload: []byte("a")}}))

	n.enterLeader()

	require.Equal(t, Leader, n.role)
	for _, p := range n.peerIDs() {
		require.Equal(t, uint64(2), n.nextIndex[p])
		require.Equal(t, uint64(0), n.matchIndex[p])
	}
	require.Equal(t, [2]int{noPeer, noPeer}, n.subleaders)
}
