package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sraft/internal/wire"
)

func TestOnSubLeaderAssignRequiresRecognizedLeaderAndFollowerRole(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.leaderID = 1

	// Wrong sender: not the recorded leader.
	n.onSubLeaderAssign(&wire.SubLeaderAssign{
		Header: wire.Header{Type: wire.SubLeaderAssignType, Term: 0, SenderID: 2},
		Rank:   0,
	})
	require.Equal(t, SubNone, n.subRole)

	// Correct leader: accepted.
	n.onSubLeaderAssign(&wire.SubLeaderAssign{
		Header: wire.Header{Type: wire.SubLeaderAssignType, Term: 0, SenderID: 1},
		Rank:   1,
	})
	require.Equal(t, Secondary, n.subRole)
	require.Equal(t, uint64(0), n.subleaderTerm)
}

func TestOnSubLeaderAssignIgnoredWhenNotFollower(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.leaderID = 1
	n.role = Candidate

	n.onSubLeaderAssign(&wire.SubLeaderAssign{
		Header: wire.Header{Type: wire.SubLeaderAssignType, Term: 0, SenderID: 1},
		Rank:   0,
	})

	require.Equal(t, SubNone, n.subRole)
}

func TestOnSubLeaderRevokeClearsAssignment(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.leaderID = 1
	n.subRole = Primary
	n.subleaderTerm = n.store.CurrentTerm()

	n.onSubLeaderRevoke(&wire.SubLeaderRevoke{
		Header: wire.Header{Type: wire.SubLeaderRevokeType, Term: n.store.CurrentTerm(), SenderID: 1},
	})

	require.Equal(t, SubNone, n.subRole)
	require.Equal(t, uint64(0), n.subleaderTerm)
}

func TestRerankSubleadersDemotesPeerWithoutFreshSample(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.role = Leader
	n.subleaders = [2]int{1, 2}
	// Peer 1 no longer has a fresh sample; peer 2 does. With the default
	// ratio a 3-node cluster fills only one rank, so peer 2 moves into
	// rank 0, rank 1 is left empty, and peer 1 drops out.
	n.rtt = map[int]*rttSample{
		2: {estimateMs: 10, hasSample: true, lastFresh: time.Now()},
	}
	n.rerankSubleaders()

	require.Equal(t, [2]int{2, noPeer}, n.subleaders)
}
