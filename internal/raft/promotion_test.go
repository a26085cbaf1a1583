package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sraft/internal/wire"
)

func TestWasRecentSubleaderOrLeaderSilent(t *testing.T) {
	n := newTestNode(t, 0, testConfig())

	// No leader recorded at all: trivially "silent".
	n.leaderID = noPeer
	require.True(t, n.wasRecentSubleaderOrLeaderSilent(1))

	// A live leader, sender not a known sub-leader: not corroborated.
	n.leaderID = 2
	n.lastLeaderContact = time.Now()
	n.knownSubleaders = map[int]int{}
	require.False(t, n.wasRecentSubleaderOrLeaderSilent(1))

	// Sender is a gossiped sub-leader: corroborated regardless of leader
	// freshness.
	n.knownSubleaders = map[int]int{1: 0}
	require.True(t, n.wasRecentSubleaderOrLeaderSilent(1))

	// No gossip, but the recorded leader has gone silent past the
	// follower election window.
	n.knownSubleaders = map[int]int{}
	n.cfg.FollowerTimeoutMax = time.Millisecond
	n.lastLeaderContact = time.Now().Add(-time.Hour)
	require.True(t, n.wasRecentSubleaderOrLeaderSilent(1))
}

func TestOnPromoteAckReachesMajorityAndBecomesLeader(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.subRole = Primary
	n.subleaderTerm = n.store.CurrentTerm()
	n.startInstantPromotion()

	term := n.store.CurrentTerm()
	require.True(t, n.promotionPending)

	n.onPromoteAck(&wire.PromoteAck{Header: wire.Header{Type: wire.PromoteAckType, Term: term, SenderID: 1}, Accept: true})

	require.Equal(t, Leader, n.role)
	require.False(t, n.promotionPending)
}

func TestOnPromoteAckHigherTermStepsDown(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.subRole = Secondary
	n.subleaderTerm = n.store.CurrentTerm()
	n.startInstantPromotion()

	higher := n.store.CurrentTerm() + 5
	n.onPromoteAck(&wire.PromoteAck{Header: wire.Header{Type: wire.PromoteAckType, Term: higher, SenderID: 1}, Accept: false})

	require.Equal(t, Follower, n.role)
	require.False(t, n.promotionPending)
	require.Equal(t, higher, n.store.CurrentTerm())
}

func TestOnPromotionTimeoutFallsBackToPlainFollower(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.subRole = Secondary
	n.subleaderTerm = n.store.CurrentTerm()
	n.startInstantPromotion()

	n.onPromotionTimeout()

	require.False(t, n.promotionPending)
	require.Equal(t, SubNone, n.subRole)
}

func TestOnPromoteLeaderRejectsWhenNotCorroborated(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.leaderID = 2
	n.lastLeaderContact = time.Now()
	n.knownSubleaders = map[int]int{}

	before := n.store.CurrentTerm()
	n.onPromoteLeader(&wire.PromoteLeader{
		Header: wire.Header{Type: wire.PromoteLeaderType, Term: before + 1, SenderID: 1},
		Rank:   0,
	})

	// Rejected: term/vote must not change.
	require.Equal(t, before, n.store.CurrentTerm())
	require.Equal(t, noPeer, n.store.VotedFor())
}

func TestOnPromoteLeaderAcceptsWhenCorroborated(t *testing.T) {
	n := newTestNode(t, 0, testConfig())
	n.leaderID = 2
	n.lastLeaderContact = time.Now()
	n.knownSubleaders = map[int]int{1: 0}

	newTerm := n.store.CurrentTerm() + 1
	n.onPromoteLeader(&wire.PromoteLeader{
		Header: wire.Header{Type: wire.PromoteLeaderType, Term: newTerm, SenderID: 1},
		Rank:   0,
	})

	require.Equal(t, newTerm, n.store.CurrentTerm())
	require.Equal(t, 1, n.store.VotedFor())
	require.Equal(t, 1, n.leaderID)
}
