// Package raft implements the S-Raft per-node consensus engine: the role
// scheduler (§4.1), the classical Raft core (§4.2), the S-Raft sub-leader
// and instant-promotion extension (§4.3, §4.4), and the single-writer
// driver loop that serializes every state transition (§5).
//
// node.go holds the struct and small accessors, election.go and
// heartbeat.go hold the classical Raft paths, subleader.go and
// promotion.go implement the S-Raft extension, and this file's Run
// method is the single serialized event loop that owns every state
// transition (spec §9) instead of mutex-guarded goroutines.
package raft

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"sraft/internal/config"
	"sraft/internal/logstore"
	"sraft/internal/metrics"
	"sraft/internal/transport"
	"sraft/internal/wire"
)

// Role is the primary Raft role (spec §3.2).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// SubRole is the orthogonal S-Raft sub-leader rank (spec §3.2).
type SubRole int

const (
	SubNone SubRole = iota
	Primary
	Secondary
)

func (s SubRole) String() string {
	switch s {
	case Primary:
		return "Primary"
	case Secondary:
		return "Secondary"
	default:
		return "None"
	}
}

const noPeer = -1

// StateMachine is the opaque application the committed log is replayed
// into; the log's payload bytes are meaningless to this package (spec
// §1 Non-goals: "the log is opaque to this spec").
type StateMachine interface {
	Apply(payload []byte)
}

// rttSample tracks one peer's EWMA round-trip estimate (spec §3.3).
type rttSample struct {
	estimateMs float64
	lastFresh  time.Time
	hasSample  bool
}

// Node is the single-writer consensus agent for one cluster member. All
// fields below are touched only from the driver goroutine started by
// Run; the sole exception is the underlying transport and logstore,
// which are safe for concurrent use by design.
type Node struct {
	id      int
	cluster *config.Cluster
	cfg     *config.Config
	store   logstore.State
	tr      *transport.Transport
	metrics *metrics.Sink
	sm      StateMachine
	log     *logrus.Entry
	rnd     *rand.Rand

	// --- volatile state, all nodes (spec §3.2) ---
	role        Role
	subRole     SubRole
	leaderID    int
	commitIndex uint64
	lastApplied uint64

	// hadLeaderBefore + startup grace suppress election timeouts while a
	// freshly started follower is still connecting (SPEC_FULL.md #1).
	hadLeaderBefore   bool
	startupDeadline   time.Time
	lastLeaderContact time.Time

	// knownSubleaders mirrors the current leader's gossiped rank
	// assignment (node id -> rank), learned passively from
	// AppendEntries.SubLeaders; used to corroborate a PromoteLeader
	// sender's claimed rank (spec §4.4).
	knownSubleaders map[int]int

	// --- volatile state, leader only (spec §3.3) ---
	nextIndex         map[int]uint64
	matchIndex        map[int]uint64
	rtt               map[int]*rttSample
	subleaders        [2]int // [primary, secondary], noPeer if unset
	subleadersReady   bool
	heartbeatRounds   int
	probeSeq          uint64
	outstandingProbes map[uint64]probeRecord
	lastMajorityAck   time.Time
	lastAckTime       map[int]time.Time

	// --- volatile state, sub-leader only (spec §3.4) ---
	subleaderTerm uint64

	// --- classical election bookkeeping ---
	votesReceived               map[int]bool
	electionStart               time.Time
	consecutiveElectionFailures int
	electionExtraDelay          time.Duration

	// --- instant promotion bookkeeping (spec §4.4) ---
	promotionPending bool
	promotionRank    SubRole
	promotionStart   time.Time
	promotionAcks    map[int]bool

	// --- role scheduler (spec §4.1, §5) ---
	timer     *time.Timer
	roleEpoch uint64

	// lastStatusLog throttles the debug status line emitted from inside
	// the driver loop (SPEC_FULL.md #5); it is never touched outside Run.
	lastStatusLog time.Time

	closed bool
}

// probeRecord remembers when an outstanding AppendEntries probe was sent
// so a matching reply can be turned into an RTT sample (spec §4.3).
type probeRecord struct {
	probeID uint64
	term    uint64
	sentAt  time.Time
}

// New builds a Node bound to its own persistent store, transport, and
// metrics sink. It does not start the driver loop; call Run for that.
func New(cluster *config.Cluster, cfg *config.Config, store logstore.State, tr *transport.Transport, sink *metrics.Sink, sm StateMachine, log *logrus.Entry) *Node {
	// Mode selector (spec §4.5): Original Raft disables the whole S-Raft
	// extension on this node regardless of the subleader-ratio knob.
	if cfg.OriginalRaft {
		effective := *cfg
		effective.EnableSubleader = false
		cfg = &effective
	}
	n := &Node{
		id:      cluster.SelfID(),
		cluster: cluster,
		cfg:     cfg,
		store:   store,
		tr:      tr,
		metrics: sink,
		sm:      sm,
		log:     log,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(cluster.SelfID()))),

		role:            Follower,
		subRole:         SubNone,
		leaderID:        noPeer,
		hadLeaderBefore: false,
		startupDeadline: time.Now().Add(cfg.StartupGrace),

		subleaders: [2]int{noPeer, noPeer},
		timer:      time.NewTimer(time.Hour),
	}
	n.rearm()
	return n
}

// Run drains the transport inbox and the role-scheduler timer until ctx
// is cancelled. All consensus state is touched only from this goroutine
// (spec §5).
func (n *Node) Run(ctx context.Context) error {
	defer n.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			n.closed = true
			return ctx.Err()
		case in := <-n.tr.Inbox():
			n.dispatch(in)
		case <-n.timer.C:
			n.onTimerFired()
		}
	}
}

// dispatch is the tagged-union handler switch spec §9 calls for.
func (n *Node) dispatch(in transport.Inbound) {
	switch m := in.Msg.(type) {
	case *wire.AppendEntries:
		n.onAppendEntries(m)
	case *wire.AppendEntriesReply:
		n.onAppendEntriesReply(m)
	case *wire.RequestVote:
		n.onRequestVote(m)
	case *wire.RequestVoteReply:
		n.onRequestVoteReply(m)
	case *wire.SubLeaderAssign:
		n.onSubLeaderAssign(m)
	case *wire.SubLeaderRevoke:
		n.onSubLeaderRevoke(m)
	case *wire.PromoteLeader:
		n.onPromoteLeader(m)
	case *wire.PromoteAck:
		n.onPromoteAck(m)
	default:
		n.log.Warnf("raft: dropping frame of unrecognized type %T", m)
	}
}

// stepDownIfHigherTerm implements the shared rule from spec §6.1: any
// message carrying a higher term forces the receiver to adopt it and
// revert to Follower before the message's semantic content is handled.
// It returns true if a step-down happened.
func (n *Node) stepDownIfHigherTerm(term uint64) bool {
	if term <= n.store.CurrentTerm() {
		return false
	}
	n.adoptTerm(term)
	n.stepDown("higher term observed")
	return true
}

// adoptTerm persists the new term with no vote cast yet.
func (n *Node) adoptTerm(term uint64) {
	if err := n.store.SetTermAndVote(term, noPeer); err != nil {
		n.fatal("persist term", err)
	}
}

// stepDown reverts to plain Follower, clearing every S-Raft assignment
// and instant-promotion bookkeeping (spec §4.2, invariant 4/5).
func (n *Node) stepDown(reason string) {
	wasLeaderOrCandidate := n.role != Follower
	n.role = Follower
	n.subRole = SubNone
	n.subleaderTerm = 0
	n.leaderID = noPeer
	n.promotionPending = false
	n.promotionAcks = nil
	n.votesReceived = nil
	n.consecutiveElectionFailures = 0
	n.electionExtraDelay = 0
	n.bumpEpoch()
	n.rearm()
	if wasLeaderOrCandidate {
		n.metrics.StepDown(reason)
		n.log.WithField("reason", reason).Info("raft: stepping down to Follower")
	}
}

func (n *Node) bumpEpoch() {
	n.roleEpoch++
}

// fatal reports a log-store failure and aborts the process per spec §4.6
// / §7 ("Log persistence failure: fatal; the node exits").
func (n *Node) fatal(op string, err error) {
	n.log.WithError(err).Fatalf("raft: fatal log-store error during %s", op)
}

// lastLogInfo returns (lastLogIndex, lastLogTerm) per spec §3.1.
func (n *Node) lastLogInfo() (uint64, uint64) {
	return n.store.LastIndex(), n.store.LastTerm()
}

// isUpToDate implements the shared "at least as up-to-date" predicate
// used by both RequestVote and PromoteLeader acceptance (spec §4.2,
// §4.4).
func (n *Node) isUpToDate(candidateLastTerm, candidateLastIndex uint64) bool {
	myIndex, myTerm := n.lastLogInfo()
	if candidateLastTerm != myTerm {
		return candidateLastTerm > myTerm
	}
	return candidateLastIndex >= myIndex
}

func (n *Node) majority() int {
	return n.cluster.Size()/2 + 1
}

func (n *Node) peerIDs() []int {
	ids := make([]int, 0, n.cluster.Size()-1)
	for i := 0; i < n.cluster.Size(); i++ {
		if i != n.id {
			ids = append(ids, i)
		}
	}
	return ids
}

// Propose appends a new entry to the leader's log. It is a no-op
// returning ok=false on any non-leader node; the log itself is opaque
// (spec §1 Non-goals), so payload is passed through unexamined.
func (n *Node) Propose(payload []byte) (index uint64, term uint64, ok bool) {
	if n.role != Leader {
		return 0, 0, false
	}
	term = n.store.CurrentTerm()
	index = n.store.LastIndex() + 1
	if err := n.store.Append(index, []logstore.Entry{{Term: term, Payload: payload}}); err != nil {
		n.fatal("append proposed entry", err)
		return 0, 0, false
	}
	return index, term, true
}

// State is a read-only snapshot of the node's role, term and log
// position. The debug status line (SPEC_FULL.md #5) reads the same
// fields directly rather than through Snapshot.
type State struct {
	ID          int
	Role        Role
	SubRole     SubRole
	Term        uint64
	LeaderID    int
	CommitIndex uint64
	LastIndex   uint64
}

func (n *Node) Snapshot() State {
	return State{
		ID:          n.id,
		Role:        n.role,
		SubRole:     n.subRole,
		Term:        n.store.CurrentTerm(),
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastIndex:   n.store.LastIndex(),
	}
}
