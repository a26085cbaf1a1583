package raft

import (
	"time"

	"github.com/sirupsen/logrus"
)

const statusLogInterval = 5 * time.Second

// logStatusIfDue emits the optional debug status line from inside the
// driver goroutine (SPEC_FULL.md #5), reading consensus state directly
// rather than through a second polling goroutine (spec §5: no locks on
// consensus state, single-writer only).
func (n *Node) logStatusIfDue() {
	if !n.cfg.Debug {
		return
	}
	now := time.Now()
	if now.Sub(n.lastStatusLog) < statusLogInterval {
		return
	}
	n.lastStatusLog = now
	n.log.WithFields(logrus.Fields{
		"role":        n.role.String(),
		"subRole":     n.subRole.String(),
		"term":        n.store.CurrentTerm(),
		"leaderId":    n.leaderID,
		"commitIndex": n.commitIndex,
		"lastIndex":   n.store.LastIndex(),
	}).Info("[Status]")
}

// intervalFor picks the randomized (or fixed) timeout for the node's
// current role/sub-role per the table in spec §4.1. The promotion
// deadline is a special case handled directly by rearm.
func (n *Node) intervalFor() time.Duration {
	switch {
	case n.role == Leader:
		return n.cfg.HeartbeatInterval
	case n.subRole == Primary:
		return n.randRange(n.cfg.PrimaryTimeoutMin, n.cfg.PrimaryTimeoutMax)
	case n.subRole == Secondary:
		return n.randRange(n.cfg.SecondaryTimeoutMin, n.cfg.SecondaryTimeoutMax)
	default: // plain Follower or Candidate
		d := n.randRange(n.cfg.FollowerTimeoutMin, n.cfg.FollowerTimeoutMax)
		return d + n.electionExtraDelay
	}
}

func (n *Node) randRange(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(n.rnd.Int63n(int64(span)))
}

// rearm resets the single scheduler timer to the interval appropriate
// for the node's current state, per spec §4.1's rearm triggers: role or
// sub-role change, valid AppendEntries from the current leader, a vote
// grant, or an explicit call from the raft core.
//
// A promotion deadline (spec §4.4 step 4) overrides the role-derived
// interval while promotionPending is set: it always uses the node's own
// Primary interval regardless of rank.
func (n *Node) rearm() {
	var d time.Duration
	if n.promotionPending {
		d = n.randRange(n.cfg.PrimaryTimeoutMin, n.cfg.PrimaryTimeoutMax)
	} else {
		d = n.intervalFor()
	}
	n.safeReset(d)
}

// safeReset stops the timer, draining a pending fire if one raced the
// stop, before resetting it. Because the driver is single-threaded and
// always performs this drain-then-reset sequence, a timer fire can never
// be observed for an interval that has since been superseded — the
// role-epoch counter (bumped on every transition) remains available for
// logging and tests but the safety property does not depend on matching
// it against the fire.
func (n *Node) safeReset(d time.Duration) {
	if !n.timer.Stop() {
		select {
		case <-n.timer.C:
		default:
		}
	}
	n.timer.Reset(d)
}

// onTimerFired dispatches the single scheduler deadline to whichever
// path is active: a pending instant-promotion deadline, a leader's
// heartbeat tick (plus lease check), or an election timeout for
// Follower/Candidate/sub-leader roles.
func (n *Node) onTimerFired() {
	n.logStatusIfDue()
	switch {
	case n.promotionPending:
		n.onPromotionTimeout()
	case n.role == Leader:
		n.leaderTick()
	case n.subRole == Primary || n.subRole == Secondary:
		n.startInstantPromotion()
	case n.inStartupGrace():
		// SPEC_FULL.md #1: a follower that has never observed a leader
		// suppresses election timeouts until the grace period elapses.
		n.rearm()
	default:
		n.startElection()
	}
}

func (n *Node) inStartupGrace() bool {
	return !n.hadLeaderBefore && time.Now().Before(n.startupDeadline)
}
