package transport

import (
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sraft/internal/wire"
)

func freePort() int {
	return 39000 + int(time.Now().UnixNano()%1000)
}

func TestTransportDeliversAcrossPeers(t *testing.T) {
	logger := logrus.NewEntry(logrus.New())
	base := freePort()

	addrA := "127.0.0.1:" + strconv.Itoa(base)
	addrB := "127.0.0.1:" + strconv.Itoa(base+1)
	all := []string{addrA, addrB, "127.0.0.1:" + strconv.Itoa(base+2)}

	tA, err := New(0, all, logger)
	require.NoError(t, err)
	defer tA.Close()

	tB, err := New(1, all, logger)
	require.NoError(t, err)
	defer tB.Close()

	msg := &wire.RequestVote{
		Header:       wire.Header{Type: wire.RequestVoteType, Term: 1, SenderID: 0},
		LastLogIndex: 0, LastLogTerm: 0,
	}

	require.Eventually(t, func() bool {
		tA.Send(1, msg)
		select {
		case in := <-tB.Inbox():
			rv, ok := in.Msg.(*wire.RequestVote)
			return ok && rv.Term == 1 && in.From == 0
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSendToSelfLoopsBack(t *testing.T) {
	logger := logrus.NewEntry(logrus.New())
	base := freePort()
	addrs := []string{
		"127.0.0.1:" + strconv.Itoa(base),
		"127.0.0.1:" + strconv.Itoa(base+1),
		"127.0.0.1:" + strconv.Itoa(base+2),
	}

	tr, err := New(0, addrs, logger)
	require.NoError(t, err)
	defer tr.Close()

	msg := &wire.RequestVoteReply{Header: wire.Header{Type: wire.RequestVoteReplyType, Term: 1, SenderID: 0}, VoteGranted: true}
	tr.Send(0, msg)

	select {
	case in := <-tr.Inbox():
		reply, ok := in.Msg.(*wire.RequestVoteReply)
		require.True(t, ok)
		require.True(t, reply.VoteGranted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for self-loop delivery")
	}
}
