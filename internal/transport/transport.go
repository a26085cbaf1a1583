// Package transport is the per-peer TCP transport adapter (spec §2, §5):
// it maintains one long-lived connection per peer, delivers inbound
// frames to the node in per-peer send order, and never blocks the
// driver on a slow or dead peer. Grounded on
// original_source/transport.py's TCPTransport (persistent connection
// pool, background accept loop, best-effort reconnect), with one client
// stub per peer the way an rpc client package structures it.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sraft/internal/wire"
)

// outboxCapacity bounds the per-peer send queue. A full queue causes new
// sends to be dropped rather than block the driver (spec §5).
const outboxCapacity = 64

const maxReconnectBackoff = 5 * time.Second

// Inbound pairs a decoded message with the peer id the sender claims to
// be (self-declared in every message's SenderID field).
type Inbound struct {
	From int
	Msg  any
}

// Transport owns the listener and one sender/reader pair per peer.
type Transport struct {
	selfID int
	addrs  []string // index == node id

	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	listener net.Listener
	inbox    chan Inbound

	mu       sync.Mutex
	outboxes map[int]chan []byte
	alive    map[int]bool
}

// New starts listening on addrs[selfID] and spawns a sender/dialer
// goroutine for every other peer plus the inbound accept loop.
func New(selfID int, addrs []string, log *logrus.Entry) (*Transport, error) {
	if selfID < 0 || selfID >= len(addrs) {
		return nil, fmt.Errorf("transport: selfID %d out of range for %d addrs", selfID, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[selfID])
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addrs[selfID], err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &Transport{
		selfID:   selfID,
		addrs:    addrs,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		listener: ln,
		inbox:    make(chan Inbound, 256),
		outboxes: make(map[int]chan []byte),
		alive:    make(map[int]bool),
	}

	group.Go(t.acceptLoop)
	for id := range addrs {
		if id == selfID {
			continue
		}
		id := id
		outbox := make(chan []byte, outboxCapacity)
		t.outboxes[id] = outbox
		group.Go(func() error { return t.dialAndSend(id, outbox) })
	}
	return t, nil
}

// Inbox returns the channel of decoded inbound messages.
func (t *Transport) Inbox() <-chan Inbound {
	return t.inbox
}

// Send encodes msg and enqueues it for peerID without blocking; if the
// peer's outbound queue is full the frame is dropped (spec §5 — heartbeats
// are idempotent, AppendEntries retried on the next cadence).
func (t *Transport) Send(peerID int, msg any) {
	if peerID == t.selfID {
		hdr := wire.HeaderOf(msg)
		select {
		case t.inbox <- Inbound{From: hdr.SenderID, Msg: msg}:
		default:
			t.log.Debug("transport: inbox full, dropping self-addressed frame")
		}
		return
	}
	t.mu.Lock()
	outbox, ok := t.outboxes[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		t.log.WithError(err).Warn("transport: failed to encode outbound message")
		return
	}
	select {
	case outbox <- frame:
	default:
		t.log.WithField("peer", peerID).Debug("transport: outbound queue full, dropping frame")
	}
}

// IsAlive reports whether the last dial/write to peerID succeeded.
func (t *Transport) IsAlive(peerID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive[peerID]
}

func (t *Transport) setAlive(peerID int, alive bool) {
	t.mu.Lock()
	t.alive[peerID] = alive
	t.mu.Unlock()
}

// acceptLoop accepts inbound connections and spawns one reader goroutine
// per accepted connection.
func (t *Transport) acceptLoop() error {
	go func() {
		<-t.ctx.Done()
		t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			t.log.WithError(err).Warn("transport: accept error")
			continue
		}
		t.group.Go(func() error { return t.readLoop(conn) })
	}
}

func (t *Transport) readLoop(conn net.Conn) error {
	defer conn.Close()
	go func() {
		<-t.ctx.Done()
		conn.Close()
	}()
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			return nil // peer disconnected or sent garbage; drop silently (spec §7)
		}
		msg, err := wire.Decode(body)
		if err != nil {
			t.log.WithError(err).Debug("transport: dropping malformed frame")
			continue
		}
		hdr := wire.HeaderOf(msg)
		select {
		case t.inbox <- Inbound{From: hdr.SenderID, Msg: msg}:
		case <-t.ctx.Done():
			return nil
		}
	}
}

// dialAndSend owns one peer's outbound connection lifetime: it reconnects
// with capped exponential backoff and drains the outbox onto whatever
// connection is currently live (spec §7: transient network errors are
// never fatal).
func (t *Transport) dialAndSend(peerID int, outbox <-chan []byte) error {
	addr := t.addrs[peerID]
	backoff := 100 * time.Millisecond

	for {
		if t.ctx.Err() != nil {
			return nil
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			t.setAlive(peerID, false)
			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond
		t.setAlive(peerID, true)
		t.drainOnto(conn, outbox)
		conn.Close()
		t.setAlive(peerID, false)
	}
}

// drainOnto writes queued frames to conn until a write fails or the
// context is cancelled, then returns so the caller reconnects.
func (t *Transport) drainOnto(conn net.Conn, outbox <-chan []byte) {
	for {
		select {
		case frame := <-outbox:
			if _, err := conn.Write(frame); err != nil {
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// Close stops the accept loop and every peer goroutine, waiting for them
// to exit.
func (t *Transport) Close() error {
	t.cancel()
	t.listener.Close()
	return t.group.Wait()
}
