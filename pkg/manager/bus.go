package manager

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/messaging"
	"github.com/rs/zerolog"
)

// Envelope classes the cluster bus recognizes. Anything else reaching
// dispatch is silently dropped rather than treated as an error, the
// same tolerance pkg/messaging's foreign-host-id rule extends to frames
// that do not belong to this node.
const (
	classClusterOp    = "cluster-op"
	classFenceRequest = "fence-request"
	classFenceResult  = "fence-result"

	// JoinRequestClass and JoinAckClass are exported: pkg/worker's join
	// client speaks these envelope classes directly against a manager
	// node's cluster bus, without importing anything unexported here.
	JoinRequestClass = "join-request"
	JoinAckClass     = "join-ack"
)

// clusterBus carries cluster-wide action broadcasts and fencing
// broadcast/ack traffic between manager nodes, grounded on the shape
// pkg/messaging's doc comment describes: per-peer outbound queues with
// its backpressure policy, and a shared correlation table for
// request/reply waits.
type clusterBus struct {
	localName string
	localID   uint32
	psk       []byte
	logger    zerolog.Logger

	table *messaging.Table

	mu     sync.Mutex
	queues map[string]*messaging.Queue
	conns  map[string]net.Conn

	peerAddr func(name string) (string, bool)

	handlerMu sync.RWMutex
	handlers  map[string]func(*messaging.Envelope)

	listener net.Listener
}

func newClusterBus(localName string, localID uint32, peerAddr func(string) (string, bool)) *clusterBus {
	return &clusterBus{
		localName: localName,
		localID:   localID,
		logger:    log.WithComponent("cluster-bus"),
		table:     messaging.NewTable(),
		queues:    make(map[string]*messaging.Queue),
		conns:     make(map[string]net.Conn),
		peerAddr:  peerAddr,
		handlers:  make(map[string]func(*messaging.Envelope)),
	}
}

// OnClass registers the handler invoked for every inbound envelope of
// the given class.
func (b *clusterBus) OnClass(class string, fn func(*messaging.Envelope)) {
	b.handlerMu.Lock()
	b.handlers[class] = fn
	b.handlerMu.Unlock()
}

// Listen starts accepting inbound envelope connections on addr.
func (b *clusterBus) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster-bus: listen %s: %w", addr, err)
	}
	b.listener = ln
	go b.acceptLoop(ln)
	return nil
}

// Close stops accepting connections and closes the cached outbound
// connections; the per-peer queues are left in place.
func (b *clusterBus) Close() error {
	if b.listener != nil {
		b.listener.Close()
	}
	b.mu.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.mu.Unlock()
	return nil
}

func (b *clusterBus) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go b.serveConn(conn)
	}
}

func (b *clusterBus) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		env, err := messaging.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				b.logger.Debug().Err(err).Msg("cluster-bus read failed")
			}
			return
		}
		if !messaging.ForLocalHost(env, b.localID) {
			continue
		}

		if env.ID != 0 {
			switch b.table.Resolve(env.ID, env) {
			case messaging.ResolveDelivered, messaging.ResolveAbsorbed:
				continue
			case messaging.ResolveUnsolicited:
				// fall through to class dispatch: an inbound request,
				// not a reply to something this node sent.
			}
		}

		b.handlerMu.RLock()
		fn := b.handlers[env.Class]
		b.handlerMu.RUnlock()
		if fn != nil {
			fn(env)
		}
	}
}

// Send enqueues env for delivery to peer, dialing lazily and reusing the
// connection for subsequent sends the way pkg/messaging.Queue expects of
// its SendFunc.
func (b *clusterBus) Send(peer string, env *messaging.Envelope) {
	b.mu.Lock()
	q, ok := b.queues[peer]
	if !ok {
		q = messaging.NewQueue(peer, func(e *messaging.Envelope) error {
			return b.sendDirect(peer, e)
		})
		b.queues[peer] = q
	}
	b.mu.Unlock()
	q.Enqueue(env)
}

// RemovePeer purges peer's outbound queue and drops its cached
// connection. This is the only sanctioned way a peer's queued messages
// are discarded — called once the peer cache's sweep has actually
// reaped the peer (left the group for good), never on a mere send
// failure, which the queue itself retries with backoff indefinitely.
func (b *clusterBus) RemovePeer(peer string) {
	b.mu.Lock()
	if q, ok := b.queues[peer]; ok {
		q.Purge()
		delete(b.queues, peer)
	}
	if c, ok := b.conns[peer]; ok {
		c.Close()
		delete(b.conns, peer)
	}
	b.mu.Unlock()
}

// SendToAddr delivers env over a one-shot connection to addr, bypassing
// the named-peer queue and address lookup. It exists for replies to a
// node the cache doesn't know the address of yet — the join handshake's
// ack, addressed using the requester's self-reported executor address
// rather than a CIB lookup that can't succeed before the join commits.
func (b *clusterBus) SendToAddr(addr string, env *messaging.Envelope) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster-bus: dial %s: %w", addr, err)
	}
	defer conn.Close()
	return messaging.WriteFrame(conn, env)
}

func (b *clusterBus) sendDirect(peer string, env *messaging.Envelope) error {
	b.mu.Lock()
	conn, ok := b.conns[peer]
	b.mu.Unlock()

	if !ok {
		addr, ok := b.peerAddr(peer)
		if !ok || addr == "" {
			return fmt.Errorf("cluster-bus: no known address for peer %s", peer)
		}
		var err error
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("cluster-bus: dial %s (%s): %w", peer, addr, err)
		}
		b.mu.Lock()
		b.conns[peer] = conn
		b.mu.Unlock()
	}

	if err := messaging.WriteFrame(conn, env); err != nil {
		b.mu.Lock()
		delete(b.conns, peer)
		b.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// Broadcast sends env to every peer in names.
func (b *clusterBus) Broadcast(names []string, env *messaging.Envelope) {
	for _, n := range names {
		if n == b.localName {
			continue
		}
		b.Send(n, env)
	}
}

func (b *clusterBus) sender() messaging.Sender {
	return messaging.Sender{ID: b.localID, Name: b.localName, Type: "manager"}
}
