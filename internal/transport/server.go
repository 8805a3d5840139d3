package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// TCPTransport is the concrete Transport implementation: a TCP listener
// accepting both pipeline (one frame, then close) and stream
// (long-lived, many frames in order) connections, and an outbound peer
// table mirroring them for sends.
type TCPTransport struct {
	local    model.NodeID
	resolver Resolver
	logger   *zap.Logger

	listener net.Listener

	mu    sync.Mutex
	peers map[model.NodeID]*peer

	handlersMu sync.RWMutex
	handlers   map[wire.Type]Handler

	closed chan struct{}
}

// NewTCPTransport creates a transport bound to listenAddr. resolver
// turns a node id into a dialable address (supplied by the membership
// collaborator); local is this node's own id, sent as the sender in the
// handshake of every outbound connection and returned by LocalNode().
func NewTCPTransport(local model.NodeID, listenAddr string, resolver Resolver, logger *zap.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		local:    local,
		resolver: resolver,
		logger:   logger,
		listener: ln,
		peers:    make(map[model.NodeID]*peer),
		handlers: make(map[wire.Type]Handler),
		closed:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.logger.Warn("transport: accept failed", zap.Error(err))
				continue
			}
		}
		go t.serveConn(conn)
	}
}

func (t *TCPTransport) serveConn(conn net.Conn) {
	kind, topic, sender, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}

	if kind == connKindPipeline {
		defer conn.Close()
		msg, err := wire.Decode(conn)
		if err != nil {
			return
		}
		t.dispatch(sender, msg)
		return
	}

	// connKindStream: keep reading frames off this connection for as
	// long as the peer keeps it open, in the order they were written.
	t.logger.Debug("transport: stream connection opened", zap.String("topic", topic), zap.String("sender", string(sender)))
	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			conn.Close()
			return
		}
		t.dispatch(sender, msg)
	}
}

func (t *TCPTransport) dispatch(from model.NodeID, msg wire.Message) {
	t.handlersMu.RLock()
	h, ok := t.handlers[msg.Type()]
	t.handlersMu.RUnlock()
	if !ok {
		t.logger.Warn("transport: no handler registered", zap.Int("type", int(msg.Type())))
		return
	}
	h(from, msg)
}

func (t *TCPTransport) peerFor(node model.NodeID) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[node]
	if !ok {
		p = newPeer(node, t.local, t.resolver, t.logger)
		t.peers[node] = p
	}
	return p
}

func (t *TCPTransport) Send(ctx context.Context, node model.NodeID, msg wire.Message) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return t.peerFor(node).sendPipeline(msg, timeout)
}

func (t *TCPTransport) SendOrdered(ctx context.Context, node model.NodeID, topic string, messageID uint64, msg wire.Message, timeout time.Duration, skipOnTimeout bool) error {
	sw, err := t.peerFor(node).streamFor(topic)
	if err != nil {
		return err
	}
	return sw.send(messageID, msg, timeout, skipOnTimeout)
}

func (t *TCPTransport) RegisterHandler(typ wire.Type, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[typ] = h
}

func (t *TCPTransport) LocalNode() model.NodeID {
	return t.local
}

func (t *TCPTransport) Close() error {
	close(t.closed)
	t.mu.Lock()
	for _, p := range t.peers {
		p.stop()
	}
	t.mu.Unlock()
	return t.listener.Close()
}
