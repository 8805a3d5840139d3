package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// connKindPipeline is a one-shot, unordered connection: dialed, one
// frame written, closed. connKindStream is long-lived and carries every
// frame sent to it in write order for the rest of its life.
const (
	connKindPipeline byte = 0
	connKindStream   byte = 1
)

// peer holds everything this node knows about how to reach one remote
// node: a pipeline path that dials a fresh connection for every
// unordered send, and one
// streamWriter per topic for ordered sends, exactly the pipeline+stream
// split rafthttp's peer.go uses for raft messages vs snapshots.
type peer struct {
	nodeID   model.NodeID
	local    model.NodeID
	resolver Resolver
	logger   *zap.Logger

	mu      sync.Mutex
	streams map[string]*streamWriter
}

func newPeer(nodeID, local model.NodeID, resolver Resolver, logger *zap.Logger) *peer {
	return &peer{
		nodeID:   nodeID,
		local:    local,
		resolver: resolver,
		logger:   logger,
		streams:  make(map[string]*streamWriter),
	}
}

// sendPipeline dials a fresh connection, writes the handshake and one
// frame, and closes. No ordering guarantee across calls.
func (p *peer) sendPipeline(msg wire.Message, timeout time.Duration) error {
	addr, ok := p.resolver(p.nodeID)
	if !ok {
		return fmt.Errorf("transport: no address for node %s", p.nodeID)
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := writeHandshake(conn, connKindPipeline, "", p.local); err != nil {
		return err
	}
	return wire.Encode(conn, msg)
}

// streamFor returns the persistent ordered writer for topic, dialing
// and starting its goroutine the first time the topic is used.
func (p *peer) streamFor(topic string) (*streamWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sw, ok := p.streams[topic]; ok {
		return sw, nil
	}

	sw := newStreamWriter(p.nodeID, p.local, topic, p.resolver, p.logger)
	p.streams[topic] = sw
	return sw, nil
}

func (p *peer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sw := range p.streams {
		sw.stop()
	}
}

// writeHandshake identifies the connection kind, its topic (streams
// only; empty for a pipeline connection) and the sending node's own id,
// so the accepting side's dispatch can tell a handler who sent a frame
// without any wire.Message carrying a sender field itself.
func writeHandshake(conn net.Conn, kind byte, topic string, sender model.NodeID) error {
	if _, err := conn.Write([]byte{kind}); err != nil {
		return err
	}
	if err := writeLenPrefixed(conn, []byte(topic)); err != nil {
		return err
	}
	return writeLenPrefixed(conn, []byte(sender))
}

func writeLenPrefixed(conn net.Conn, b []byte) error {
	lenBuf := []byte{byte(len(b)), byte(len(b) >> 8)}
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readLenPrefixed(conn net.Conn) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return "", err
	}
	n := int(lenBuf[0]) | int(lenBuf[1])<<8
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readHandshake(conn net.Conn) (kind byte, topic string, sender model.NodeID, err error) {
	var kindBuf [1]byte
	if _, err = io.ReadFull(conn, kindBuf[:]); err != nil {
		return 0, "", "", err
	}
	if topic, err = readLenPrefixed(conn); err != nil {
		return 0, "", "", err
	}
	senderStr, err := readLenPrefixed(conn)
	if err != nil {
		return 0, "", "", err
	}
	return kindBuf[0], topic, model.NodeID(senderStr), nil
}
