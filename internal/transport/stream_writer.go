package transport

import (
	"net"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// orderedSend is one item queued on a streamWriter.
type orderedSend struct {
	messageID uint64
	msg       wire.Message
	deadline  time.Time
	done      chan error
}

// streamWriter owns one persistent connection to one (topic, node) pair
// and ships frames strictly in the order they were queued, redialing on
// failure. Grounded on gyuho-db/rafthttp's 02_stream_writer.go: a
// buffered send channel drained by a single goroutine so writes to one
// peer never interleave out of order.
type streamWriter struct {
	nodeID   model.NodeID
	local    model.NodeID
	topic    string
	resolver Resolver
	logger   *zap.Logger

	sendc chan orderedSend
	stopc chan struct{}

	conn net.Conn
}

func newStreamWriter(nodeID, local model.NodeID, topic string, resolver Resolver, logger *zap.Logger) *streamWriter {
	sw := &streamWriter{
		nodeID:   nodeID,
		local:    local,
		topic:    topic,
		resolver: resolver,
		logger:   logger,
		sendc:    make(chan orderedSend, 256),
		stopc:    make(chan struct{}),
	}
	go sw.run()
	return sw
}

func (sw *streamWriter) run() {
	for {
		select {
		case item := <-sw.sendc:
			item.done <- sw.deliver(item)
		case <-sw.stopc:
			if sw.conn != nil {
				sw.conn.Close()
			}
			return
		}
	}
}

func (sw *streamWriter) deliver(item orderedSend) error {
	if !item.deadline.IsZero() && time.Now().After(item.deadline) {
		return errTimedOutBeforeSend
	}

	if sw.conn == nil {
		if err := sw.dial(); err != nil {
			return err
		}
	}

	if !item.deadline.IsZero() {
		_ = sw.conn.SetWriteDeadline(item.deadline)
	}
	if err := wire.Encode(sw.conn, item.msg); err != nil {
		sw.conn.Close()
		sw.conn = nil
		// one reconnect-and-retry, matching rafthttp's pipeline behavior
		// of re-dialing on the next send rather than buffering forever.
		if dialErr := sw.dial(); dialErr != nil {
			return dialErr
		}
		return wire.Encode(sw.conn, item.msg)
	}
	return nil
}

func (sw *streamWriter) dial() error {
	addr, ok := sw.resolver(sw.nodeID)
	if !ok {
		return errNoAddress
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	if err := writeHandshake(conn, connKindStream, sw.topic, sw.local); err != nil {
		conn.Close()
		return err
	}
	sw.conn = conn
	return nil
}

// send enqueues msg for ordered delivery, blocking for at most timeout
// waiting for buffer space and the actual write. If skipOnTimeout is
// true and the deadline passes before the write happens, the send is
// dropped rather than returned as an error — used for deferred-ack
// shipments where a late ack is worse than a missing one.
func (sw *streamWriter) send(messageID uint64, msg wire.Message, timeout time.Duration, skipOnTimeout bool) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	done := make(chan error, 1)
	item := orderedSend{messageID: messageID, msg: msg, deadline: deadline, done: done}

	if timeout <= 0 {
		sw.sendc <- item
	} else {
		select {
		case sw.sendc <- item:
		case <-time.After(timeout):
			if skipOnTimeout {
				return nil
			}
			return errTimedOutBeforeSend
		}
	}

	err := <-done
	if err == errTimedOutBeforeSend && skipOnTimeout {
		return nil
	}
	return err
}

func (sw *streamWriter) stop() {
	close(sw.stopc)
}
