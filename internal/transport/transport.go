// Package transport ships wire.Message values between cluster nodes
// over TCP: a fresh one-shot connection per unordered Send, and one
// persistent connection drained by a long-lived writer goroutine per
// (topic, node) pair for SendOrdered, so that updates flowing to the
// same backup on the same topic are never reordered relative to each
// other. This mirrors the peer/stream-writer/pipeline split of
// gyuho-db's rafthttp (peer.go's pick between a per-type stream and a
// one-off pipeline, 02_stream_writer.go's persistent-writer-goroutine
// shape) with "type" narrowed to this repo's two topics: DHT update and
// deferred ack.
package transport

import (
	"context"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
)

// Handler is invoked for every decoded inbound message, on whichever
// connection (pipeline or stream) it arrived on.
type Handler func(from model.NodeID, msg wire.Message)

// Resolver maps a node id to a dialable address. Supplied by
// internal/membership so transport has no direct dependency on the
// gossip layer.
type Resolver func(node model.NodeID) (addr string, ok bool)

// Transport is the collaborator contract spec.md §6 names: Send is
// unordered (fire-and-forget, best-effort delivery), SendOrdered
// preserves delivery order within one (topic, node) pair.
type Transport interface {
	Send(ctx context.Context, node model.NodeID, msg wire.Message) error
	SendOrdered(ctx context.Context, node model.NodeID, topic string, messageID uint64, msg wire.Message, timeout time.Duration, skipOnTimeout bool) error
	RegisterHandler(t wire.Type, h Handler)
	LocalNode() model.NodeID
	Close() error
}
