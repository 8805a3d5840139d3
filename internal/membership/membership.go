// Package membership wraps hashicorp/memberlist to give the rest of
// the node a cluster view: which nodes exist, what address each one's
// cache transport listens on, and a monotonic topology version that
// bumps on every membership change. Grounded on
// storage-node/internal/service/gossip_service.go's
// Delegate+EventDelegate wiring, narrowed to carry just the transport
// address as node metadata instead of a health-status struct, and
// widened to additionally drive this repo's topology version counter.
package membership

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Listener is notified of membership changes after the topology
// version has already been bumped, so a listener's own bookkeeping
// (onNodeLeft-style pending-future cleanup in backupcoordinator) always
// observes the new version.
type Listener interface {
	OnJoin(node model.NodeID, addr string, topologyVersion uint64)
	OnLeave(node model.NodeID, topologyVersion uint64)
}

// Config mirrors config.MembershipConfig without importing it, keeping
// this package free of a dependency on the config loader.
type Config struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

type nodeMeta struct {
	TransportAddr string `json:"transport_addr"`
}

// Membership is the discovery collaborator.
type Membership struct {
	ml     *memberlist.Memberlist
	nodeID model.NodeID
	logger *zap.Logger

	localMeta nodeMeta

	mu        sync.RWMutex
	addrs     map[model.NodeID]string
	listeners []Listener

	topologyVersion uint64
}

// New creates and joins a memberlist cluster. transportAddr is this
// node's own cache-transport address, published as node metadata so
// peers can resolve it without a separate discovery round trip.
func New(cfg Config, nodeID model.NodeID, transportAddr string, logger *zap.Logger) (*Membership, error) {
	m := &Membership{
		nodeID:    nodeID,
		logger:    logger,
		localMeta: nodeMeta{TransportAddr: transportAddr},
		addrs:     make(map[model.NodeID]string),
	}
	m.addrs[nodeID] = transportAddr

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(nodeID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlConfig.BindPort = cfg.BindPort
		mlConfig.AdvertisePort = cfg.BindPort
	}
	if cfg.GossipInterval != 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout != 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval != 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = m
	mlConfig.Events = m

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("membership: create: %w", err)
	}
	m.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("membership: failed to join some seed nodes", zap.Error(err))
		}
	}

	return m, nil
}

// AddListener registers l for future join/leave notifications.
func (m *Membership) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Resolve returns the transport address for node, used as a
// transport.Resolver.
func (m *Membership) Resolve(node model.NodeID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.addrs[node]
	return addr, ok
}

// TopologyVersion returns the current membership-driven version.
func (m *Membership) TopologyVersion() uint64 {
	return atomic.LoadUint64(&m.topologyVersion)
}

// Members returns every currently known node id in stable sorted order.
func (m *Membership) Members() []model.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NodeID, 0, len(m.addrs))
	for n := range m.addrs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Membership) bumpVersion() uint64 {
	return atomic.AddUint64(&m.topologyVersion, 1)
}

// Shutdown leaves the cluster and releases memberlist's resources.
func (m *Membership) Shutdown() error {
	if err := m.ml.Leave(5e9); err != nil {
		m.logger.Warn("membership: leave failed", zap.Error(err))
	}
	return m.ml.Shutdown()
}

// --- memberlist.Delegate ---

func (m *Membership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(m.localMeta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

func (m *Membership) NotifyMsg(data []byte) {}

func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (m *Membership) LocalState(join bool) []byte { return nil }

func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

// --- memberlist.EventDelegate ---

func (m *Membership) NotifyJoin(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		m.logger.Warn("membership: bad node metadata", zap.String("node", node.Name), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.addrs[model.NodeID(node.Name)] = meta.TransportAddr
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	v := m.bumpVersion()
	m.logger.Info("membership: node joined", zap.String("node", node.Name), zap.Uint64("topology_version", v))
	for _, l := range listeners {
		l.OnJoin(model.NodeID(node.Name), meta.TransportAddr, v)
	}
}

func (m *Membership) NotifyLeave(node *memberlist.Node) {
	m.mu.Lock()
	delete(m.addrs, model.NodeID(node.Name))
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	v := m.bumpVersion()
	m.logger.Info("membership: node left", zap.String("node", node.Name), zap.Uint64("topology_version", v))
	for _, l := range listeners {
		l.OnLeave(model.NodeID(node.Name), v)
	}
}

func (m *Membership) NotifyUpdate(node *memberlist.Node) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return
	}
	m.mu.Lock()
	m.addrs[model.NodeID(node.Name)] = meta.TransportAddr
	m.mu.Unlock()
}
