package nearcoordinator

import (
	"context"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// GetResult is one key's outcome from Get, field-compatible with
// engine.GetResult plus the key it answers for, so callers can match
// results back up without assuming response order.
type GetResult struct {
	Key     model.Key
	Value   []byte
	Version model.CacheVersion
	Found   bool
}

// Get is the supplemental read-path equivalent of Update (SPEC_FULL
// §3): same map-to-primary/dispatch/remap-until-resolved shape, but
// read-only, so there is no backup fan-out or write-sync mode to honor.
func (c *Coordinator) Get(ctx context.Context, keys []model.Key) ([]GetResult, error) {
	if err := c.validator.ValidateBatch(keys, nil); err != nil {
		return nil, err
	}

	results := make(map[model.Key]GetResult, len(keys))
	pending := append([]model.Key(nil), keys...)

	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > c.cfg.MaxRemapAttempts {
			for _, k := range pending {
				results[k] = GetResult{Key: k, Found: false}
			}
			break
		}

		topologyVersion := c.topo.Version()
		groups := make(map[model.NodeID][]model.Key)
		for _, k := range pending {
			partition := c.topo.Partition(k)
			primary := c.topo.OwnersAt(partition, topologyVersion).Primary()
			groups[primary] = append(groups[primary], k)
		}

		var remap []model.Key
		for node, groupKeys := range groups {
			if node == c.local {
				remap = append(remap, c.getLocalGroup(ctx, groupKeys, topologyVersion, results)...)
				continue
			}
			remap = append(remap, c.getRemoteGroup(ctx, node, groupKeys, topologyVersion, results)...)
		}
		pending = remap
	}

	out := make([]GetResult, len(keys))
	for i, k := range keys {
		out[i] = results[k]
	}
	return out, nil
}

func (c *Coordinator) getLocalGroup(ctx context.Context, keys []model.Key, topologyVersion uint64, results map[model.Key]GetResult) []model.Key {
	getResults, remapKeys := c.engine.GetAll(ctx, keys, topologyVersion)
	for i, k := range keys {
		if containsKey(remapKeys, k) {
			continue
		}
		results[k] = GetResult{Key: k, Value: getResults[i].Value, Version: getResults[i].Version, Found: getResults[i].Found}
	}
	return remapKeys
}

func (c *Coordinator) getRemoteGroup(ctx context.Context, node model.NodeID, keys []model.Key, topologyVersion uint64, results map[model.Key]GetResult) []model.Key {
	futureVersion := c.nextFutureVersion()
	req := &wire.NearGetRequest{FutureVersion: futureVersion, TopologyVersion: topologyVersion, Keys: keys}

	ch := c.gets.Register(futureVersion)
	c.trackOutstandingGet(futureVersion, node)
	defer c.untrackOutstandingGet(futureVersion)

	if err := c.transport.Send(ctx, node, req); err != nil {
		for _, k := range keys {
			results[k] = GetResult{Key: k, Found: false}
		}
		c.gets.Cancel(futureVersion)
		return nil
	}

	timeout := c.cfg.NetworkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			// Same OnLeave-cancellation case as the update path: the
			// target primary left mid-flight, so remap rather than fail.
			return append([]model.Key(nil), keys...)
		}
		for i, k := range keys {
			if containsKey(resp.RemapKeys, k) {
				continue
			}
			results[k] = GetResult{Key: k, Value: resp.Values[i], Found: resp.Found[i]}
		}
		return resp.RemapKeys
	case <-ctx.Done():
		c.gets.Cancel(futureVersion)
		for _, k := range keys {
			results[k] = GetResult{Key: k, Found: false}
		}
		return nil
	case <-timer.C:
		c.gets.Cancel(futureVersion)
		for _, k := range keys {
			results[k] = GetResult{Key: k, Found: false}
		}
		return nil
	}
}

func containsKey(keys []model.Key, k model.Key) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

// handleNearGetRequest is the primary-side read handler, mirroring
// handleNearUpdateRequest but for the read-only path — no FULL_SYNC
// deferral since reads never touch the backup set.
func (c *Coordinator) handleNearGetRequest(from model.NodeID, msg wire.Message) {
	req := msg.(*wire.NearGetRequest)
	ctx := context.Background()

	getResults, remapKeys := c.engine.GetAll(ctx, req.Keys, req.TopologyVersion)

	out := &wire.NearGetResponse{FutureVersion: req.FutureVersion, RemapKeys: remapKeys}
	out.Values = make([][]byte, len(req.Keys))
	out.Found = make([]bool, len(req.Keys))
	for i := range req.Keys {
		if containsKey(remapKeys, req.Keys[i]) {
			continue
		}
		out.Values[i] = getResults[i].Value
		out.Found[i] = getResults[i].Found
	}

	if err := c.transport.Send(ctx, from, out); err != nil {
		c.logger.Warn("near get response send failed", zap.String("node", string(from)), zap.Uint64("future_version", req.FutureVersion), zap.Error(err))
	}
}
