package nearcoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/engine"
	cerrors "github.com/devrev/pairdb/cachegrid/internal/errors"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// UpdateRequest is the caller-facing update, the Go-native shape
// spec.md §4.3 calls "the user's map, the write-sync mode, the filter,
// and the per-key DR info" — DR info is out of scope (SPEC_FULL §1
// non-goals), so that part is omitted.
type UpdateRequest struct {
	WriteSync       model.WriteSyncMode
	AtomicOrder     model.AtomicWriteOrderMode
	Operation       model.Operation
	Keys            []model.Key
	Values          [][]byte
	Transform       model.TransformFunc
	Filter          func(current []byte, exists bool) bool
	TTL             time.Duration
	ReturnValueFlag bool
}

// UpdateResult is the merged outcome of every group this request's keys
// were split across.
type UpdateResult struct {
	ReturnValue []byte
	FailedKeys  []model.Key
	Errors      []string
}

type keyValue struct {
	key   model.Key
	value []byte
}

// Update runs spec.md §4.3 steps 1-4: map keys to primaries at the
// current topology version, dispatch one request per primary (local
// ones calling straight into the engine, remote ones over the wire),
// and loop on whatever comes back remapped rather than failing it,
// until every key lands or MaxRemapAttempts is exhausted.
func (c *Coordinator) Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error) {
	if req.ReturnValueFlag && len(req.Keys) > 1 {
		return nil, cerrors.NewRejected("return_value_flag is only valid for a single-key request")
	}
	if err := c.validator.ValidateBatch(req.Keys, req.Values); err != nil {
		return nil, err
	}

	requestID := c.nextFutureVersion()
	result := &UpdateResult{}

	pending := make([]keyValue, len(req.Keys))
	for i, k := range req.Keys {
		var v []byte
		if i < len(req.Values) {
			v = req.Values[i]
		}
		pending[i] = keyValue{key: k, value: v}
	}

	var hopCount uint32
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > c.cfg.MaxRemapAttempts {
			for _, item := range pending {
				result.FailedKeys = append(result.FailedKeys, item.key)
				result.Errors = append(result.Errors, cerrors.NewRejected("remap attempt limit exceeded").Error())
			}
			break
		}

		topologyVersion := c.topo.Version()
		groups := c.groupByPrimary(pending, topologyVersion)
		pending = c.dispatchUpdateGroups(ctx, groups, req, requestID, topologyVersion, hopCount, result)
		hopCount++
	}

	return result, nil
}

func (c *Coordinator) groupByPrimary(items []keyValue, topologyVersion uint64) map[model.NodeID][]keyValue {
	groups := make(map[model.NodeID][]keyValue)
	for _, item := range items {
		partition := c.topo.Partition(item.key)
		primary := c.topo.OwnersAt(partition, topologyVersion).Primary()
		groups[primary] = append(groups[primary], item)
	}
	return groups
}

func (c *Coordinator) dispatchUpdateGroups(
	ctx context.Context,
	groups map[model.NodeID][]keyValue,
	req *UpdateRequest,
	requestID uint64,
	topologyVersion uint64,
	hopCount uint32,
	result *UpdateResult,
) []keyValue {
	// One primary group per goroutine: each group's own apply call
	// already blocks on the network (or FULL_SYNC's AwaitCompletion),
	// so dispatching groups sequentially would pay every primary's
	// latency in series for no correctness reason. Each goroutine
	// accumulates into its own UpdateResult — the shared result and
	// remap list are only touched inside the merge, under a single
	// mutex held just for that set update, never across a wait.
	var mu sync.Mutex
	var wg sync.WaitGroup
	var remap []keyValue

	for node, items := range groups {
		wg.Add(1)
		go func(node model.NodeID, items []keyValue) {
			defer wg.Done()

			groupResult := &UpdateResult{}
			var groupRemap []keyValue
			if node == c.local {
				groupRemap = c.applyLocalGroup(ctx, items, req, topologyVersion, groupResult)
			} else {
				groupRemap = c.applyRemoteGroup(ctx, node, items, req, requestID, topologyVersion, hopCount, groupResult)
			}

			mu.Lock()
			if len(groupResult.ReturnValue) > 0 {
				result.ReturnValue = groupResult.ReturnValue
			}
			result.FailedKeys = append(result.FailedKeys, groupResult.FailedKeys...)
			result.Errors = append(result.Errors, groupResult.Errors...)
			remap = append(remap, groupRemap...)
			mu.Unlock()
		}(node, items)
	}
	wg.Wait()

	return remap
}

func (c *Coordinator) applyLocalGroup(ctx context.Context, items []keyValue, req *UpdateRequest, topologyVersion uint64, result *UpdateResult) []keyValue {
	keys := make([]model.Key, len(items))
	values := make([][]byte, len(items))
	for i, item := range items {
		keys[i] = item.key
		values[i] = item.value
	}

	futureVersion := c.nextFutureVersion()
	engineReq := &engine.Request{
		FutureVersion:   futureVersion,
		TopologyVersion: topologyVersion,
		WriteSync:       req.WriteSync,
		AtomicOrder:     req.AtomicOrder,
		Operation:       req.Operation,
		Keys:            keys,
		Values:          values,
		Transform:       req.Transform,
		Filter:          req.Filter,
		TTL:             req.TTL,
		ReturnValueFlag: req.ReturnValueFlag,
	}

	resp, err := c.engine.Apply(ctx, engineReq)
	if err != nil {
		for _, k := range keys {
			result.FailedKeys = append(result.FailedKeys, k)
			result.Errors = append(result.Errors, err.Error())
		}
		return nil
	}

	if len(resp.ReturnValue) > 0 || req.ReturnValueFlag {
		result.ReturnValue = resp.ReturnValue
	}
	result.FailedKeys = append(result.FailedKeys, resp.FailedKeys...)
	result.Errors = append(result.Errors, resp.Errors...)

	if req.WriteSync == model.FullSync && c.backups != nil {
		failedKeys, errs := c.backups.AwaitCompletion(ctx, futureVersion)
		result.FailedKeys = append(result.FailedKeys, failedKeys...)
		result.Errors = append(result.Errors, errs...)
	}

	remap := make([]keyValue, 0, len(resp.RemapKeys))
	byKey := itemsByKey(items)
	for _, k := range resp.RemapKeys {
		remap = append(remap, byKey[k])
	}
	return remap
}

func (c *Coordinator) applyRemoteGroup(
	ctx context.Context,
	node model.NodeID,
	items []keyValue,
	req *UpdateRequest,
	requestID uint64,
	topologyVersion uint64,
	hopCount uint32,
	result *UpdateResult,
) []keyValue {
	if req.Operation == model.OpTransform {
		// TRANSFORM ships a Go closure that cannot cross the wire; the
		// codec's NearUpdateRequest (spec.md §6) has no slot for one.
		// This only bites a caller whose key landed on a primary other
		// than the one it called Update on, which a single-node or
		// client-affinity-aware deployment never hits.
		for _, item := range items {
			result.FailedKeys = append(result.FailedKeys, item.key)
			result.Errors = append(result.Errors, cerrors.NewDeployment(nil).WithDetail("reason", "transform cannot be dispatched to a remote primary").Error())
		}
		return nil
	}

	if req.Filter != nil {
		// Filter is a Go closure like Transform; it cannot cross the
		// wire either: NearUpdateRequest's Filter bytes are never filled
		// in here and the primary-side handler ignores them. A filtered
		// put whose key lands on a remote primary must fail loudly here
		// rather than apply unconditionally over there.
		for _, item := range items {
			result.FailedKeys = append(result.FailedKeys, item.key)
			result.Errors = append(result.Errors, cerrors.NewDeployment(nil).WithDetail("reason", "filter cannot be dispatched to a remote primary").Error())
		}
		return nil
	}

	if applied, err := c.dedup.WasApplied(ctx, requestID, node); err == nil && applied {
		return nil
	}

	keys := make([]model.Key, len(items))
	values := make([][]byte, len(items))
	for i, item := range items {
		keys[i] = item.key
		values[i] = item.value
	}

	futureVersion := c.nextFutureVersion()
	wireReq := &wire.NearUpdateRequest{
		FutureVersion:   futureVersion,
		TopologyVersion: topologyVersion,
		WriteSync:       req.WriteSync,
		AtomicOrder:     req.AtomicOrder,
		Operation:       req.Operation,
		Keys:            keys,
		ValueBytes:      values,
		TTL:             int64(req.TTL),
		ReturnValueFlag: req.ReturnValueFlag,
		HopCount:        hopCount,
	}

	ch := c.updates.Register(futureVersion)
	c.trackOutstandingUpdate(futureVersion, node)
	defer c.untrackOutstandingUpdate(futureVersion)

	if err := c.transport.Send(ctx, node, wireReq); err != nil {
		c.updates.Cancel(futureVersion)
		for _, k := range keys {
			result.FailedKeys = append(result.FailedKeys, k)
			result.Errors = append(result.Errors, err.Error())
		}
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
			// The only caller that cancels a still-outstanding future
			// from outside this select is OnLeave: the target primary
			// left mid-flight, so these keys go back to Update's remap
			// loop to re-resolve against the topology the departure
			// just bumped, rather than failing outright.
			return append([]keyValue(nil), items...)
		}

		if len(resp.ReturnValue) > 0 || req.ReturnValueFlag {
			result.ReturnValue = resp.ReturnValue
		}
		result.FailedKeys = append(result.FailedKeys, resp.FailedKeys...)
		result.Errors = append(result.Errors, resp.Errors...)

		if len(resp.RemapKeys) == 0 && len(resp.FailedKeys) == 0 {
			if err := c.dedup.MarkApplied(ctx, requestID, node); err != nil {
				c.logger.Warn("dedup mark-applied failed", zap.String("node", string(node)), zap.Error(err))
			}
		}

		byKey := itemsByKey(items)
		remap := make([]keyValue, 0, len(resp.RemapKeys))
		for _, k := range resp.RemapKeys {
			remap = append(remap, byKey[k])
		}
		return remap
	case <-ctx.Done():
		c.updates.Cancel(futureVersion)
		for _, k := range keys {
			result.FailedKeys = append(result.FailedKeys, k)
			result.Errors = append(result.Errors, cerrors.NewRejected("request timed out awaiting remote primary").Error())
		}
		return nil
	case <-timer.C:
		c.updates.Cancel(futureVersion)
		for _, k := range keys {
			result.FailedKeys = append(result.FailedKeys, k)
			result.Errors = append(result.Errors, cerrors.NewRejected("request timed out awaiting remote primary").Error())
		}
		return nil
	}
}

func itemsByKey(items []keyValue) map[model.Key]keyValue {
	m := make(map[model.Key]keyValue, len(items))
	for _, item := range items {
		m[item.key] = item
	}
	return m
}

// handleNearUpdateRequest is the primary-side inbound handler: apply
// locally and, for FULL_SYNC, hold the response open until
// backupcoordinator.AwaitCompletion says every backup has acked or
// left, exactly as §4.4 requires the near response to be deferred.
func (c *Coordinator) handleNearUpdateRequest(from model.NodeID, msg wire.Message) {
	req := msg.(*wire.NearUpdateRequest)
	ctx := context.Background()

	engineReq := &engine.Request{
		FutureVersion:   req.FutureVersion,
		TopologyVersion: req.TopologyVersion,
		WriteSync:       req.WriteSync,
		AtomicOrder:     req.AtomicOrder,
		Operation:       req.Operation,
		Keys:            req.Keys,
		Values:          req.ValueBytes,
		TTL:             time.Duration(req.TTL),
		ReturnValueFlag: req.ReturnValueFlag,
	}

	out := &wire.NearUpdateResponse{FutureVersion: req.FutureVersion}
	resp, err := c.engine.Apply(ctx, engineReq)
	if err != nil {
		for _, k := range req.Keys {
			out.FailedKeys = append(out.FailedKeys, k)
			out.Errors = append(out.Errors, err.Error())
		}
	} else {
		out.ReturnValue = resp.ReturnValue
		out.FailedKeys = resp.FailedKeys
		out.Errors = resp.Errors
		out.RemapKeys = resp.RemapKeys

		if req.WriteSync == model.FullSync && c.backups != nil {
			failedKeys, errs := c.backups.AwaitCompletion(ctx, req.FutureVersion)
			out.FailedKeys = append(out.FailedKeys, failedKeys...)
			out.Errors = append(out.Errors, errs...)
		}
	}

	if sendErr := c.transport.Send(ctx, from, out); sendErr != nil {
		c.logger.Warn("near update response send failed", zap.String("node", string(from)), zap.Uint64("future_version", req.FutureVersion), zap.Error(sendErr))
	}
}
