package wire_test

import (
	"bytes"
	"testing"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_NearUpdateRequest_RoundTrip(t *testing.T) {
	req := &wire.NearUpdateRequest{
		FutureVersion:   42,
		TopologyVersion: 7,
		WriteSync:       model.PrimarySync,
		AtomicOrder:     model.Clock,
		Operation:       model.OpUpdate,
		Keys:            []model.Key{"k1", "k2"},
		ValueBytes:      [][]byte{[]byte("v1"), []byte("v2")},
		Filter:          nil,
		TTL:             0,
		ReturnValueFlag: true,
		FastMapFlag:     false,
		HopCount:        0,
	}

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, req))

	decoded, err := wire.Decode(&buf)
	require.NoError(t, err)

	got, ok := decoded.(*wire.NearUpdateRequest)
	require.True(t, ok)
	assert.Equal(t, req.FutureVersion, got.FutureVersion)
	assert.Equal(t, req.TopologyVersion, got.TopologyVersion)
	assert.Equal(t, req.WriteSync, got.WriteSync)
	assert.Equal(t, req.AtomicOrder, got.AtomicOrder)
	assert.Equal(t, req.Operation, got.Operation)
	assert.Equal(t, req.Keys, got.Keys)
	assert.Equal(t, req.ValueBytes, got.ValueBytes)
	assert.Equal(t, req.ReturnValueFlag, got.ReturnValueFlag)
}

func TestEncodeDecode_DhtUpdateRequest_RoundTrip(t *testing.T) {
	req := &wire.DhtUpdateRequest{
		FutureVersion:   1,
		WriteVersion:    model.CacheVersion{TopologyVersion: 3, Order: 5, NodeOrder: 1, DataCenterID: 0},
		WriteSync:       model.FullSync,
		TopologyVersion: 3,
		Entries: []wire.DhtEntry{
			{Key: "a", Value: []byte("x"), Version: model.CacheVersion{Order: 5}, Deleted: false, TTL: 0},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, req))

	decoded, err := wire.Decode(&buf)
	require.NoError(t, err)

	got, ok := decoded.(*wire.DhtUpdateRequest)
	require.True(t, ok)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, model.Key("a"), got.Entries[0].Key)
	assert.Equal(t, []byte("x"), got.Entries[0].Value)
	assert.Equal(t, req.WriteVersion, got.WriteVersion)
}

func TestDecode_RejectsCorruptedChecksum(t *testing.T) {
	req := &wire.DhtDeferredAckResponse{FutureVersions: []uint64{1, 2, 3}}

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, req))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err := wire.Decode(bytes.NewReader(corrupted))
	assert.Error(t, err)
}
