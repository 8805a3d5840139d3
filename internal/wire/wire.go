// Package wire implements the binary encoding of the seven messages
// that cross the wire between near coordinator, primary and backups:
// NearUpdateRequest/Response, DhtUpdateRequest/Response,
// DhtDeferredAckResponse, and the supplemental NearGetRequest/Response.
// All numeric fields are fixed-width little-endian; strings and arrays
// are length-prefixed; every frame carries a trailing CRC32 (Castagnoli)
// checksum over its payload. Framing is grounded on the
// length-field-then-data-then-checksum shape of gyuho-db's
// wal_encode.go/wal_decode.go, hand-rolled with encoding/binary instead
// of a protobuf-generated record since no .proto/.pb.go sources for
// this message set exist in this codebase.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Type tags one byte identifying which message a frame carries.
type Type byte

const (
	TypeNearUpdateRequest Type = iota + 1
	TypeNearUpdateResponse
	TypeDhtUpdateRequest
	TypeDhtUpdateResponse
	TypeDhtDeferredAckResponse
	TypeNearGetRequest
	TypeNearGetResponse
)

// Message is implemented by every wire payload type.
type Message interface {
	Type() Type
	marshal(w *writer)
	unmarshal(r *reader) error
}

// NearUpdateRequest is the client-facing update request dispatched to a
// partition's primary.
type NearUpdateRequest struct {
	FutureVersion    uint64
	TopologyVersion  uint64
	WriteSync        model.WriteSyncMode
	AtomicOrder      model.AtomicWriteOrderMode
	Operation        model.Operation
	Keys             []model.Key
	ValueBytes       [][]byte // one per key, nil entry for a transform/delete
	Filter           []byte   // optional serialized predicate; empty means none
	TTL              int64    // nanoseconds; 0 means no TTL
	ReturnValueFlag  bool
	FastMapFlag      bool
	HopCount         uint32
}

func (m *NearUpdateRequest) Type() Type { return TypeNearUpdateRequest }

func (m *NearUpdateRequest) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.u64(m.TopologyVersion)
	w.u8(byte(m.WriteSync))
	w.u8(byte(m.AtomicOrder))
	w.u8(byte(m.Operation))
	w.u32(uint32(len(m.Keys)))
	for _, k := range m.Keys {
		w.str(string(k))
	}
	w.u32(uint32(len(m.ValueBytes)))
	for _, v := range m.ValueBytes {
		w.bytes(v)
	}
	w.bytes(m.Filter)
	w.i64(m.TTL)
	w.boolean(m.ReturnValueFlag)
	w.boolean(m.FastMapFlag)
	w.u32(m.HopCount)
}

func (m *NearUpdateRequest) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	m.TopologyVersion = r.u64()
	m.WriteSync = model.WriteSyncMode(r.u8())
	m.AtomicOrder = model.AtomicWriteOrderMode(r.u8())
	m.Operation = model.Operation(r.u8())
	n := r.u32()
	m.Keys = make([]model.Key, n)
	for i := range m.Keys {
		m.Keys[i] = model.Key(r.str())
	}
	vn := r.u32()
	m.ValueBytes = make([][]byte, vn)
	for i := range m.ValueBytes {
		m.ValueBytes[i] = r.bytesCopy()
	}
	m.Filter = r.bytesCopy()
	m.TTL = r.i64()
	m.ReturnValueFlag = r.boolean()
	m.FastMapFlag = r.boolean()
	m.HopCount = r.u32()
	return r.err
}

// NearUpdateResponse is the primary's reply to a NearUpdateRequest.
type NearUpdateResponse struct {
	FutureVersion uint64
	ReturnValue   []byte // empty when ReturnValueFlag was false or op is a miss
	FailedKeys    []model.Key
	Errors        []string // parallel to FailedKeys
	RemapKeys     []model.Key
}

func (m *NearUpdateResponse) Type() Type { return TypeNearUpdateResponse }

func (m *NearUpdateResponse) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.bytes(m.ReturnValue)
	w.u32(uint32(len(m.FailedKeys)))
	for _, k := range m.FailedKeys {
		w.str(string(k))
	}
	w.u32(uint32(len(m.Errors)))
	for _, e := range m.Errors {
		w.str(e)
	}
	w.u32(uint32(len(m.RemapKeys)))
	for _, k := range m.RemapKeys {
		w.str(string(k))
	}
}

func (m *NearUpdateResponse) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	m.ReturnValue = r.bytesCopy()
	fn := r.u32()
	m.FailedKeys = make([]model.Key, fn)
	for i := range m.FailedKeys {
		m.FailedKeys[i] = model.Key(r.str())
	}
	en := r.u32()
	m.Errors = make([]string, en)
	for i := range m.Errors {
		m.Errors[i] = r.str()
	}
	rn := r.u32()
	m.RemapKeys = make([]model.Key, rn)
	for i := range m.RemapKeys {
		m.RemapKeys[i] = model.Key(r.str())
	}
	return r.err
}

// DhtEntry is one key's payload inside a DhtUpdateRequest.
type DhtEntry struct {
	Key     model.Key
	Value   []byte
	Version model.CacheVersion
	Deleted bool
	TTL     int64
}

// DhtUpdateRequest is the primary-to-backup replication message.
type DhtUpdateRequest struct {
	FutureVersion   uint64
	WriteVersion    model.CacheVersion
	WriteSync       model.WriteSyncMode
	TopologyVersion uint64
	Entries         []DhtEntry
}

func (m *DhtUpdateRequest) Type() Type { return TypeDhtUpdateRequest }

func (m *DhtUpdateRequest) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.version(m.WriteVersion)
	w.u8(byte(m.WriteSync))
	w.u64(m.TopologyVersion)
	w.u32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		w.str(string(e.Key))
		w.bytes(e.Value)
		w.version(e.Version)
		w.boolean(e.Deleted)
		w.i64(e.TTL)
	}
}

func (m *DhtUpdateRequest) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	m.WriteVersion = r.version()
	m.WriteSync = model.WriteSyncMode(r.u8())
	m.TopologyVersion = r.u64()
	n := r.u32()
	m.Entries = make([]DhtEntry, n)
	for i := range m.Entries {
		m.Entries[i].Key = model.Key(r.str())
		m.Entries[i].Value = r.bytesCopy()
		m.Entries[i].Version = r.version()
		m.Entries[i].Deleted = r.boolean()
		m.Entries[i].TTL = r.i64()
	}
	return r.err
}

// DhtUpdateResponse is the backup's ack of a DhtUpdateRequest.
type DhtUpdateResponse struct {
	FutureVersion uint64
	FailedKeys    []model.Key
	Errors        []string
}

func (m *DhtUpdateResponse) Type() Type { return TypeDhtUpdateResponse }

func (m *DhtUpdateResponse) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.u32(uint32(len(m.FailedKeys)))
	for _, k := range m.FailedKeys {
		w.str(string(k))
	}
	w.u32(uint32(len(m.Errors)))
	for _, e := range m.Errors {
		w.str(e)
	}
}

func (m *DhtUpdateResponse) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	fn := r.u32()
	m.FailedKeys = make([]model.Key, fn)
	for i := range m.FailedKeys {
		m.FailedKeys[i] = model.Key(r.str())
	}
	en := r.u32()
	m.Errors = make([]string, en)
	for i := range m.Errors {
		m.Errors[i] = r.str()
	}
	return r.err
}

// DhtDeferredAckResponse coalesces many DhtUpdateResponse acks (PRIMARY_SYNC
// backups) into one shipment per spec.md §4.5.
type DhtDeferredAckResponse struct {
	FutureVersions []uint64
}

func (m *DhtDeferredAckResponse) Type() Type { return TypeDhtDeferredAckResponse }

func (m *DhtDeferredAckResponse) marshal(w *writer) {
	w.u32(uint32(len(m.FutureVersions)))
	for _, v := range m.FutureVersions {
		w.u64(v)
	}
}

func (m *DhtDeferredAckResponse) unmarshal(r *reader) error {
	n := r.u32()
	m.FutureVersions = make([]uint64, n)
	for i := range m.FutureVersions {
		m.FutureVersions[i] = r.u64()
	}
	return r.err
}

// NearGetRequest is the supplemental read-path request (SPEC_FULL §3).
type NearGetRequest struct {
	FutureVersion   uint64
	TopologyVersion uint64
	Keys            []model.Key
}

func (m *NearGetRequest) Type() Type { return TypeNearGetRequest }

func (m *NearGetRequest) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.u64(m.TopologyVersion)
	w.u32(uint32(len(m.Keys)))
	for _, k := range m.Keys {
		w.str(string(k))
	}
}

func (m *NearGetRequest) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	m.TopologyVersion = r.u64()
	n := r.u32()
	m.Keys = make([]model.Key, n)
	for i := range m.Keys {
		m.Keys[i] = model.Key(r.str())
	}
	return r.err
}

// NearGetResponse answers a NearGetRequest.
type NearGetResponse struct {
	FutureVersion uint64
	Values        [][]byte // nil entry means the key was a miss
	Found         []bool
	RemapKeys     []model.Key
}

func (m *NearGetResponse) Type() Type { return TypeNearGetResponse }

func (m *NearGetResponse) marshal(w *writer) {
	w.u64(m.FutureVersion)
	w.u32(uint32(len(m.Values)))
	for i, v := range m.Values {
		w.bytes(v)
		w.boolean(m.Found[i])
	}
	w.u32(uint32(len(m.RemapKeys)))
	for _, k := range m.RemapKeys {
		w.str(string(k))
	}
}

func (m *NearGetResponse) unmarshal(r *reader) error {
	m.FutureVersion = r.u64()
	n := r.u32()
	m.Values = make([][]byte, n)
	m.Found = make([]bool, n)
	for i := range m.Values {
		m.Values[i] = r.bytesCopy()
		m.Found[i] = r.boolean()
	}
	rn := r.u32()
	m.RemapKeys = make([]model.Key, rn)
	for i := range m.RemapKeys {
		m.RemapKeys[i] = model.Key(r.str())
	}
	return r.err
}

// Encode writes a framed, checksummed message to w: [type byte][u32
// length][payload][u32 CRC32C of payload].
func Encode(w io.Writer, msg Message) error {
	buf := newWriter()
	msg.marshal(buf)
	payload := buf.payload()

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, byte(msg.Type())); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	checksum := crc32.Checksum(payload, crcTable)
	if err := binary.Write(bw, binary.LittleEndian, checksum); err != nil {
		return err
	}
	return bw.Flush()
}

// Decode reads one framed message from r and returns the concrete
// Message for its type tag.
func Decode(r io.Reader) (Message, error) {
	var typeByte byte
	if err := binary.Read(r, binary.LittleEndian, &typeByte); err != nil {
		return nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var wantChecksum uint32
	if err := binary.Read(r, binary.LittleEndian, &wantChecksum); err != nil {
		return nil, err
	}
	if got := crc32.Checksum(payload, crcTable); got != wantChecksum {
		return nil, fmt.Errorf("wire: checksum mismatch: got %d want %d", got, wantChecksum)
	}

	msg, err := newMessage(Type(typeByte))
	if err != nil {
		return nil, err
	}
	rd := newReader(payload)
	if err := msg.unmarshal(rd); err != nil {
		return nil, err
	}
	return msg, nil
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeNearUpdateRequest:
		return &NearUpdateRequest{}, nil
	case TypeNearUpdateResponse:
		return &NearUpdateResponse{}, nil
	case TypeDhtUpdateRequest:
		return &DhtUpdateRequest{}, nil
	case TypeDhtUpdateResponse:
		return &DhtUpdateResponse{}, nil
	case TypeDhtDeferredAckResponse:
		return &DhtDeferredAckResponse{}, nil
	case TypeNearGetRequest:
		return &NearGetRequest{}, nil
	case TypeNearGetResponse:
		return &NearGetResponse{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", t)
	}
}
