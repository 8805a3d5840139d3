package wire

import (
	"encoding/binary"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// writer accumulates a message payload as fixed-width little-endian
// fields and length-prefixed strings/byte slices.
type writer struct {
	buf []byte
}

func newWriter() *writer {
	return &writer{buf: make([]byte, 0, 256)}
}

func (w *writer) payload() []byte { return w.buf }

func (w *writer) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) i64(v int64) {
	w.u64(uint64(v))
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// bytes writes a length-prefixed byte slice; nil and empty are both
// encoded as length 0 and indistinguishable on decode (callers that
// need to distinguish use a separate presence flag, e.g. NearGetResponse.Found).
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) version(v model.CacheVersion) {
	w.u64(v.TopologyVersion)
	w.u64(v.Order)
	w.u32(v.NodeOrder)
	w.u32(v.DataCenterID)
}

// reader consumes a payload produced by writer, tracking the first
// error encountered so callers can check it once at the end instead of
// after every field read.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = errShortBuffer
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) i64() int64 {
	return int64(r.u64())
}

func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) str() string {
	n := r.u32()
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

// bytesCopy reads a length-prefixed byte slice, copying so the result
// outlives the decode buffer.
func (r *reader) bytesCopy() []byte {
	n := r.u32()
	if n == 0 {
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out
}

func (r *reader) version() model.CacheVersion {
	v := model.CacheVersion{}
	v.TopologyVersion = r.u64()
	v.Order = r.u64()
	v.NodeOrder = r.u32()
	v.DataCenterID = r.u32()
	return v
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "wire: unexpected end of payload" }
