package valuecache

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// Node encoding format (little-endian header, protowire payload):
// - next     (8 bytes, Ref of the next newer value of the item)
// - sec      (8 bytes)
// - ns       (4 bytes)
// - variant  (1 byte)
// - state    (1 byte)
// - flags    (1 byte)
// - reserved (1 byte)
// - payload:
//     float: fixed64 bits
//     uint:  varint
//     str, text, error: length-prefixed bytes
//     log:   value bytes, source bytes, zigzag timestamp, severity, event id
//     none:  empty
// - with FlagMeta: varint lastlogsize, zigzag mtime

const (
	offNext    = 0
	offSec     = 8
	offNs      = 16
	offVariant = 20
	offState   = 21
	offFlags   = 22
	headerSize = 24
)

// MaxRecordSize bounds the encoded size of a value after the stager has
// truncated it: header, the longest log payload with its two length
// prefixes and three varints, and the meta fields.
const MaxRecordSize = headerSize +
	config.MaxTextValueLen + 4*config.MaxLogSourceLen +
	7*binary.MaxVarintLen64

// appendNode appends the encoded node of v, with a nil next link, to buf.
func appendNode(buf []byte, v *types.Value) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[offSec:], uint64(v.Timestamp.Sec))
	binary.LittleEndian.PutUint32(hdr[offNs:], uint32(v.Timestamp.Ns))
	hdr[offVariant] = byte(v.Variant.Type)
	hdr[offState] = byte(v.State)
	hdr[offFlags] = byte(v.Flags)
	buf = append(buf, hdr[:]...)

	switch v.Variant.Type {
	case types.VariantFloat:
		buf = protowire.AppendFixed64(buf, math.Float64bits(v.Variant.Float))
	case types.VariantUint:
		buf = protowire.AppendVarint(buf, v.Variant.Uint)
	case types.VariantStr, types.VariantText, types.VariantErr:
		buf = protowire.AppendString(buf, v.Variant.Str)
	case types.VariantLog:
		var l types.LogValue
		if v.Variant.Log != nil {
			l = *v.Variant.Log
		}
		buf = protowire.AppendString(buf, l.Value)
		buf = protowire.AppendString(buf, l.Source)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(l.Timestamp)))
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(l.Severity)))
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(l.LogEventID)))
	}

	if v.Flags.Has(types.FlagMeta) {
		buf = protowire.AppendVarint(buf, v.LastLogSize)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(v.MTime)))
	}
	return buf
}

// decodeNode decodes the node in data into a Value of item id.
func decodeNode(id types.ItemID, data []byte) (types.Value, error) {
	if len(data) < headerSize {
		return types.Value{}, fmt.Errorf("node of %d bytes: %w", len(data), errors.ErrCorruptRecord)
	}

	v := types.Value{
		ItemID:    id,
		Timestamp: nodeTimestamp(data),
		State:     types.ItemState(data[offState]),
		Flags:     types.Flags(data[offFlags]),
	}
	v.Variant.Type = types.VariantType(data[offVariant])

	r := reader{data: data[headerSize:]}
	switch v.Variant.Type {
	case types.VariantNone:
	case types.VariantFloat:
		v.Variant.Float = math.Float64frombits(r.fixed64())
	case types.VariantUint:
		v.Variant.Uint = r.varint()
	case types.VariantStr, types.VariantText, types.VariantErr:
		v.Variant.Str = r.str()
	case types.VariantLog:
		l := &types.LogValue{}
		l.Value = r.str()
		l.Source = r.str()
		l.Timestamp = int32(r.zigzag())
		l.Severity = int32(r.zigzag())
		l.LogEventID = int32(r.zigzag())
		v.Variant.Log = l
	default:
		return types.Value{}, fmt.Errorf("item %d: variant %d: %w", id, data[offVariant], errors.ErrCorruptRecord)
	}

	if v.Flags.Has(types.FlagMeta) {
		v.LastLogSize = r.varint()
		v.MTime = int32(r.zigzag())
	}

	if r.err != nil {
		return types.Value{}, fmt.Errorf("item %d: %v: %w", id, r.err, errors.ErrCorruptRecord)
	}
	return v, nil
}

func nodeNext(data []byte) shmem.Ref {
	return shmem.Ref(binary.LittleEndian.Uint64(data[offNext:]))
}

func setNodeNext(data []byte, next shmem.Ref) {
	binary.LittleEndian.PutUint64(data[offNext:], uint64(next))
}

func nodeTimestamp(data []byte) types.Timestamp {
	return types.Timestamp{
		Sec: int64(binary.LittleEndian.Uint64(data[offSec:])),
		Ns:  int32(binary.LittleEndian.Uint32(data[offNs:])),
	}
}

func nodeVariant(data []byte) types.VariantType {
	return types.VariantType(data[offVariant])
}

// reader consumes protowire fields and keeps the first error.
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail(n int) {
	if r.err == nil {
		r.err = protowire.ParseError(n)
	}
	r.data = nil
}

func (r *reader) fixed64() uint64 {
	v, n := protowire.ConsumeFixed64(r.data)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.data = r.data[n:]
	return v
}

func (r *reader) varint() uint64 {
	v, n := protowire.ConsumeVarint(r.data)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.data = r.data[n:]
	return v
}

func (r *reader) zigzag() int64 {
	return protowire.DecodeZigZag(r.varint())
}

func (r *reader) str() string {
	v, n := protowire.ConsumeString(r.data)
	if n < 0 {
		r.fail(n)
		return ""
	}
	r.data = r.data[n:]
	return v
}
