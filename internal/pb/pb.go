// Package pb holds the hand-rolled protobuf wire primitives shared by
// package wire (protocol messages), package proof (merkle proof envelope)
// and package manifest (dataset header envelope). None of these packages
// run protoc; field numbers are fixed by the protocol and encoded directly
// with github.com/multiformats/go-varint, in the spirit of indexnode.go's
// hand-rolled binary layout.
package pb

import (
	"fmt"

	"github.com/multiformats/go-varint"
)

const (
	WireVarint = 0
	WireBytes  = 2
)

// DecodeError reports a malformed wire message: the reason it failed to
// parse and the byte offset within the buffer where the failure occurred.
type DecodeError struct {
	Reason string
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
}

func errf(offset int, format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Offset: offset}
}

func AppendTag(buf []byte, fieldNum int, wireType int) []byte {
	tag := uint64(fieldNum)<<3 | uint64(wireType)
	return append(buf, varint.ToUvarint(tag)...)
}

func AppendVarintField(buf []byte, fieldNum int, v uint64) []byte {
	buf = AppendTag(buf, fieldNum, WireVarint)
	return append(buf, varint.ToUvarint(v)...)
}

func AppendBoolField(buf []byte, fieldNum int, v bool) []byte {
	if !v {
		return buf
	}
	return AppendVarintField(buf, fieldNum, 1)
}

// AppendInt32Field mirrors protobuf's int32 wire behavior: negative values
// sign-extend to 64 bits before varint encoding.
func AppendInt32Field(buf []byte, fieldNum int, v int32) []byte {
	return AppendVarintField(buf, fieldNum, uint64(int64(v)))
}

func AppendBytesField(buf []byte, fieldNum int, data []byte) []byte {
	buf = AppendTag(buf, fieldNum, WireBytes)
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	return append(buf, data...)
}

func AppendMessageField(buf []byte, fieldNum int, encoded []byte) []byte {
	return AppendBytesField(buf, fieldNum, encoded)
}

// Field is one decoded (fieldNum, wireType, payload) unit read off the wire.
type Field struct {
	Num      int
	WireType int
	Varint   uint64
	Bytes    []byte
	RawBytes []byte
}

// ReadField reads one tag plus its payload starting at off, returning the
// decoded field and the offset of the next field. It never panics: any
// truncated or malformed input yields a *DecodeError.
func ReadField(buf []byte, off int) (Field, int, error) {
	start := off
	tag, n, err := varint.FromUvarint(buf[off:])
	if err != nil {
		return Field{}, 0, errf(off, "bad tag: %v", err)
	}
	off += n
	num := int(tag >> 3)
	wt := int(tag & 7)
	if num == 0 {
		return Field{}, 0, errf(start, "field number 0 is invalid")
	}

	switch wt {
	case WireVarint:
		v, n, err := varint.FromUvarint(buf[off:])
		if err != nil {
			return Field{}, 0, errf(off, "bad varint for field %d: %v", num, err)
		}
		off += n
		return Field{Num: num, WireType: wt, Varint: v, RawBytes: buf[start:off]}, off, nil
	case WireBytes:
		ln, n, err := varint.FromUvarint(buf[off:])
		if err != nil {
			return Field{}, 0, errf(off, "bad length for field %d: %v", num, err)
		}
		off += n
		if uint64(len(buf)-off) < ln {
			return Field{}, 0, errf(off, "truncated payload for field %d: want %d bytes", num, ln)
		}
		end := off + int(ln)
		return Field{Num: num, WireType: wt, Bytes: buf[off:end], RawBytes: buf[start:end]}, end, nil
	default:
		return Field{}, 0, errf(start, "unsupported wire type %d on field %d", wt, num)
	}
}

// Unknown accumulates the raw bytes of fields a message doesn't recognize,
// so they survive a decode/re-encode round trip.
type Unknown [][]byte

func (u Unknown) Append(buf []byte) []byte {
	for _, raw := range u {
		buf = append(buf, raw...)
	}
	return buf
}
