// Package wire implements the protobuf wire encoding of the six
// block-exchange protocol messages and their shared BlockAddress
// submessage. Field numbers are fixed by the protocol and are hand-encoded
// with github.com/multiformats/go-varint rather than generated from a
// .proto file, in the same spirit as indexnode.go's hand-rolled binary
// format: no code generation step, no dependency on protoc.
package wire

import (
	"fmt"

	"github.com/archivist-project/blockexc/internal/pb"
)

// WantType distinguishes a presence-only want from a full-block want.
type WantType int32

const (
	WantBlock WantType = 0
	WantHave  WantType = 1
)

// PresenceKind reports whether a peer holds a CID.
type PresenceKind int32

const (
	PresenceHave     PresenceKind = 0
	PresenceDontHave PresenceKind = 1
)

// BlockAddress is the wire form of the dual-mode address: either a direct
// CID, or a (tree_cid, index) pair naming a tree leaf.
type BlockAddress struct {
	Leaf    bool
	TreeCID []byte
	Index   uint64
	CID     []byte

	unknown pb.Unknown
}

func (a *BlockAddress) marshalInto(buf []byte) []byte {
	buf = pb.AppendBoolField(buf, 1, a.Leaf)
	if a.Leaf {
		buf = pb.AppendBytesField(buf, 2, a.TreeCID)
		buf = pb.AppendVarintField(buf, 3, a.Index)
	} else {
		buf = pb.AppendBytesField(buf, 4, a.CID)
	}
	return a.unknown.Append(buf)
}

// Marshal encodes the address as a standalone message (used by tests and by
// callers that need the bytes directly, not just nested in a parent field).
func (a *BlockAddress) Marshal() []byte {
	return a.marshalInto(nil)
}

// UnmarshalBlockAddress decodes a BlockAddress from its embedded-message
// payload (the bytes already stripped of the parent's tag and length).
func UnmarshalBlockAddress(data []byte) (*BlockAddress, error) {
	a := &BlockAddress{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			a.Leaf = f.Varint != 0
		case 2:
			a.TreeCID = append([]byte(nil), f.Bytes...)
		case 3:
			a.Index = f.Varint
		case 4:
			a.CID = append([]byte(nil), f.Bytes...)
		default:
			a.unknown = append(a.unknown, f.RawBytes)
		}
		off = next
	}
	return a, nil
}

// WantlistEntry is one entry of a Wantlist.
type WantlistEntry struct {
	Address      *BlockAddress
	Priority     int32
	Cancel       bool
	WantType     WantType
	SendDontHave bool

	unknown pb.Unknown
}

func (e *WantlistEntry) marshalInto(buf []byte) []byte {
	if e.Address != nil {
		buf = pb.AppendMessageField(buf, 1, e.Address.marshalInto(nil))
	}
	buf = pb.AppendInt32Field(buf, 2, e.Priority)
	buf = pb.AppendBoolField(buf, 3, e.Cancel)
	buf = pb.AppendVarintField(buf, 4, uint64(e.WantType))
	buf = pb.AppendBoolField(buf, 5, e.SendDontHave)
	return e.unknown.Append(buf)
}

func unmarshalWantlistEntry(data []byte) (*WantlistEntry, error) {
	e := &WantlistEntry{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			addr, err := UnmarshalBlockAddress(f.Bytes)
			if err != nil {
				return nil, err
			}
			e.Address = addr
		case 2:
			e.Priority = int32(f.Varint)
		case 3:
			e.Cancel = f.Varint != 0
		case 4:
			e.WantType = WantType(f.Varint)
		case 5:
			e.SendDontHave = f.Varint != 0
		default:
			e.unknown = append(e.unknown, f.RawBytes)
		}
		off = next
	}
	return e, nil
}

// Wantlist is a batch of entries, optionally a full replacement of the
// receiver's prior wantlist for this peer.
type Wantlist struct {
	Entries []*WantlistEntry
	Full    bool

	unknown pb.Unknown
}

func (w *Wantlist) marshalInto(buf []byte) []byte {
	for _, e := range w.Entries {
		buf = pb.AppendMessageField(buf, 1, e.marshalInto(nil))
	}
	buf = pb.AppendBoolField(buf, 2, w.Full)
	return w.unknown.Append(buf)
}

func unmarshalWantlist(data []byte) (*Wantlist, error) {
	w := &Wantlist{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			e, err := unmarshalWantlistEntry(f.Bytes)
			if err != nil {
				return nil, err
			}
			w.Entries = append(w.Entries, e)
		case 2:
			w.Full = f.Varint != 0
		default:
			w.unknown = append(w.unknown, f.RawBytes)
		}
		off = next
	}
	return w, nil
}

// BlockDelivery carries one block's data plus the address it was fetched
// under, and (for tree-leaf addresses) the accompanying merkle proof.
type BlockDelivery struct {
	CID     []byte
	Data    []byte
	Address *BlockAddress
	Proof   []byte // encoded ArchivistProof; present iff Address.Leaf

	unknown pb.Unknown
}

func (d *BlockDelivery) marshalInto(buf []byte) []byte {
	buf = pb.AppendBytesField(buf, 1, d.CID)
	buf = pb.AppendBytesField(buf, 2, d.Data)
	if d.Address != nil {
		buf = pb.AppendMessageField(buf, 3, d.Address.marshalInto(nil))
	}
	if len(d.Proof) > 0 {
		buf = pb.AppendBytesField(buf, 4, d.Proof)
	}
	return d.unknown.Append(buf)
}

func unmarshalBlockDelivery(data []byte) (*BlockDelivery, error) {
	d := &BlockDelivery{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			d.CID = append([]byte(nil), f.Bytes...)
		case 2:
			d.Data = append([]byte(nil), f.Bytes...)
		case 3:
			addr, err := UnmarshalBlockAddress(f.Bytes)
			if err != nil {
				return nil, err
			}
			d.Address = addr
		case 4:
			d.Proof = append([]byte(nil), f.Bytes...)
		default:
			d.unknown = append(d.unknown, f.RawBytes)
		}
		off = next
	}
	return d, nil
}

// BlockPresence is a peer's declaration about a CID: Have (optionally priced)
// or DontHave.
type BlockPresence struct {
	Address *BlockAddress
	Kind    PresenceKind
	Price   []byte // UInt256 big-endian, opaque to this package

	unknown pb.Unknown
}

func (p *BlockPresence) marshalInto(buf []byte) []byte {
	if p.Address != nil {
		buf = pb.AppendMessageField(buf, 1, p.Address.marshalInto(nil))
	}
	buf = pb.AppendVarintField(buf, 2, uint64(p.Kind))
	if len(p.Price) > 0 {
		buf = pb.AppendBytesField(buf, 3, p.Price)
	}
	return p.unknown.Append(buf)
}

func unmarshalBlockPresence(data []byte) (*BlockPresence, error) {
	p := &BlockPresence{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			addr, err := UnmarshalBlockAddress(f.Bytes)
			if err != nil {
				return nil, err
			}
			p.Address = addr
		case 2:
			p.Kind = PresenceKind(f.Varint)
		case 3:
			p.Price = append([]byte(nil), f.Bytes...)
		default:
			p.unknown = append(p.unknown, f.RawBytes)
		}
		off = next
	}
	return p, nil
}

// Message is the top-level protocol envelope exchanged over a
// /archivist/blockexc/1.0.0 stream. Field 2 is intentionally skipped — it
// was reserved by an earlier protocol revision and must never be reused.
type Message struct {
	Wantlist     *Wantlist
	Payload      []*BlockDelivery
	Presences    []*BlockPresence
	PendingBytes int32
	Account      []byte
	Payment      []byte

	unknown pb.Unknown
}

// Marshal encodes m to its wire form.
func (m *Message) Marshal() []byte {
	var buf []byte
	if m.Wantlist != nil {
		buf = pb.AppendMessageField(buf, 1, m.Wantlist.marshalInto(nil))
	}
	for _, d := range m.Payload {
		buf = pb.AppendMessageField(buf, 3, d.marshalInto(nil))
	}
	for _, p := range m.Presences {
		buf = pb.AppendMessageField(buf, 4, p.marshalInto(nil))
	}
	buf = pb.AppendInt32Field(buf, 5, m.PendingBytes)
	if len(m.Account) > 0 {
		buf = pb.AppendBytesField(buf, 6, m.Account)
	}
	if len(m.Payment) > 0 {
		buf = pb.AppendBytesField(buf, 7, m.Payment)
	}
	return m.unknown.Append(buf)
}

// Unmarshal decodes a Message from its wire form. It never panics; any
// malformed input yields a *DecodeError naming the reason and byte offset.
// A negative PendingBytes is clamped to zero and reported through the
// returned bool so the caller can log it.
func Unmarshal(data []byte) (*Message, bool, error) {
	m := &Message{}
	clamped := false
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, false, err
		}
		switch f.Num {
		case 1:
			wl, err := unmarshalWantlist(f.Bytes)
			if err != nil {
				return nil, false, err
			}
			m.Wantlist = wl
		case 3:
			d, err := unmarshalBlockDelivery(f.Bytes)
			if err != nil {
				return nil, false, err
			}
			m.Payload = append(m.Payload, d)
		case 4:
			p, err := unmarshalBlockPresence(f.Bytes)
			if err != nil {
				return nil, false, err
			}
			m.Presences = append(m.Presences, p)
		case 5:
			v := int32(int64(f.Varint))
			if v < 0 {
				v = 0
				clamped = true
			}
			m.PendingBytes = v
		case 6:
			m.Account = append([]byte(nil), f.Bytes...)
		case 7:
			m.Payment = append([]byte(nil), f.Bytes...)
		default:
			m.unknown = append(m.unknown, f.RawBytes)
		}
		off = next
	}
	return m, clamped, nil
}

func (w WantType) String() string {
	switch w {
	case WantBlock:
		return "Block"
	case WantHave:
		return "Have"
	default:
		return fmt.Sprintf("WantType(%d)", int32(w))
	}
}

func (k PresenceKind) String() string {
	switch k {
	case PresenceHave:
		return "Have"
	case PresenceDontHave:
		return "DontHave"
	default:
		return fmt.Sprintf("PresenceKind(%d)", int32(k))
	}
}
