// Package manifest implements the binary representation of a dataset:
// merkle-tree root, block size, erasure-coding parameters, and optional
// verification roots. A Manifest is encoded as a protobuf Header wrapped
// as field 1 of a minimal DAG-PB node, matching the envelope format the
// rest of the Archivist ecosystem expects on the wire.
package manifest

import "github.com/archivist-project/blockexc/internal/pb"

// Strategy describes how block indices are grouped into erasure-coded
// iterations.
type Strategy uint32

const (
	// StrategyLinear groups contiguous blocks per iteration.
	StrategyLinear Strategy = 0
	// StrategyStepped interleaves blocks across iterations.
	StrategyStepped Strategy = 1
)

// VerificationInfo carries the optional per-slot verification roots used by
// proof-of-storage challenges. The core treats every field here as opaque
// data to be stored and round-tripped; it performs no verification itself.
type VerificationInfo struct {
	VerifyRoot         []byte
	SlotRoots          [][]byte
	CellSize           uint32
	VerifiableStrategy Strategy

	unknown pb.Unknown
}

func (v *VerificationInfo) marshalInto(buf []byte) []byte {
	buf = pb.AppendBytesField(buf, 1, v.VerifyRoot)
	for _, root := range v.SlotRoots {
		buf = pb.AppendBytesField(buf, 2, root)
	}
	buf = pb.AppendVarintField(buf, 3, uint64(v.CellSize))
	buf = pb.AppendVarintField(buf, 4, uint64(v.VerifiableStrategy))
	return v.unknown.Append(buf)
}

func unmarshalVerificationInfo(data []byte) (*VerificationInfo, error) {
	v := &VerificationInfo{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			v.VerifyRoot = append([]byte(nil), f.Bytes...)
		case 2:
			v.SlotRoots = append(v.SlotRoots, append([]byte(nil), f.Bytes...))
		case 3:
			v.CellSize = uint32(f.Varint)
		case 4:
			v.VerifiableStrategy = Strategy(f.Varint)
		default:
			v.unknown = append(v.unknown, f.RawBytes)
		}
		off = next
	}
	return v, nil
}

// ErasureInfo carries the Reed-Solomon parameters a manifest was protected
// with: K data shards, M parity shards, and a pointer back to the
// unprotected original dataset this one was derived from.
type ErasureInfo struct {
	EcK                 uint32
	EcM                 uint32
	OriginalTreeCID     []byte
	OriginalDatasetSize uint64
	ProtectedStrategy   Strategy
	Verification        *VerificationInfo

	unknown pb.Unknown
}

func (e *ErasureInfo) marshalInto(buf []byte) []byte {
	buf = pb.AppendVarintField(buf, 1, uint64(e.EcK))
	buf = pb.AppendVarintField(buf, 2, uint64(e.EcM))
	buf = pb.AppendBytesField(buf, 3, e.OriginalTreeCID)
	buf = pb.AppendVarintField(buf, 4, e.OriginalDatasetSize)
	buf = pb.AppendVarintField(buf, 5, uint64(e.ProtectedStrategy))
	if e.Verification != nil {
		buf = pb.AppendMessageField(buf, 6, e.Verification.marshalInto(nil))
	}
	return e.unknown.Append(buf)
}

func unmarshalErasureInfo(data []byte) (*ErasureInfo, error) {
	e := &ErasureInfo{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			e.EcK = uint32(f.Varint)
		case 2:
			e.EcM = uint32(f.Varint)
		case 3:
			e.OriginalTreeCID = append([]byte(nil), f.Bytes...)
		case 4:
			e.OriginalDatasetSize = f.Varint
		case 5:
			e.ProtectedStrategy = Strategy(f.Varint)
		case 6:
			v, err := unmarshalVerificationInfo(f.Bytes)
			if err != nil {
				return nil, err
			}
			e.Verification = v
		default:
			e.unknown = append(e.unknown, f.RawBytes)
		}
		off = next
	}
	return e, nil
}

// Manifest is the dataset-level metadata record: the merkle root of the
// block tree, the fixed block size, the dataset's total size, the codecs
// used to address it, and optional erasure-coding and naming metadata.
type Manifest struct {
	TreeCID     []byte
	BlockSize   uint32
	DatasetSize uint64
	Codec       uint32
	Hcodec      uint32
	Version     uint32
	Erasure     *ErasureInfo
	Filename    string
	Mimetype    string

	// IndexPageCID names the leaf-index page (package indexnode) a
	// publishing path persisted alongside this manifest, if any. It lets a
	// node re-register the tree's leaf mapping with store.PutIndexPage
	// after a restart, instead of only tracking it in memory from
	// ingestion time. Empty for manifests published before this field
	// existed, or for single-leaf datasets where no page is worth the
	// extra block.
	IndexPageCID []byte

	unknown pb.Unknown
}

// Marshal encodes the manifest's Header to its wire form (not yet wrapped
// in the DAG-PB envelope; see Encode).
func (m *Manifest) Marshal() []byte {
	var buf []byte
	buf = pb.AppendBytesField(buf, 1, m.TreeCID)
	buf = pb.AppendVarintField(buf, 2, uint64(m.BlockSize))
	buf = pb.AppendVarintField(buf, 3, m.DatasetSize)
	buf = pb.AppendVarintField(buf, 4, uint64(m.Codec))
	buf = pb.AppendVarintField(buf, 5, uint64(m.Hcodec))
	buf = pb.AppendVarintField(buf, 6, uint64(m.Version))
	if m.Erasure != nil {
		buf = pb.AppendMessageField(buf, 7, m.Erasure.marshalInto(nil))
	}
	if m.Filename != "" {
		buf = pb.AppendBytesField(buf, 8, []byte(m.Filename))
	}
	if m.Mimetype != "" {
		buf = pb.AppendBytesField(buf, 9, []byte(m.Mimetype))
	}
	if len(m.IndexPageCID) > 0 {
		buf = pb.AppendBytesField(buf, 10, m.IndexPageCID)
	}
	return m.unknown.Append(buf)
}

// Unmarshal decodes a manifest Header from its wire form.
func Unmarshal(data []byte) (*Manifest, error) {
	m := &Manifest{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			m.TreeCID = append([]byte(nil), f.Bytes...)
		case 2:
			m.BlockSize = uint32(f.Varint)
		case 3:
			m.DatasetSize = f.Varint
		case 4:
			m.Codec = uint32(f.Varint)
		case 5:
			m.Hcodec = uint32(f.Varint)
		case 6:
			m.Version = uint32(f.Varint)
		case 7:
			e, err := unmarshalErasureInfo(f.Bytes)
			if err != nil {
				return nil, err
			}
			m.Erasure = e
		case 8:
			m.Filename = string(f.Bytes)
		case 9:
			m.Mimetype = string(f.Bytes)
		case 10:
			m.IndexPageCID = append([]byte(nil), f.Bytes...)
		default:
			m.unknown = append(m.unknown, f.RawBytes)
		}
		off = next
	}
	return m, nil
}

// dagPBDataField is the field number DAG-PB reserves for a node's opaque
// data payload. This package never emits DAG-PB Links; manifests carry no
// child references of their own.
const dagPBDataField = 1

// Encode wraps the manifest's encoded Header as field 1 of a DAG-PB node,
// the envelope format the wider Archivist ecosystem expects on the wire.
func (m *Manifest) Encode() []byte {
	return pb.AppendBytesField(nil, dagPBDataField, m.Marshal())
}

// Decode unwraps a DAG-PB envelope and decodes the Header it carries.
func Decode(data []byte) (*Manifest, error) {
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		if f.Num == dagPBDataField {
			return Unmarshal(f.Bytes)
		}
		off = next
	}
	return nil, &pb.DecodeError{Reason: "DAG-PB envelope carries no Data field", Offset: 0}
}
