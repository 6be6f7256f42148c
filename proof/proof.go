// Package proof implements the wire envelope for ArchivistProof, the
// merkle-inclusion proof carried alongside tree-leaf block deliveries. This
// package never verifies a proof — the exchange engine does that with
// package merkle — it only guarantees the payload round-trips exactly
// across encode/decode.
package proof

import "github.com/archivist-project/blockexc/internal/pb"

// ProofNode is one sibling hash on a merkle inclusion path. Left records
// which side of the path being proven this sibling sits on, needed to
// recombine the path in the right order during verification.
type ProofNode struct {
	Hash []byte
	Left bool
}

func (n *ProofNode) marshalInto(buf []byte) []byte {
	buf = pb.AppendBytesField(buf, 1, n.Hash)
	if n.Left {
		buf = pb.AppendVarintField(buf, 2, 1)
	}
	return buf
}

func unmarshalProofNode(data []byte) (*ProofNode, error) {
	n := &ProofNode{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			n.Hash = append([]byte(nil), f.Bytes...)
		case 2:
			n.Left = f.Varint != 0
		}
		off = next
	}
	return n, nil
}

// ArchivistProof is an opaque-to-this-engine merkle inclusion proof: which
// multicodec hashed it (mcodec), the leaf index and total leaf count it was
// computed against, and the sibling path from leaf to root.
type ArchivistProof struct {
	Mcodec  uint64
	Index   uint64
	Nleaves uint64
	Path    []*ProofNode

	unknown pb.Unknown
}

// Marshal encodes the proof to its wire form.
func (p *ArchivistProof) Marshal() []byte {
	var buf []byte
	buf = pb.AppendVarintField(buf, 1, p.Mcodec)
	buf = pb.AppendVarintField(buf, 2, p.Index)
	buf = pb.AppendVarintField(buf, 3, p.Nleaves)
	for _, n := range p.Path {
		buf = pb.AppendMessageField(buf, 4, n.marshalInto(nil))
	}
	return p.unknown.Append(buf)
}

// Unmarshal decodes a proof from its wire form.
func Unmarshal(data []byte) (*ArchivistProof, error) {
	p := &ArchivistProof{}
	off := 0
	for off < len(data) {
		f, next, err := pb.ReadField(data, off)
		if err != nil {
			return nil, err
		}
		switch f.Num {
		case 1:
			p.Mcodec = f.Varint
		case 2:
			p.Index = f.Varint
		case 3:
			p.Nleaves = f.Varint
		case 4:
			n, err := unmarshalProofNode(f.Bytes)
			if err != nil {
				return nil, err
			}
			p.Path = append(p.Path, n)
		default:
			p.unknown = append(p.unknown, f.RawBytes)
		}
		off = next
	}
	return p, nil
}
