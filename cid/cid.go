// Package cid implements the addressing layer of the block-exchange engine:
// construction, parsing and comparison of content identifiers, and the
// dual-mode BlockAddress (direct CID vs. tree-leaf) that threads through the
// store, the wire codec and the exchange engine.
package cid

import (
	"fmt"

	ipfscid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CID is a content identifier: version 1, a codec from the table below, and
// a multihash. It is byte-comparable; CIDs are never compared by string form.
type CID = ipfscid.Cid

// Undef is the zero-value CID, used where a CID field is absent.
var Undef = ipfscid.Undef

// Multicodec table (normative subset used by this protocol).
const (
	CodecRaw         = 0xcd02 // block (raw data)
	CodecManifest    = 0xcd01 // manifest envelope
	CodecDatasetRoot = 0xcd03 // dataset merkle root
	CodecSlotRoot    = 0xcd04 // slot merkle root
)

// Hash codes (multihash table, normative subset used by this protocol).
const (
	HashSHA256    = mh.SHA2_256 // 0x12
	HashPoseidon2 = 0xcd10      // sponge construction, opaque to this engine
	HashBlake3    = mh.BLAKE3   // 0x1e, used by dataset-root CIDs (package merkle)
)

// digestSize is the only digest length this engine accepts; every hash
// function in the table produces 32-byte outputs.
const digestSize = 32

// MalformedCidError is returned for truncated bytes, an unsupported version,
// or a multihash whose digest length doesn't match digestSize. An
// unsupported codec is reported as UnsupportedCodecError instead.
type MalformedCidError struct {
	Reason string
}

func (e *MalformedCidError) Error() string {
	return fmt.Sprintf("malformed cid: %s", e.Reason)
}

// UnsupportedCodecError is returned when a CID names a codec outside the
// table this engine recognizes.
type UnsupportedCodecError struct {
	Codec uint64
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported codec: 0x%x", e.Codec)
}

func isKnownCodec(codec uint64) bool {
	switch codec {
	case CodecRaw, CodecManifest, CodecDatasetRoot, CodecSlotRoot:
		return true
	default:
		return false
	}
}

// Parse decodes a CID from its binary wire form, enforcing this engine's
// constraints: version 1, a recognized codec, and a 32-byte digest.
func Parse(b []byte) (CID, error) {
	c, err := ipfscid.Cast(b)
	if err != nil {
		return Undef, &MalformedCidError{Reason: err.Error()}
	}
	if c.Version() != 1 {
		return Undef, &MalformedCidError{Reason: fmt.Sprintf("unsupported cid version %d", c.Version())}
	}
	if !isKnownCodec(c.Type()) {
		return Undef, &UnsupportedCodecError{Codec: c.Type()}
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return Undef, &MalformedCidError{Reason: err.Error()}
	}
	if decoded.Length != digestSize {
		return Undef, &MalformedCidError{Reason: fmt.Sprintf("digest length %d, want %d", decoded.Length, digestSize)}
	}
	return c, nil
}

// New builds a CID from a codec and an already-computed multihash digest.
// It does not hash anything itself; the digest is assumed to already be the
// output of hashCode applied to some content.
func New(codec uint64, hashCode uint64, digest []byte) (CID, error) {
	if !isKnownCodec(codec) {
		return Undef, &UnsupportedCodecError{Codec: codec}
	}
	if len(digest) != digestSize {
		return Undef, &MalformedCidError{Reason: fmt.Sprintf("digest length %d, want %d", len(digest), digestSize)}
	}
	m, err := mh.Encode(digest, hashCode)
	if err != nil {
		return Undef, &MalformedCidError{Reason: err.Error()}
	}
	return ipfscid.NewCidV1(codec, m), nil
}

// ForBlock computes the CID of a raw block's data under the given hash code.
// Only hash codes this engine can itself compute (SHA-256) are accepted here;
// Poseidon2 digests arrive pre-computed from the external merkle module via New.
func ForBlock(data []byte, hashCode uint64) (CID, error) {
	if hashCode != HashSHA256 {
		return Undef, fmt.Errorf("cid: cannot compute hash code 0x%x locally", hashCode)
	}
	digest, err := mh.Sum(data, hashCode, digestSize)
	if err != nil {
		return Undef, fmt.Errorf("cid: hash computation failed: %w", err)
	}
	decoded, err := mh.Decode(digest)
	if err != nil {
		return Undef, fmt.Errorf("cid: decode computed digest: %w", err)
	}
	return New(CodecRaw, hashCode, decoded.Digest)
}

// Verify recomputes the hash of data under c's hash code and reports whether
// it matches c's digest. Only hash codes this engine can compute are checked;
// a CID using an externally-verified code (Poseidon2) always reports nil —
// its correctness is the external merkle module's responsibility.
func Verify(c CID, data []byte) error {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return &MalformedCidError{Reason: err.Error()}
	}
	if decoded.Code != HashSHA256 {
		return nil
	}
	computed, err := mh.Sum(data, decoded.Code, len(decoded.Digest))
	if err != nil {
		return fmt.Errorf("cid: hash computation failed: %w", err)
	}
	cdecoded, err := mh.Decode(computed)
	if err != nil {
		return fmt.Errorf("cid: decode computed digest: %w", err)
	}
	for i := range cdecoded.Digest {
		if cdecoded.Digest[i] != decoded.Digest[i] {
			return &CidMismatchError{Expected: c, ComputedDigest: cdecoded.Digest}
		}
	}
	return nil
}

// Digest returns the 32-byte digest portion of c's multihash, independent
// of which hash code produced it. The merkle and proof packages work in
// raw digests rather than full CIDs, since a dataset root and its leaves
// carry different codecs and hash codes but must still compare byte-equal
// at the digest level during inclusion-proof verification.
func Digest(c CID) ([32]byte, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return [32]byte{}, &MalformedCidError{Reason: err.Error()}
	}
	if len(decoded.Digest) != digestSize {
		return [32]byte{}, &MalformedCidError{Reason: fmt.Sprintf("digest length %d, want %d", len(decoded.Digest), digestSize)}
	}
	var out [32]byte
	copy(out[:], decoded.Digest)
	return out, nil
}

// CidMismatchError reports that a delivered block's hash does not match
// its claimed CID, fatal to the delivering peer's credibility for that CID.
type CidMismatchError struct {
	Expected       CID
	ComputedDigest []byte
}

func (e *CidMismatchError) Error() string {
	return fmt.Sprintf("cid mismatch: expected %s, computed digest %x", e.Expected, e.ComputedDigest)
}
