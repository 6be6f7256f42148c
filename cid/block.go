package cid

import (
	"fmt"

	mh "github.com/multiformats/go-multihash"
)

// MaxBlockSize is the default maximum size of a block's data, configurable
// per node.
const MaxBlockSize = 65536

// Block is the fundamental unit of storage: raw data addressed by the CID
// of that data under a fixed hash code.
type Block struct {
	CID  CID
	Data []byte
}

// OversizedBlockError is returned when a block's data exceeds the
// configured maximum block size.
type OversizedBlockError struct {
	Size, Max int
}

func (e *OversizedBlockError) Error() string {
	return fmt.Sprintf("block too large: %d bytes, max %d", e.Size, e.Max)
}

// NewBlock computes a block's CID from its data under hashCode and
// constructs the Block: the compute-path entry point, as opposed to
// VerifyBlock's verify-path.

func NewBlock(data []byte, hashCode uint64, maxSize int) (Block, error) {
	if maxSize > 0 && len(data) > maxSize {
		return Block{}, &OversizedBlockError{Size: len(data), Max: maxSize}
	}
	c, err := ForBlock(data, hashCode)
	if err != nil {
		return Block{}, err
	}
	return Block{CID: c, Data: data}, nil
}

// VerifyBlock constructs a Block from data under a claimed CID, verifying
// that the data actually hashes to that CID: the verify-path entry point
// used when data arrives over the network with its CID already claimed.
func VerifyBlock(claimed CID, data []byte, maxSize int) (Block, error) {
	if maxSize > 0 && len(data) > maxSize {
		return Block{}, &OversizedBlockError{Size: len(data), Max: maxSize}
	}
	if err := Verify(claimed, data); err != nil {
		return Block{}, err
	}
	return Block{CID: claimed, Data: data}, nil
}

// ForBlockWithCodec computes a block's CID under an explicit codec rather
// than the raw-block default, for content that addresses itself with
// CodecRaw's hash rules but a different multicodec tag (e.g. a manifest
// envelope or an index page stored as a first-class block).
func ForBlockWithCodec(data []byte, codec uint64, hashCode uint64) (CID, error) {
	if hashCode != HashSHA256 {
		return Undef, fmt.Errorf("cid: cannot compute hash code 0x%x locally", hashCode)
	}
	if !isKnownCodec(codec) {
		return Undef, &UnsupportedCodecError{Codec: codec}
	}
	digest, err := mh.Sum(data, hashCode, digestSize)
	if err != nil {
		return Undef, fmt.Errorf("cid: hash computation failed: %w", err)
	}
	decoded, err := mh.Decode(digest)
	if err != nil {
		return Undef, fmt.Errorf("cid: decode computed digest: %w", err)
	}
	return New(codec, hashCode, decoded.Digest)
}
