package chunker

import (
	"context"
	"io"

	"github.com/archivist-project/blockexc/cid"
)

// Fixed splits a reader into fixed-size raw blocks, the simplest strategy
// FromReader's signature allows: every block but the last is exactly
// blockSize bytes, and the final, possibly-short block still gets its own
// CID under hashCode.
type Fixed struct {
	r         io.Reader
	blockSize int
	hashCode  uint64
	done      bool
}

// NewFixed satisfies the FromReader constructor signature.
func NewFixed(r io.Reader, blockSize int, hashCode uint64) Chunker {
	return &Fixed{r: r, blockSize: blockSize, hashCode: hashCode}
}

// Next reads the next fixed-size block, returning io.EOF once the reader
// is exhausted.
func (f *Fixed) Next(ctx context.Context) (cid.Block, error) {
	if f.done {
		return cid.Block{}, io.EOF
	}

	buf := make([]byte, f.blockSize)
	n, err := io.ReadFull(f.r, buf)
	switch err {
	case nil:
		// A full block was read; more may follow.
	case io.ErrUnexpectedEOF:
		f.done = true
	case io.EOF:
		return cid.Block{}, io.EOF
	default:
		return cid.Block{}, err
	}

	return cid.NewBlock(buf[:n], f.hashCode, 0)
}
