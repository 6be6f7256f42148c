// Package chunker specifies how an uploaded byte stream becomes the blocks
// the store and exchange engine deal in: Chunker is the boundary interface,
// and Fixed (fixed.go) is the one splitting strategy shipped alongside it.
package chunker

import (
	"context"
	"io"

	"github.com/archivist-project/blockexc/cid"
)

// Chunker splits a byte stream into blocks of at most a configured size.
// Next returns io.EOF once the stream is exhausted, matching the stdlib
// io.Reader convention.
type Chunker interface {
	Next(ctx context.Context) (cid.Block, error)
}

// FromReader is the constructor signature a concrete chunker is expected to
// satisfy. NewFixed matches it.
type FromReader func(r io.Reader, blockSize int, hashCode uint64) Chunker
