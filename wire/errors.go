package wire

import "github.com/archivist-project/blockexc/internal/pb"

// DecodeError reports a malformed wire message: the reason it failed to
// parse and the byte offset within the buffer where the failure occurred.
type DecodeError = pb.DecodeError
