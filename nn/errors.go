package nn

import "errors"

// ErrInvalidArgument reports a caller contract violation: bad shapes, an
// unknown reduction or a label outside the vocabulary.
var ErrInvalidArgument = errors.New("invalid argument")
