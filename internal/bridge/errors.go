package bridge

import "errors"

// Error kinds returned throughout the bridge, grounded on the exception
// vocabulary original_source/pumaduct uses (ValueError for bad input,
// a bespoke InternalError, ClientError from the back-end, and the
// implicit "home server unreachable" case handled by the circuit
// breaker). Wrap one of these with fmt.Errorf("...: %w", ErrX) at the
// call site; callers use errors.Is to classify a failure.
var (
	ErrBadArgument      = errors.New("bridge: bad argument")
	ErrNotFound         = errors.New("bridge: not found")
	ErrInternal         = errors.New("bridge: internal error")
	ErrClientFailure    = errors.New("bridge: back-end client failure")
	ErrTransportFailure = errors.New("bridge: home-server transport failure")
)
