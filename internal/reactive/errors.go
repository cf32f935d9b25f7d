package reactive

import "errors"

// ErrCycle is returned when a derivation reads itself, directly or through
// a chain of other derivations, while it is being computed.
var ErrCycle = errors.New("reactive: dependency cycle detected")
