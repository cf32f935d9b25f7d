package registry

import "errors"

// ErrAbsent is returned when a namespace read names an attribute the unit
// does not (or no longer does) produce.
var ErrAbsent = errors.New("registry: attribute absent")
