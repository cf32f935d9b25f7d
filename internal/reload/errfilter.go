package reload

import (
	"errors"
	"strings"
)

// wrapPrefixes are the reloader's own error-wrapping layers, peeled off so
// logs lead with the user-facing cause.
var wrapPrefixes = []string{"registry: ", "reload: "}

// FilterError strips the reloader's internal wrapping from err, returning
// the first error in the chain that is not one of our own layers.
func FilterError(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		msg := err.Error()
		internal := false
		for _, prefix := range wrapPrefixes {
			if strings.HasPrefix(msg, prefix) {
				internal = true
				break
			}
		}
		if !internal {
			return err
		}
		err = inner
	}
}
