//go:build !linux

package numa

import "errors"

// Pin is not supported outside Linux.
func Pin(node int) error {
	return errors.ErrUnsupported
}
