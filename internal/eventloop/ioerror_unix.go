//go:build unix

package eventloop

import (
	"errors"
	"syscall"
)

// isHostDown reports whether err is EHOSTDOWN, a BSD/Linux-only errno with
// no portable equivalent.
func isHostDown(err error) bool {
	return errors.Is(err, syscall.EHOSTDOWN)
}
