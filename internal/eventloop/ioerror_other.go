//go:build !unix

package eventloop

// isHostDown is always false on platforms without an EHOSTDOWN errno.
func isHostDown(err error) bool {
	return false
}
