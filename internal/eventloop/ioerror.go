package eventloop

import (
	"errors"
	"os"
	"syscall"
)

// Disposition is the outcome of classifying an I/O error raised by the
// tunnel's socket layer.
type Disposition int

const (
	// DispositionSuppressDebug is logged at debug level and otherwise
	// ignored: expected noise from an unreachable peer or a bad route.
	DispositionSuppressDebug Disposition = iota
	// DispositionWarnOnce is logged once at warn level, then every
	// subsequent occurrence is suppressed (a host firewall is the typical
	// cause, and repeating the warning adds nothing).
	DispositionWarnOnce
	// DispositionWarn is logged at warn level every time it occurs.
	DispositionWarn
	// DispositionFatal means the eventloop cannot continue: the socket
	// layer itself has died.
	DispositionFatal
)

// ErrSocketThreadStopped is the sentinel a UDP socket factory returns when
// its background read loop has exited unexpectedly. There's no recovering
// from this within the eventloop; the runtime must tear down and restart.
var ErrSocketThreadStopped = errors.New("eventloop: udp socket thread stopped")

// ClassifyIOError triages an error surfaced from the tunnel's socket I/O
// into a disposition. Network-unreachable, host-unreachable,
// address-not-available, and (on platforms that have it) host-down are
// suppressed at debug level since they're expected noise when a peer or
// route disappears. Invalid-input is suppressed at debug level too.
// Permission-denied is warned once, since it's almost always a host
// firewall and repeating it is not useful. A stopped socket thread is
// fatal. Everything else is warned every time.
func ClassifyIOError(err error) Disposition {
	switch {
	case err == nil:
		return DispositionSuppressDebug
	case errors.Is(err, ErrSocketThreadStopped):
		return DispositionFatal
	case errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.EADDRNOTAVAIL),
		isHostDown(err):
		return DispositionSuppressDebug
	case errors.Is(err, syscall.EINVAL):
		return DispositionSuppressDebug
	case errors.Is(err, os.ErrPermission):
		return DispositionWarnOnce
	default:
		return DispositionWarn
	}
}
