package eventloop

import (
	"net/netip"

	"github.com/kuuji/riftgate/internal/identity"
)

// Command is implemented by every value the runtime can send down the
// command channel: Reset, Stop, SetDNS, SetTun, and SetDisabledResources.
type Command interface {
	isCommand()
}

// ResetCommand regenerates ephemeral keys, drops every connection, and asks
// the portal to rejoin. Reason is carried through for logging only.
type ResetCommand struct {
	Reason string
}

func (ResetCommand) isCommand() {}

// StopCommand drains the loop immediately; Run returns once it's processed.
type StopCommand struct{}

func (StopCommand) isCommand() {}

// SetDNSCommand pushes a new system resolver list down to the tunnel.
type SetDNSCommand struct {
	Servers []netip.Addr
}

func (SetDNSCommand) isCommand() {}

// SetTunCommand hands a freshly-created TUN device to the tunnel, which
// takes exclusive ownership of it.
type SetTunCommand struct {
	Tun any
}

func (SetTunCommand) isCommand() {}

// SetDisabledResourcesCommand replaces the set of resources the user has
// administratively disabled, regardless of what the portal reports.
type SetDisabledResourcesCommand struct {
	Disabled map[identity.ResourceID]struct{}
}

func (SetDisabledResourcesCommand) isCommand() {}
