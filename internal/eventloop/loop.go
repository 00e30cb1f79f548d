// Package eventloop implements the single-select reconciler at the heart of
// the tunnel core: one cooperative loop multiplexing user commands, portal
// inbound messages, internal tunnel events, and tunnel I/O errors, and
// dispatching each to the Handler that owns the actual state (crypto
// sessions, ICE agents, the resource store, the DNS-resource NAT
// coordinator). Generalizes the dispatch-by-message-type loop the teacher's
// agent.go runs over a single signaling source to four independent sources.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/portal"
)

// Handler owns the tunnel state the eventloop mutates in response to each
// of the four input sources. Every method runs on the same cooperative
// task that calls Run; none may block.
type Handler interface {
	// Commands, from the GUI/CLI.
	Reset(reason string)
	Stop()
	SetDNS(servers []netip.Addr)
	SetTun(tun any)
	SetDisabledResources(disabled map[identity.ResourceID]struct{})

	// Portal inbound messages, dispatched by concrete type.
	OnInit(msg *portal.InitMessage)
	OnResourceCreatedOrUpdated(msg *portal.ResourceCreatedOrUpdatedMessage)
	OnResourceDeleted(msg *portal.ResourceDeletedMessage)
	OnICECandidates(msg *portal.ICECandidatesMessage)
	OnInvalidateICECandidates(msg *portal.InvalidateICECandidatesMessage)
	OnConfigChanged(msg *portal.ConfigChangedMessage)
	OnRelaysPresence(msg *portal.RelaysPresenceMessage)
	OnFlowCreated(msg *portal.FlowCreatedMessage)
	OnFlowCreationFailed(msg *portal.FlowCreationFailedMessage)

	// Internal tunnel events and I/O errors.
	HandleTunnelEvent(ev TunnelEvent)
	HandleIOError(err error, disposition Disposition)
}

// Loop is the reconciler. Construct one with New and run it with Run until
// it returns (context cancellation, a StopCommand, or a closed channel).
type Loop struct {
	log     *slog.Logger
	handler Handler

	commands      <-chan Command
	portalInbound <-chan portal.Message
	tunnelEvents  <-chan TunnelEvent
	ioErrors      <-chan error

	permissionWarned bool
}

// New creates a Loop. The four channels are owned by the caller; Run only
// ever receives from them.
func New(log *slog.Logger, handler Handler, commands <-chan Command, portalInbound <-chan portal.Message, tunnelEvents <-chan TunnelEvent, ioErrors <-chan error) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:           log.With("component", "eventloop"),
		handler:       handler,
		commands:      commands,
		portalInbound: portalInbound,
		tunnelEvents:  tunnelEvents,
		ioErrors:      ioErrors,
	}
}

// Run processes all four sources until the context is cancelled, a
// StopCommand arrives, or one of the input channels closes. A closed
// channel other than a deliberate Stop is reported as an error so the
// runtime can distinguish a clean shutdown from a collaborator dying.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-l.commands:
			if !ok {
				return errors.New("eventloop: command channel closed")
			}
			if stop := l.dispatchCommand(cmd); stop {
				return nil
			}

		case msg, ok := <-l.portalInbound:
			if !ok {
				return errors.New("eventloop: portal message channel closed")
			}
			l.dispatchPortalMessage(msg)

		case ev, ok := <-l.tunnelEvents:
			if !ok {
				return errors.New("eventloop: tunnel event channel closed")
			}
			l.handler.HandleTunnelEvent(ev)

		case err, ok := <-l.ioErrors:
			if !ok {
				return errors.New("eventloop: io error channel closed")
			}
			l.dispatchIOError(err)
		}
	}
}

// dispatchCommand mutates tunnel state for one command and reports whether
// the loop should stop.
func (l *Loop) dispatchCommand(cmd Command) (stop bool) {
	switch c := cmd.(type) {
	case ResetCommand:
		l.log.Info("resetting tunnel", "reason", c.Reason)
		l.handler.Reset(c.Reason)
	case StopCommand:
		l.log.Info("stopping eventloop")
		l.handler.Stop()
		return true
	case SetDNSCommand:
		l.handler.SetDNS(c.Servers)
	case SetTunCommand:
		l.handler.SetTun(c.Tun)
	case SetDisabledResourcesCommand:
		l.handler.SetDisabledResources(c.Disabled)
	default:
		l.log.Warn("ignoring unknown command type", "type", fmt.Sprintf("%T", cmd))
	}
	return false
}

// dispatchPortalMessage dispatches one decoded portal message to the
// matching Handler method by concrete type. Unknown message types were
// already filtered out by portal.Unmarshal; anything unrecognized here
// would be a message kind this eventloop hasn't been taught about yet, so
// it's ignored per the portal message error-handling policy.
func (l *Loop) dispatchPortalMessage(msg portal.Message) {
	switch m := msg.(type) {
	case *portal.InitMessage:
		l.handler.OnInit(m)
	case *portal.ResourceCreatedOrUpdatedMessage:
		l.handler.OnResourceCreatedOrUpdated(m)
	case *portal.ResourceDeletedMessage:
		l.handler.OnResourceDeleted(m)
	case *portal.ICECandidatesMessage:
		l.handler.OnICECandidates(m)
	case *portal.InvalidateICECandidatesMessage:
		l.handler.OnInvalidateICECandidates(m)
	case *portal.ConfigChangedMessage:
		l.handler.OnConfigChanged(m)
	case *portal.RelaysPresenceMessage:
		l.handler.OnRelaysPresence(m)
	case *portal.FlowCreatedMessage:
		l.handler.OnFlowCreated(m)
	case *portal.FlowCreationFailedMessage:
		l.handler.OnFlowCreationFailed(m)
	default:
		l.log.Debug("ignoring unhandled portal message", "event", msg.EventName())
	}
}

// dispatchIOError classifies err and applies its disposition: suppressed
// dispositions are logged at debug, warn-once is logged at most once per
// process lifetime, warn is logged every time, and fatal is logged at
// error level (the caller is expected to close ioErrors or cancel the
// context immediately after, ending Run).
func (l *Loop) dispatchIOError(err error) {
	disposition := ClassifyIOError(err)

	switch disposition {
	case DispositionSuppressDebug:
		l.log.Debug("suppressing tunnel i/o error", "error", err)
	case DispositionWarnOnce:
		if !l.permissionWarned {
			l.log.Warn("tunnel i/o permission error (further occurrences suppressed)", "error", err)
			l.permissionWarned = true
		}
	case DispositionWarn:
		l.log.Warn("tunnel i/o error", "error", err)
	case DispositionFatal:
		l.log.Error("fatal tunnel i/o error", "error", err)
	}

	l.handler.HandleIOError(err, disposition)
}
