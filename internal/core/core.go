// Package core implements the event-driven, I/O-free tunnel state machine:
// the crypto transport, ICE/TURN connectivity, connection registry, DNS stub
// resolver, and DNS-resource NAT coordinator, reconciled by an eventloop.Handler
// that a runtime drives with portal messages, commands, and timer ticks. The
// package never performs blocking I/O itself; callers inject a TUN device and
// socket factories (see internal/tunconfig) and poll Core for outputs.
package core

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/riftgate/internal/dnsnat"
	"github.com/kuuji/riftgate/internal/dnsresolver"
	"github.com/kuuji/riftgate/internal/eventloop"
	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/noisecrypto"
	"github.com/kuuji/riftgate/internal/portal"
	"github.com/kuuji/riftgate/internal/registry"
	"github.com/kuuji/riftgate/internal/resource"
	"github.com/kuuji/riftgate/internal/tunconfig"
)

// proxyIPsPerDomain is the fixed number of addresses assigned (and
// announced to gateways) per domain, per address family, when a DNS
// resource resolves.
const proxyIPsPerDomain = 8

// Config configures a new Core. All fields are required unless noted.
type Config struct {
	LocalPrivateKey identity.Key
	LocalPublicKey  identity.Key

	// TURNSharedSecret and TURNCredentialLifetime let the core mint its own
	// ephemeral TURN credentials locally (the coturn REST-API convention),
	// rather than waiting on the portal to hand them over per gateway.
	TURNSharedSecret       string
	TURNCredentialLifetime time.Duration

	ProxyPoolV4 netip.Prefix
	ProxyPoolV6 netip.Prefix

	SystemResolvers []netip.Addr
	SearchDomains   []string

	Logger *slog.Logger
}

// Core is the top-level orchestrator: it wires every component together and
// implements eventloop.Handler so an eventloop.Loop can drive it. Every
// method assumes single-threaded, non-reentrant access from the runtime's one
// cooperative task, per the concurrency model the reconciler is built around.
type Core struct {
	log *slog.Logger
	ctx context.Context

	localPriv identity.Key
	localPub  identity.Key

	turnSecret    string
	turnLifetime  time.Duration

	nextSessionIndex uint32

	registry     *registry.Registry
	rateLimiter  *noisecrypto.RateLimiter
	resources    *resource.Store
	domains      *resource.DomainIndex
	proxyPool    *dnsresolver.ProxyIPPool
	dnsResolver  *dnsresolver.Resolver
	dnsNAT       *dnsnat.Coordinator

	gateways map[identity.PeerID]*gatewayConn
	relays   map[identity.RelayID]portal.RelayInfo

	disabledResources map[identity.ResourceID]struct{}
	domainByResource  map[identity.ResourceID]string

	searchDomains   []string
	systemResolvers []netip.Addr

	tunConfig tunconfig.Config
	tun       tunconfig.Tun

	warnedNoAlloc map[identity.PeerID]bool

	events     chan eventloop.TunnelEvent
	pendingOut []portal.Message
	pendingTx  []Transmit
	pendingTun [][]byte // decrypted inner packets waiting to be written to the TUN device

	// clock is the time source for entry points that take no explicit now
	// (Reset, Stop, HandleIOError); New sets it to time.Now and nothing
	// changes it afterwards.
	clock func() time.Time
}

// New constructs a Core and the tunnel-event channel an eventloop.Loop should
// read from (Core is that channel's only producer).
func New(cfg Config) (*Core, <-chan eventloop.TunnelEvent) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "core")

	events := make(chan eventloop.TunnelEvent, 128)

	domains := resource.NewDomainIndex()
	pool := dnsresolver.NewProxyIPPool(cfg.ProxyPoolV4, cfg.ProxyPoolV6)

	c := &Core{
		log:               log,
		ctx:               context.Background(),
		localPriv:         cfg.LocalPrivateKey,
		localPub:          cfg.LocalPublicKey,
		turnSecret:        cfg.TURNSharedSecret,
		turnLifetime:      cfg.TURNCredentialLifetime,
		registry:          registry.New(),
		rateLimiter:       noisecrypto.NewRateLimiter(),
		resources:         resource.NewStore(),
		domains:           domains,
		proxyPool:         pool,
		dnsNAT:            dnsnat.New(),
		gateways:          make(map[identity.PeerID]*gatewayConn),
		relays:            make(map[identity.RelayID]portal.RelayInfo),
		disabledResources: make(map[identity.ResourceID]struct{}),
		domainByResource:  make(map[identity.ResourceID]string),
		searchDomains:     cfg.SearchDomains,
		systemResolvers:   cfg.SystemResolvers,
		warnedNoAlloc:     make(map[identity.PeerID]bool),
		events:            events,
		clock:             time.Now,
	}
	c.dnsResolver = dnsresolver.New(dnsresolver.Config{
		Domains:       domains,
		Pool:          pool,
		SearchDomains: cfg.SearchDomains,
		Logger:        log,
	})
	return c, events
}

// allocSessionIndex hands out a process-unique 32-bit noise session index,
// per spec's invariant that live connections never share one.
func (c *Core) allocSessionIndex() uint32 {
	c.nextSessionIndex++
	return c.nextSessionIndex
}

func (c *Core) pushEvent(ev eventloop.TunnelEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("tunnel event queue full, dropping event", "kind", ev.Kind)
	}
}

// resourceFilterAllows checks an outgoing packet's protocol/port against the
// resource's filter list. It is a thin wrapper over resource.Allows; the
// filters are already in the resource package's form.
func resourceFilterAllows(r resource.Resource, proto resource.Proto, dstPort uint16) bool {
	return resource.Allows(r.Filters, proto, dstPort)
}
