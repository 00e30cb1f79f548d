// Package dnsresolver implements the client-side DNS stub resolver: it
// decides whether an intercepted query names a configured resource and, if
// so, synthesizes an answer pointing at a stable proxy address for that
// domain, following the github.com/miekg/dns request/response model the
// same way telepresence's rootd DNS server does.
package dnsresolver

import (
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/resource"
)

// proxyTTL is the TTL riftgate puts on synthesized records. It's kept low
// because the mapping can change (a resource can be withdrawn) and callers
// shouldn't cache it past the tunnel's own awareness of that change.
const proxyTTL = 1

// addressesPerDomain is the fixed size of the proxy-ip set handed out per
// domain per address family: enough that a client spreading connections
// across the returned set doesn't collide with itself, without exhausting
// either pool range on a handful of busy domains.
const addressesPerDomain = 8

// Decision is the outcome of HandleDNS.
type Decision int

const (
	// DecisionForward means the query doesn't match any resource and should
	// be handed to the system's normal upstream resolver.
	DecisionForward Decision = iota
	// DecisionAnswer means Result.Msg is a synthesized, ready-to-send reply.
	DecisionAnswer
	// DecisionEmpty means the name matches a resource but the query type
	// isn't one riftgate can answer (anything but A/AAAA); NOERROR with no
	// answers, matching what a split-horizon authoritative zone would do.
	DecisionEmpty
)

// Result is what HandleDNS reports for one query.
type Result struct {
	Decision   Decision
	Msg        *dns.Msg
	ResourceID identity.ResourceID
	Domain     string
}

// Resolver matches intercepted queries against the client's resource list
// and assigns stable proxy addresses for the ones that match.
type Resolver struct {
	log  *slog.Logger
	pool *ProxyIPPool

	mu            sync.RWMutex
	domains       *resource.DomainIndex
	searchDomains []string
}

// Config configures a new Resolver.
type Config struct {
	Domains       *resource.DomainIndex
	Pool          *ProxyIPPool
	SearchDomains []string
	Logger        *slog.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		log:           log.With("component", "dnsresolver"),
		pool:          cfg.Pool,
		domains:       cfg.Domains,
		searchDomains: cfg.SearchDomains,
	}
}

// Reprovision swaps in a new domain index (e.g. after the resource list
// changes) and releases every proxy-pool assignment whose domain no longer
// matches anything in it.
func (r *Resolver) Reprovision(domains *resource.DomainIndex) {
	r.mu.Lock()
	r.domains = domains
	r.mu.Unlock()

	r.pool.EvictStale(func(domain string) bool {
		_, _, ok := domains.Match(domain)
		return ok
	})
}

// HandleDNS is the decision tree for one incoming query: does the name
// match a resource (directly, or via a configured search domain), is the
// query type one we can answer, and if so what proxy address to answer
// with.
func (r *Resolver) HandleDNS(req *dns.Msg) Result {
	if len(req.Question) != 1 {
		return Result{Decision: DecisionForward}
	}
	q := req.Question[0]
	name := strings.TrimSuffix(q.Name, ".")

	r.mu.RLock()
	domains := r.domains
	searchDomains := r.searchDomains
	r.mu.RUnlock()

	resID, domain, ok := domains.Match(name)
	matchedName := q.Name
	if !ok {
		for _, sd := range searchDomains {
			candidate := name + "." + sd
			if resID, domain, ok = domains.Match(candidate); ok {
				matchedName = dns.Fqdn(candidate)
				break
			}
		}
	}
	if !ok {
		return Result{Decision: DecisionForward}
	}

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return Result{Decision: DecisionEmpty, ResourceID: resID, Domain: domain}
	}

	family := FamilyV4
	if q.Qtype == dns.TypeAAAA {
		family = FamilyV6
	}

	addrs, err := r.pool.Assign(domain, family, true, addressesPerDomain)
	if err != nil {
		r.log.Warn("proxy ip assignment failed", "domain", domain, "error", err)
		return Result{Decision: DecisionEmpty, ResourceID: resID, Domain: domain}
	}

	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true
	for _, addr := range addrs {
		msg.Answer = append(msg.Answer, addrRecord(matchedName, q.Qtype, addr))
	}

	return Result{Decision: DecisionAnswer, Msg: msg, ResourceID: resID, Domain: domain}
}

func addrRecord(name string, qtype uint16, addr netip.Addr) dns.RR {
	hdr := dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: proxyTTL}
	if qtype == dns.TypeAAAA {
		return &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()}
	}
	return &dns.A{Hdr: hdr, A: addr.AsSlice()}
}

// ResourceForAddr reverses a proxy address back to the resource domain it
// was assigned to, used by the outgoing-packet path to decide which
// resource a connection to a proxy IP is actually destined for.
func (r *Resolver) ResourceForAddr(addr netip.Addr) (domain string, ok bool) {
	return r.pool.Lookup(addr)
}

// EmptyReply builds a NOERROR/no-answer reply for DecisionEmpty results.
func EmptyReply(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true
	return msg
}
