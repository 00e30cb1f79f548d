package dnsresolver

import (
	"fmt"
	"math/big"
	"net/netip"
	"sync"
)

// Family selects which address family a proxy-ip allocation comes from.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// ProxyIPPool hands out stable per-domain address sets from two disjoint
// ranges carved out of the tunnel's assigned network, one IPv4 and one
// IPv6. Each range is itself split into "internal" (resources reachable
// only through the tunnel) and "external" (resources that also have a real
// routable address) halves differing by a fixed offset, so a gateway can
// rewrite a client-side proxy IP into the real external IP with arithmetic
// instead of a lookup.
type ProxyIPPool struct {
	mu sync.Mutex
	v4 *familyPool
	v6 *familyPool

	byDomain map[string]*proxyAssignment
	byAddr   map[netip.Addr]string
}

// proxyAssignment is the set of addresses handed out to one domain, kept
// separate per family since a domain can hold both an A and an AAAA set.
type proxyAssignment struct {
	v4 []netip.Addr
	v6 []netip.Addr
}

// NewProxyIPPool creates a pool carving addresses out of the given IPv4 and
// IPv6 prefixes, each split internally into its internal/external halves.
func NewProxyIPPool(v4Prefix, v6Prefix netip.Prefix) *ProxyIPPool {
	return &ProxyIPPool{
		v4:       newFamilyPool(v4Prefix),
		v6:       newFamilyPool(v6Prefix),
		byDomain: make(map[string]*proxyAssignment),
		byAddr:   make(map[netip.Addr]string),
	}
}

func (p *ProxyIPPool) familyPool(family Family) *familyPool {
	if family == FamilyV6 {
		return p.v6
	}
	return p.v4
}

// Assign returns the proxy address set for domain's requested family,
// allocating count addresses from the chosen half of that family's pool on
// first use. The same domain+family always maps to the same set for as
// long as it stays assigned — resolving it twice must not shift the NAT
// mapping under in-flight connections.
func (p *ProxyIPPool) Assign(domain string, family Family, internal bool, count int) ([]netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byDomain[domain]
	if !ok {
		a = &proxyAssignment{}
		p.byDomain[domain] = a
	}
	if existing := a.forFamily(family); len(existing) > 0 {
		return existing, nil
	}

	allocator := p.familyPool(family).allocatorFor(internal)
	addrs := make([]netip.Addr, 0, count)
	for i := 0; i < count; i++ {
		addr, err := allocator.allocate()
		if err != nil {
			for _, got := range addrs {
				allocator.free(got)
				delete(p.byAddr, got)
			}
			return nil, fmt.Errorf("assigning proxy ips for %q: %w", domain, err)
		}
		addrs = append(addrs, addr)
		p.byAddr[addr] = domain
	}
	a.setFamily(family, addrs)
	return addrs, nil
}

func (a *proxyAssignment) forFamily(family Family) []netip.Addr {
	if family == FamilyV6 {
		return a.v6
	}
	return a.v4
}

func (a *proxyAssignment) setFamily(family Family, addrs []netip.Addr) {
	if family == FamilyV6 {
		a.v6 = addrs
	} else {
		a.v4 = addrs
	}
}

// Lookup reverses an assignment: given a proxy address, returns the domain
// it was handed out for.
func (p *ProxyIPPool) Lookup(addr netip.Addr) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	domain, ok := p.byAddr[addr]
	return domain, ok
}

// Release frees every address assigned to domain (both families) back to
// their pools, so a later Assign for a different domain can reuse them.
// Used when a resource's domain pattern is withdrawn or replaced by
// re-provisioning.
func (p *ProxyIPPool) Release(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byDomain[domain]
	if !ok {
		return
	}
	delete(p.byDomain, domain)
	for _, addr := range a.v4 {
		p.freeAddrLocked(FamilyV4, addr)
	}
	for _, addr := range a.v6 {
		p.freeAddrLocked(FamilyV6, addr)
	}
}

func (p *ProxyIPPool) freeAddrLocked(family Family, addr netip.Addr) {
	delete(p.byAddr, addr)
	fp := p.familyPool(family)
	if fp.internal.contains(addr) {
		fp.internal.free(addr)
		return
	}
	fp.external.free(addr)
}

// EvictStale releases every assignment whose domain no longer matches any
// pattern in current, called after the resource list is re-provisioned.
func (p *ProxyIPPool) EvictStale(stillValid func(domain string) bool) {
	p.mu.Lock()
	var toRelease []string
	for domain := range p.byDomain {
		if !stillValid(domain) {
			toRelease = append(toRelease, domain)
		}
	}
	p.mu.Unlock()
	for _, d := range toRelease {
		p.Release(d)
	}
}

// familyPool holds one address family's range, split into its internal and
// external halves.
type familyPool struct {
	internal *rangeAllocator
	external *rangeAllocator
}

func newFamilyPool(prefix netip.Prefix) *familyPool {
	internalHalf, externalHalf := splitHalves(prefix)
	return &familyPool{
		internal: newRangeAllocator(internalHalf),
		external: newRangeAllocator(externalHalf),
	}
}

func (fp *familyPool) allocatorFor(internal bool) *rangeAllocator {
	if internal {
		return fp.internal
	}
	return fp.external
}

// splitHalves divides prefix into two equal-sized sub-prefixes: the first
// half ("internal") starting at prefix's own base address, and the second
// ("external") starting a fixed offset above it — the offset being exactly
// the size of one half, so translating between the two halves is addition
// or subtraction of a constant rather than a table lookup. A prefix with no
// host bits left to split (e.g. a /32 or /128) degenerates to using the
// same range for both halves.
func splitHalves(prefix netip.Prefix) (internalHalf, externalHalf netip.Prefix) {
	totalBits := addrBits(prefix.Addr())
	bits := prefix.Bits()
	if bits >= totalBits {
		return prefix, prefix
	}
	halfBits := bits + 1
	base := prefix.Masked().Addr()
	offset := uint64(1) << uint(totalBits-halfBits)
	return netip.PrefixFrom(base, halfBits), netip.PrefixFrom(addrAdd(base, offset), halfBits)
}

func addrBits(addr netip.Addr) int {
	if addr.Is4() {
		return 32
	}
	return 128
}

// addrAdd returns addr+delta, wrapping within the address's own byte width.
func addrAdd(addr netip.Addr, delta uint64) netip.Addr {
	if addr.Is4() {
		b := addr.As4()
		i := new(big.Int).SetBytes(b[:])
		i.Add(i, new(big.Int).SetUint64(delta))
		out := i.Bytes()
		var res [4]byte
		copy(res[len(res)-len(out):], out)
		return netip.AddrFrom4(res)
	}
	b := addr.As16()
	i := new(big.Int).SetBytes(b[:])
	i.Add(i, new(big.Int).SetUint64(delta))
	out := i.Bytes()
	var res [16]byte
	copy(res[len(res)-len(out):], out)
	return netip.AddrFrom16(res)
}

// rangeAllocator is a simple bump allocator with a free list over a single
// IP prefix, handing out addresses host-order from the start of the range.
type rangeAllocator struct {
	prefix   netip.Prefix
	next     netip.Addr
	freeList []netip.Addr
}

func newRangeAllocator(prefix netip.Prefix) *rangeAllocator {
	return &rangeAllocator{prefix: prefix, next: prefix.Masked().Addr()}
}

var errPoolExhausted = fmt.Errorf("dnsresolver: proxy ip range exhausted")

func (a *rangeAllocator) allocate() (netip.Addr, error) {
	if n := len(a.freeList); n > 0 {
		addr := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return addr, nil
	}
	for {
		candidate := a.next
		if !a.prefix.Contains(candidate) {
			return netip.Addr{}, errPoolExhausted
		}
		a.next = candidate.Next()
		// Skip the network and (for IPv4) broadcast addresses.
		if candidate == a.prefix.Masked().Addr() {
			continue
		}
		return candidate, nil
	}
}

func (a *rangeAllocator) free(addr netip.Addr) { a.freeList = append(a.freeList, addr) }

func (a *rangeAllocator) contains(addr netip.Addr) bool { return a.prefix.Contains(addr) }
