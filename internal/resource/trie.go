package resource

import (
	"strings"

	"github.com/kuuji/riftgate/internal/identity"
)

// DomainIndex is a trie of DNS resource patterns keyed by label, read from
// the root (TLD) down, supporting longest-suffix match with a single
// leading wildcard label ("*" matches exactly one label, "?" matches zero
// or one label).
//
// Grounded on the longest-suffix matching telepresence's DNS server performs
// against its route/domain sets (pkg/client/rootd/dns/server.go), adapted to
// a label-trie since our patterns allow a leading wildcard label rather
// than a plain suffix list.
type DomainIndex struct {
	root *node
}

type node struct {
	children map[string]*node
	// resourceID and pattern are set only on nodes that terminate a pattern.
	resourceID identity.ResourceID
	pattern    string
	terminal   bool
}

// NewDomainIndex creates an empty trie.
func NewDomainIndex() *DomainIndex {
	return &DomainIndex{root: &node{children: make(map[string]*node)}}
}

// labels splits a DNS name into labels ordered from TLD to leaf, lower-cased,
// with a trailing root dot stripped.
func labels(name string) []string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ".")
	// Reverse so index 0 is the TLD.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Insert adds pattern -> id to the index, replacing any existing entry for
// the same pattern.
func (idx *DomainIndex) Insert(pattern string, id identity.ResourceID) {
	parts := labels(pattern)
	n := idx.root
	for _, label := range parts {
		child, ok := n.children[label]
		if !ok {
			child = &node{children: make(map[string]*node)}
			n.children[label] = child
		}
		n = child
	}
	n.terminal = true
	n.resourceID = id
	n.pattern = strings.ToLower(pattern)
}

// Remove deletes every entry matching the given pattern. Safe to call on an
// absent pattern.
func (idx *DomainIndex) Remove(pattern string) {
	parts := labels(pattern)
	idx.removeRec(idx.root, parts)
}

func (idx *DomainIndex) removeRec(n *node, parts []string) bool {
	if len(parts) == 0 {
		n.terminal = false
		n.pattern = ""
		return len(n.children) == 0
	}
	child, ok := n.children[parts[0]]
	if !ok {
		return false
	}
	if idx.removeRec(child, parts[1:]) {
		delete(n.children, parts[0])
	}
	return len(n.children) == 0 && !n.terminal
}

// RemoveByID removes every pattern currently mapped to the given resource
// id. Used when a resource is deleted but its exact pattern string isn't
// at hand.
func (idx *DomainIndex) RemoveByID(id identity.ResourceID) {
	var patterns []string
	idx.walk(idx.root, func(n *node) {
		if n.terminal && n.resourceID == id {
			patterns = append(patterns, n.pattern)
		}
	})
	for _, p := range patterns {
		idx.Remove(p)
	}
}

func (idx *DomainIndex) walk(n *node, visit func(*node)) {
	visit(n)
	for _, c := range n.children {
		idx.walk(c, visit)
	}
}

// Match performs longest-suffix match of name against the index, honoring a
// single leading wildcard label per pattern ("*" or "?"). It returns the
// matched resource id, the concrete domain that was matched on ("www.example.com",
// not "*.example.com"), and whether any match was found.
func (idx *DomainIndex) Match(name string) (id identity.ResourceID, domain string, ok bool) {
	parts := labels(name)
	if len(parts) == 0 {
		return identity.ResourceID{}, "", false
	}

	// Walk the trie from the TLD down, following exact labels first.
	n := idx.root
	for i, label := range parts {
		next, exact := n.children[label]
		if !exact {
			break
		}
		n = next
		if n.terminal && i == len(parts)-1 {
			return n.resourceID, name, true
		}
	}

	// Exact walk didn't terminate on the full name; try wildcard patterns,
	// which only ever appear as the single leaf (last) label of a pattern.
	// A wildcard pattern "*.example.com" matches any single extra label
	// prepended to "example.com"; "?.example.com" matches zero or one.
	if len(parts) >= 1 {
		suffixParts := parts[:len(parts)-1]
		if id, ok := idx.matchWildcard(suffixParts, "*"); ok {
			return id, name, true
		}
	}
	if id, ok := idx.matchWildcard(parts, "?"); ok {
		// "?" with zero extra labels: the full name equals the suffix exactly.
		return id, name, true
	}
	if len(parts) >= 1 {
		if id, ok := idx.matchWildcard(parts[:len(parts)-1], "?"); ok {
			return id, name, true
		}
	}
	return identity.ResourceID{}, "", false
}

// matchWildcard walks suffixParts (TLD-first, wildcard label excluded) and
// checks whether the trie has a node at that path whose child is the given
// wildcard label and is terminal.
func (idx *DomainIndex) matchWildcard(suffixParts []string, wildcard string) (identity.ResourceID, bool) {
	n := idx.root
	for _, label := range suffixParts {
		next, ok := n.children[label]
		if !ok {
			return identity.ResourceID{}, false
		}
		n = next
	}
	wc, ok := n.children[wildcard]
	if !ok || !wc.terminal {
		return identity.ResourceID{}, false
	}
	return wc.resourceID, true
}
