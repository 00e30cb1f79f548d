package resource

import (
	"testing"

	"github.com/kuuji/riftgate/internal/identity"
)

func TestDomainIndexExactAndWildcard(t *testing.T) {
	t.Parallel()

	idx := NewDomainIndex()
	star := identity.NewPeerID()
	exact := identity.NewPeerID()
	_ = star
	starID := identity.ResourceID(star)
	exactID := identity.ResourceID(exact)

	idx.Insert("*.example.com", starID)
	idx.Insert("api.example.com", exactID)

	tests := []struct {
		name    string
		wantID  identity.ResourceID
		wantOK  bool
		comment string
	}{
		{"www.example.com", starID, true, "wildcard match"},
		{"api.example.com", exactID, true, "exact match wins over wildcard"},
		{"example.com", identity.ResourceID{}, false, "bare domain doesn't match *.example.com"},
		{"deep.sub.example.com", identity.ResourceID{}, false, "wildcard matches exactly one label"},
		{"example.org", identity.ResourceID{}, false, "no match"},
	}

	for _, tt := range tests {
		t.Run(tt.comment, func(t *testing.T) {
			t.Parallel()
			gotID, _, ok := idx.Match(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			if ok && gotID != tt.wantID {
				t.Fatalf("Match(%q) id = %v, want %v", tt.name, gotID, tt.wantID)
			}
		})
	}
}

func TestDomainIndexOptionalWildcard(t *testing.T) {
	t.Parallel()

	idx := NewDomainIndex()
	id := identity.ResourceID(identity.NewPeerID())
	idx.Insert("?.example.net", id)

	for _, name := range []string{"example.net", "www.example.net"} {
		if _, _, ok := idx.Match(name); !ok {
			t.Errorf("Match(%q) = false, want true for optional-wildcard pattern", name)
		}
	}
	if _, _, ok := idx.Match("deep.sub.example.net"); ok {
		t.Error("Match(deep.sub.example.net) = true, want false (only zero-or-one extra label)")
	}
}

func TestDomainIndexRemove(t *testing.T) {
	t.Parallel()

	idx := NewDomainIndex()
	id := identity.ResourceID(identity.NewPeerID())
	idx.Insert("foo.test", id)

	if _, _, ok := idx.Match("foo.test"); !ok {
		t.Fatal("expected match before remove")
	}

	idx.Remove("foo.test")

	if _, _, ok := idx.Match("foo.test"); ok {
		t.Fatal("expected no match after remove")
	}
}

func TestDomainIndexRemoveByID(t *testing.T) {
	t.Parallel()

	idx := NewDomainIndex()
	id := identity.ResourceID(identity.NewPeerID())
	idx.Insert("a.test", id)
	idx.Insert("b.test", id)

	idx.RemoveByID(id)

	for _, name := range []string{"a.test", "b.test"} {
		if _, _, ok := idx.Match(name); ok {
			t.Errorf("Match(%q) = true after RemoveByID, want false", name)
		}
	}
}
