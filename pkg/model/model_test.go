package model

import (
	"testing"
	"time"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/radix"
)

func addr(t *testing.T, s string) meshnet.Addr {
	t.Helper()
	a, err := meshnet.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func checkInvariants(t *testing.T, reg *Registry) {
	t.Helper()
	reg.Tunnels.Do(func(p meshnet.Prefix, v any) radix.Signal {
		tun := v.(*Tunnel)
		if tun.Nref() != len(tun.Routes) {
			t.Errorf("tunnel %s: Nref() != len(Routes)", tun.OuterRemote)
		}
		for _, r := range tun.Routes {
			if r.Tunnel != tun {
				t.Errorf("route %s in tunnel %s routes list but Route.Tunnel mismatched", r.Prefix(), tun.OuterRemote)
			}
		}
		if tun.Nref() > 0 && !tun.HasBasis() {
			t.Errorf("tunnel %s has routes but no basis route for InnerRemote %s", tun.OuterRemote, tun.InnerRemote)
		}
		return radix.Continue
	})
}

func TestLinkUnlinkRoute(t *testing.T) {
	reg := NewRegistry()
	tun := &Tunnel{OuterRemote: addr(t, "198.51.100.7"), InnerRemote: addr(t, "44.10.0.0")}
	reg.InsertTunnel(tun)

	r := &Route{Net: addr(t, "44.10.0.0"), Cidr: 16, Gateway: tun.OuterRemote, Expires: time.Now().Add(time.Minute)}
	reg.InsertRoute(r)
	LinkRoute(r, tun)

	checkInvariants(t, reg)

	if tun.Nref() != 1 {
		t.Fatalf("Nref() = %d, want 1", tun.Nref())
	}
	if r.Tunnel != tun {
		t.Fatalf("route.Tunnel not set")
	}

	UnlinkRoute(r)
	if tun.Nref() != 0 {
		t.Fatalf("Nref() after unlink = %d, want 0", tun.Nref())
	}
	if r.Tunnel != nil {
		t.Fatalf("route.Tunnel should be nil after unlink")
	}
}

func TestFindTunnelByOuterRemote(t *testing.T) {
	reg := NewRegistry()
	tun := &Tunnel{OuterRemote: addr(t, "198.51.100.7")}
	reg.InsertTunnel(tun)

	got, ok := reg.FindTunnel(addr(t, "198.51.100.7"))
	if !ok || got != tun {
		t.Fatalf("FindTunnel = (%v, %v), want (tun, true)", got, ok)
	}
	if _, ok := reg.FindTunnel(addr(t, "198.51.100.8")); ok {
		t.Fatalf("FindTunnel should miss an unregistered address")
	}
}

func TestPolicyLookupDefaultsToIgnore(t *testing.T) {
	reg := NewRegistry()
	reg.Policy.Insert(meshnet.NewPrefix(addr(t, "44.0.0.0"), 8), Accept)

	if d := reg.LookupPolicy(addr(t, "44.1.0.1")); d != Accept {
		t.Errorf("LookupPolicy(44.1.0.1) = %v, want Accept", d)
	}
	if d := reg.LookupPolicy(addr(t, "10.0.0.1")); d != Ignore {
		t.Errorf("LookupPolicy(10.0.0.1) = %v, want Ignore (unmapped default)", d)
	}
}
