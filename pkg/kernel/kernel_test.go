package kernel

import (
	"testing"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
)

func TestFakeRecordsDiscoverSeed(t *testing.T) {
	f := NewFake()
	f.Interfaces = []InterfaceRecord{{Name: "gif0", IfNum: 0}}
	f.Routes = []RouteRecord{{Net: 0, Mask: 0}}

	ifaces, routes, err := f.Discover(0)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(ifaces) != 1 || len(routes) != 1 {
		t.Fatalf("Discover returned (%d, %d), want (1, 1)", len(ifaces), len(routes))
	}
	if len(f.Calls) != 1 || f.Calls[0].Op != "Discover" {
		t.Fatalf("Calls = %v, want one Discover call", f.Calls)
	}
}

func TestFakeRecordsRouteMutations(t *testing.T) {
	f := NewFake()
	tun := &model.Tunnel{IfName: "gif3"}
	r := &model.Route{Net: mustAddr(t, "10.0.0.0"), Cidr: 8}

	if err := f.AddRoute(r, tun, 0); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := f.ChangeRoute(r, tun, 0); err != nil {
		t.Fatalf("ChangeRoute: %v", err)
	}
	if err := f.RemoveRoute(r, 0); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}

	wantOps := []string{"AddRoute", "ChangeRoute", "RemoveRoute"}
	if len(f.Calls) != len(wantOps) {
		t.Fatalf("Calls = %v, want %d entries", f.Calls, len(wantOps))
	}
	for i, op := range wantOps {
		if f.Calls[i].Op != op {
			t.Errorf("Calls[%d].Op = %q, want %q", i, f.Calls[i].Op, op)
		}
	}
}

func mustAddr(t *testing.T, s string) meshnet.Addr {
	t.Helper()
	a, err := meshnet.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}
