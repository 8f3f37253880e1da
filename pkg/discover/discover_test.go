package discover

import (
	"testing"
	"time"

	"github.com/overlaynet/meshrouted/pkg/bitset"
	"github.com/overlaynet/meshrouted/pkg/kernel"
	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
	"github.com/overlaynet/meshrouted/pkg/reconcile"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Infof(format string, args ...any) { l.t.Logf("info: "+format, args...) }
func (l testLogger) Warnf(format string, args ...any) { l.t.Logf("warn: "+format, args...) }

func mustAddr(t *testing.T, s string) meshnet.Addr {
	t.Helper()
	a, err := meshnet.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func mustMask(t *testing.T, cidr uint8) meshnet.Addr {
	t.Helper()
	return meshnet.Addr(meshnet.MaskFromLen(cidr))
}

func newEngine(t *testing.T, fake *kernel.Fake) *reconcile.Engine {
	t.Helper()
	reg := model.NewRegistry()
	reg.Policy.Insert(meshnet.Prefix{Addr: 0, Len: 0}, model.Accept)
	return reconcile.New(reg, fake, bitset.New(), reconcile.Config{
		LocalOuter: mustAddr(t, "198.51.100.1"),
		LocalInner: mustAddr(t, "44.0.0.1"),
		Rtable:     44,
		Timeout:    5 * time.Minute,
		IfPrefix:   "gif",
	}, testLogger{t})
}

func TestScenario5_DiscoveryDeduplication(t *testing.T) {
	fake := kernel.NewFake()
	fake.Interfaces = []kernel.InterfaceRecord{{
		Name:        "gif3",
		IfNum:       3,
		OuterLocal:  mustAddr(t, "198.51.100.1"),
		OuterRemote: mustAddr(t, "198.51.100.20"),
		InnerLocal:  mustAddr(t, "44.0.0.1"),
		InnerRemote: mustAddr(t, "44.40.0.0"),
	}}
	fake.Routes = []kernel.RouteRecord{
		{Net: mustAddr(t, "44.40.0.0"), Mask: mustMask(t, 32), GatewayIsAddr: true, GatewayAddr: mustAddr(t, "198.51.100.20")},
		{Net: mustAddr(t, "44.40.0.0"), Mask: mustMask(t, 16), GatewayIsAddr: true, GatewayAddr: mustAddr(t, "198.51.100.20")},
	}

	eng := newEngine(t, fake)
	if err := Bootstrap(eng, fake, 44, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	tun, ok := eng.Reg.FindTunnel(mustAddr(t, "198.51.100.20"))
	if !ok {
		t.Fatalf("tunnel not found after bootstrap")
	}
	if len(tun.Routes) != 1 || tun.Routes[0].Cidr != 16 {
		t.Fatalf("tunnel routes after fix_overlaps = %+v, want only the /16", tun.Routes)
	}
	if _, ok := eng.Reg.FindRoute(meshnet.Prefix{Addr: mustAddr(t, "44.40.0.0"), Len: 32}); ok {
		t.Errorf("the auto host route should have been dropped as redundant")
	}
}

func TestBootstrapFailsOnUnknownGateway(t *testing.T) {
	fake := kernel.NewFake()
	fake.Routes = []kernel.RouteRecord{
		{Net: mustAddr(t, "44.1.0.0"), Mask: mustMask(t, 16), GatewayIsAddr: true, GatewayAddr: mustAddr(t, "198.51.100.99")},
	}
	eng := newEngine(t, fake)
	if err := Bootstrap(eng, fake, 44, time.Unix(1000, 0)); err == nil {
		t.Fatalf("expected a fatal error for an accepted network routed to an unknown gateway")
	}
}

func TestBootstrapCleansUpEmptyTunnel(t *testing.T) {
	fake := kernel.NewFake()
	fake.Interfaces = []kernel.InterfaceRecord{{
		Name:        "gif5",
		IfNum:       5,
		OuterRemote: mustAddr(t, "198.51.100.30"),
		InnerRemote: mustAddr(t, "44.50.0.0"),
	}}
	eng := newEngine(t, fake)
	if err := Bootstrap(eng, fake, 44, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, ok := eng.Reg.FindTunnel(mustAddr(t, "198.51.100.30")); ok {
		t.Errorf("tunnel with no routes should have been collapsed by cleanup")
	}
}
