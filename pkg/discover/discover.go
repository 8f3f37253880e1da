// Package discover drives the kernel adapter's discovery pass at startup,
// synthesizing the Tunnel/Route graph from whatever the kernel already has
// configured, unlike pkg/reconcile's tolerant per-advertisement handling,
// discovery treats any inconsistency as fatal: restart is the recovery
// path, not best-effort repair.
//
// Grounded on the teacher's pkg/ip.RoutingTable bootstrap-from-table idiom,
// generalized to two kernel record streams (interfaces, then routes)
// instead of one.
package discover

import (
	"fmt"
	"time"

	"github.com/overlaynet/meshrouted/pkg/kernel"
	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
	"github.com/overlaynet/meshrouted/pkg/radix"
	"github.com/overlaynet/meshrouted/pkg/reconcile"
)

// Bootstrap runs the discovery pass: it fills reg with the kernel's current
// view, runs FixOverlaps to drop the auto-inserted host routes, stamps a
// uniform initial expiry on every route, and collapses any tunnel that
// ends up with no routes at all.
func Bootstrap(eng *reconcile.Engine, adapter kernel.Adapter, rtable int, now time.Time) error {
	ifaces, routes, err := adapter.Discover(rtable)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	for _, ifr := range ifaces {
		if _, exists := eng.Reg.FindTunnel(ifr.OuterRemote); exists {
			return fmt.Errorf("discover: duplicate tunnel interface for outer remote %s (%s)", ifr.OuterRemote, ifr.Name)
		}
		tun := &model.Tunnel{
			IfName:      ifr.Name,
			IfNum:       ifr.IfNum,
			OuterLocal:  ifr.OuterLocal,
			OuterRemote: ifr.OuterRemote,
			InnerLocal:  ifr.InnerLocal,
			InnerRemote: ifr.InnerRemote,
		}
		eng.Reg.InsertTunnel(tun)
		eng.Bits.Set(tun.IfNum)
	}

	byIfName := make(map[string]*model.Tunnel, len(ifaces))
	eng.Reg.Tunnels.Do(func(p meshnet.Prefix, v any) radix.Signal {
		tun := v.(*model.Tunnel)
		byIfName[tun.IfName] = tun
		return radix.Continue
	})

	for _, rr := range routes {
		var tun *model.Tunnel
		if rr.GatewayIsAddr {
			t, ok := eng.Reg.FindTunnel(rr.GatewayAddr)
			if !ok {
				decision := eng.Reg.LookupPolicy(rr.Net)
				if decision == model.Accept {
					return fmt.Errorf("discover: accepted network %s routed to unknown gateway %s", rr.Net, rr.GatewayAddr)
				}
				continue
			}
			tun = t
		} else {
			t, ok := byIfName[rr.GatewayIfName]
			if !ok {
				continue
			}
			tun = t
		}

		cidr, _ := meshnet.LenFromMask(uint32(rr.Mask))
		prefix := meshnet.Prefix{Addr: rr.Net, Len: cidr}
		if existing, ok := eng.Reg.FindRoute(prefix); ok {
			if existing.Tunnel != tun {
				return fmt.Errorf("discover: duplicate route %s with mismatched gateway (%s vs %s)", prefix, existing.Tunnel.OuterRemote, tun.OuterRemote)
			}
			continue
		}

		if eng.Reg.LookupPolicy(rr.Net) != model.Accept {
			return fmt.Errorf("discover: unacceptable network %s routed through managed tunnel %s", prefix, tun.IfName)
		}

		r := &model.Route{Net: rr.Net, Cidr: cidr, Gateway: tun.OuterRemote}
		eng.Reg.InsertRoute(r)
		model.LinkRoute(r, tun)
	}

	eng.FixOverlaps()

	var allRoutes []*model.Route
	eng.Reg.Routes.Do(func(p meshnet.Prefix, v any) radix.Signal {
		allRoutes = append(allRoutes, v.(*model.Route))
		return radix.Continue
	})
	for _, r := range allRoutes {
		r.Expires = now.Add(eng.Cfg.Timeout)
	}

	return cleanup(eng)
}

// cleanup collapses every tunnel whose route list ended up empty, e.g. a
// tunnel interface the kernel still had configured with no surviving
// routes after fix_overlaps.
func cleanup(eng *reconcile.Engine) error {
	var empty []*model.Tunnel
	eng.Reg.Tunnels.Do(func(p meshnet.Prefix, v any) radix.Signal {
		tun := v.(*model.Tunnel)
		if tun.Nref() == 0 {
			empty = append(empty, tun)
		}
		return radix.Continue
	})
	for _, tun := range empty {
		eng.Reg.RemoveTunnel(tun.OuterRemote)
		if err := eng.Kernel.DownTunnel(tun); err != nil {
			return fmt.Errorf("discover: cleanup %s: %w", tun.IfName, err)
		}
		eng.Bits.Clear(tun.IfNum)
	}
	return nil
}
