// Package reconcile implements the engine that turns one advertised
// (network, mask, next hop) into kernel state: tunnel creation, route
// linking, tunnel rebase, and time-based route expiry.
//
// Grounded on the teacher's pkg/ip.RoutingTable (AddRoute/RemoveRoute/Lookup
// sequencing, the "find covering route first" idiom) and generalized per the
// Route-owns-map/Tunnel-owns-index split recorded in pkg/model and
// DESIGN.md.
package reconcile

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/overlaynet/meshrouted/pkg/bitset"
	"github.com/overlaynet/meshrouted/pkg/kernel"
	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
	"github.com/overlaynet/meshrouted/pkg/radix"
)

// Config carries the engine's fixed operating parameters, set once at
// startup from parsed flags and never mutated.
type Config struct {
	LocalOuter meshnet.Addr
	LocalInner meshnet.Addr
	Rtable     int
	Timeout    time.Duration
	IfPrefix   string // interface name prefix, e.g. "gif"
}

// Response is one advertised network as decoded off the wire by pkg/marp.
type Response struct {
	Net     meshnet.Addr
	Mask    meshnet.Addr
	NextHop meshnet.Addr
}

// Logger is the narrow logging surface the engine needs; pkg/config.Logger
// satisfies it.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Engine owns the model registry and drives it against the kernel adapter
// in response to advertisements and the expiry clock. It is not safe for
// concurrent use — the daemon's single cooperative loop is its only caller.
type Engine struct {
	Reg    *model.Registry
	Kernel kernel.Adapter
	Bits   *bitset.BitVector
	Cfg    Config
	Log    Logger
}

// New returns an engine over an already-populated registry (by discovery)
// or a freshly empty one.
func New(reg *model.Registry, adapter kernel.Adapter, bits *bitset.BitVector, cfg Config, log Logger) *Engine {
	return &Engine{Reg: reg, Kernel: adapter, Bits: bits, Cfg: cfg, Log: log}
}

// ProcessResponse applies one advertised network, per spec §4.4.
func (e *Engine) ProcessResponse(resp Response, now time.Time) error {
	net := resp.Net & resp.Mask
	cidr, ok := meshnet.LenFromMask(uint32(resp.Mask))
	if !ok {
		cidr = uint8(bits.OnesCount32(uint32(resp.Mask)))
		net = resp.Net & meshnet.Addr(meshnet.MaskFromLen(cidr))
		e.Log.Warnf("reconcile: non-contiguous mask %s on advertised %s, normalizing length by popcount", resp.Mask, net)
	}

	if resp.NextHop == e.Cfg.LocalOuter {
		e.Log.Infof("reconcile: drop %s/%d: next hop is local outer address", net, cidr)
		return nil
	}
	if meshnet.NewPrefix(net, cidr).Contains(resp.NextHop) {
		e.Log.Infof("reconcile: drop %s/%d: next hop %s falls inside advertised subnet", net, cidr, resp.NextHop)
		return nil
	}
	if e.Reg.LookupPolicy(net) != model.Accept {
		e.Log.Infof("reconcile: drop %s/%d: not accepted by policy", net, cidr)
		return nil
	}

	tun, ok := e.Reg.FindTunnel(resp.NextHop)
	if !ok {
		var err error
		tun, err = e.createTunnel(resp.NextHop, net)
		if err != nil {
			return fmt.Errorf("reconcile: create tunnel for %s: %w", resp.NextHop, err)
		}
	}

	prefix := meshnet.Prefix{Addr: net, Len: cidr}
	route, existed := e.Reg.FindRoute(prefix)
	if !existed {
		if covering, ok := e.Reg.NearestRoute(net, cidr); ok && covering.Tunnel == tun {
			e.Log.Infof("reconcile: drop %s/%d: covered by %s on same tunnel", net, cidr, covering.Prefix())
			return nil
		}
		route = &model.Route{Net: net, Cidr: cidr}
		e.Reg.InsertRoute(route)
	}

	prevTunnel := route.Tunnel
	tunnelChanged := prevTunnel != tun
	if !existed || tunnelChanged {
		route.Gateway = resp.NextHop
		if prevTunnel != nil {
			if err := e.Rebase(prevTunnel, route, e.Cfg.Rtable); err != nil {
				return err
			}
		}
		var err error
		if prevTunnel == nil {
			err = e.Kernel.AddRoute(route, tun, e.Cfg.Rtable)
		} else {
			err = e.Kernel.ChangeRoute(route, tun, e.Cfg.Rtable)
		}
		if err != nil {
			return fmt.Errorf("reconcile: install %s via %s: %w", route.Prefix(), tun.IfName, err)
		}
		if prevTunnel != nil {
			model.UnlinkRoute(route)
			if err := e.collapseIfEmpty(prevTunnel); err != nil {
				return err
			}
		}
		model.LinkRoute(route, tun)
	}

	route.Expires = now.Add(e.Cfg.Timeout)
	return nil
}

// createTunnel allocates an interface ordinal, brings the kernel interface
// up, and inserts the new tunnel into the registry.
func (e *Engine) createTunnel(outerRemote, innerRemote meshnet.Addr) (*model.Tunnel, error) {
	ifnum := e.Bits.NextUnset()
	tun := &model.Tunnel{
		IfName:      fmt.Sprintf("%s%d", e.Cfg.IfPrefix, ifnum),
		IfNum:       ifnum,
		OuterLocal:  e.Cfg.LocalOuter,
		OuterRemote: outerRemote,
		InnerLocal:  e.Cfg.LocalInner,
		InnerRemote: innerRemote,
	}
	if err := e.Kernel.UpTunnel(tun, e.Cfg.Rtable); err != nil {
		return nil, err
	}
	e.Bits.Set(ifnum)
	e.Reg.InsertTunnel(tun)
	return tun, nil
}

// Rebase handles the loss of a tunnel's basis route: it deletes the inner
// addressing (which collaterally removes the kernel's attached routes) and,
// if other routes remain, reinstalls inner addressing against a new basis
// and re-adds the surviving routes. Idempotent: a tunnel whose basis is
// already something other than lostRoute is left untouched, so a caller
// that rebases both before and after a kernel change/remove cannot
// double-rebase.
func (e *Engine) Rebase(tun *model.Tunnel, lostRoute *model.Route, rtable int) error {
	if tun.InnerRemote != lostRoute.Net {
		return nil
	}

	if err := e.Kernel.ClearInnerAddr(tun); err != nil {
		return fmt.Errorf("reconcile: rebase %s: clear inner addressing: %w", tun.IfName, err)
	}

	if tun.Nref() <= 1 {
		return nil
	}

	var newBasis *model.Route
	for _, r := range tun.Routes {
		if r != lostRoute {
			newBasis = r
			break
		}
	}
	tun.InnerRemote = newBasis.Net

	if err := e.Kernel.SetInnerAddr(tun); err != nil {
		return fmt.Errorf("reconcile: rebase %s: reinstall inner addressing: %w", tun.IfName, err)
	}

	for _, r := range tun.Routes {
		if r == lostRoute {
			continue
		}
		if err := e.Kernel.AddRoute(r, tun, rtable); err != nil {
			return fmt.Errorf("reconcile: rebase %s: re-add %s: %w", tun.IfName, r.Prefix(), err)
		}
	}
	return nil
}

// Expire removes every route whose expiry has passed, unlinking it from its
// tunnel and collapsing the tunnel if that empties it.
func (e *Engine) Expire(now time.Time) error {
	var stale []*model.Route
	e.Reg.Routes.Do(func(p meshnet.Prefix, v any) radix.Signal {
		r := v.(*model.Route)
		if !r.Expires.After(now) {
			stale = append(stale, r)
		}
		return radix.Continue
	})

	for _, r := range stale {
		tun := r.Tunnel
		if tun != nil && tun.InnerRemote == r.Net {
			if err := e.Rebase(tun, r, e.Cfg.Rtable); err != nil {
				return err
			}
		}

		e.Reg.RemoveRoute(r.Prefix())
		if err := e.Kernel.RemoveRoute(r, e.Cfg.Rtable); err != nil {
			return fmt.Errorf("reconcile: expire %s: %w", r.Prefix(), err)
		}
		if tun != nil {
			model.UnlinkRoute(r)
			if err := e.collapseIfEmpty(tun); err != nil {
				return err
			}
		}
	}
	return nil
}

// collapseIfEmpty tears down tun when its last route has been removed.
func (e *Engine) collapseIfEmpty(tun *model.Tunnel) error {
	if tun.Nref() != 0 {
		return nil
	}
	e.Reg.RemoveTunnel(tun.OuterRemote)
	if err := e.Kernel.DownTunnel(tun); err != nil {
		return fmt.Errorf("reconcile: collapse %s: %w", tun.IfName, err)
	}
	e.Bits.Clear(tun.IfNum)
	return nil
}

// FixOverlaps removes, per tunnel, any route that is redundant because an
// ancestor route on the same tunnel already covers it — the kernel-inserted
// host route to inner_remote the interface always creates underneath
// whatever network route discovery also found. Bootstrap-only.
func (e *Engine) FixOverlaps() {
	e.Reg.Tunnels.Do(func(p meshnet.Prefix, v any) radix.Signal {
		tun := v.(*model.Tunnel)
		e.fixOverlapsForTunnel(tun)
		return radix.Continue
	})
}

func (e *Engine) fixOverlapsForTunnel(tun *model.Tunnel) {
	private := radix.New()
	for _, r := range tun.Routes {
		private.Insert(r.Prefix(), r)
	}

	var redundant []*model.Route
	var coverStack []*model.Route
	private.DoTopDown(func(p meshnet.Prefix, v any) radix.Signal {
		r := v.(*model.Route)
		for len(coverStack) > 0 {
			top := coverStack[len(coverStack)-1]
			if top.Prefix().Contains(r.Net) {
				break
			}
			coverStack = coverStack[:len(coverStack)-1]
		}
		if len(coverStack) > 0 {
			redundant = append(redundant, r)
		} else {
			coverStack = append(coverStack, r)
		}
		return radix.Continue
	})

	for _, r := range redundant {
		model.UnlinkRoute(r)
		e.Reg.RemoveRoute(r.Prefix())
	}
}
