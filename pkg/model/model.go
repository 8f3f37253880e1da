// Package model holds the in-memory Route/Tunnel graph and the registry
// that links it to the prefix maps backing routes, tunnels and acceptance
// policy. Grounded on the teacher stack's pkg/ip.Route/RoutingTable (struct
// shape, AddRoute/RemoveRoute/Lookup vocabulary), generalized to the
// Route-owns-map/Tunnel-owns-index split recommended for Go by this
// project's design notes (see DESIGN.md): a Tunnel holds a slice of the
// Routes that reference it rather than an intrusive linked list, so the
// routes map stays the sole owner of Route storage and Route.Tunnel is a
// plain, non-owning pointer into the tunnels map.
package model

import (
	"time"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/radix"
)

// Route is one routing table entry, either learned from an advertisement or
// discovered at startup.
type Route struct {
	Net     meshnet.Addr // network address; Net & Mask() == Net
	Cidr    uint8        // prefix length, 0..32
	Gateway meshnet.Addr // outer endpoint this net is reached through; 0 if unbound
	Tunnel  *Tunnel      // weak back-reference; nil when not linked to a tunnel
	Expires time.Time
}

// Prefix returns the route's (net, cidr) key.
func (r *Route) Prefix() meshnet.Prefix {
	return meshnet.Prefix{Addr: r.Net, Len: r.Cidr}
}

// Mask returns the route's netmask.
func (r *Route) Mask() meshnet.Addr {
	return meshnet.Addr(meshnet.MaskFromLen(r.Cidr))
}

// Tunnel is one IPv4-in-IPv4 encapsulation tunnel and the routes reachable
// through it.
type Tunnel struct {
	IfName string
	IfNum  int

	OuterLocal  meshnet.Addr
	OuterRemote meshnet.Addr

	InnerLocal  meshnet.Addr
	InnerRemote meshnet.Addr // equals Net of the basis route

	// Routes is the set of Routes currently linked to this tunnel. It is an
	// index, not an owner: the routes map in Registry is the canonical
	// owner of Route storage.
	Routes []*Route
}

// Nref is the tunnel's reference count: the number of routes linked to it.
// Tunnel invariant: Nref == len(Routes); Nref == 0 means the tunnel is
// eligible for teardown.
func (t *Tunnel) Nref() int {
	return len(t.Routes)
}

// HasBasis reports whether some route in t.Routes has Net == t.InnerRemote,
// the basis-route invariant every linked tunnel must satisfy.
func (t *Tunnel) HasBasis() bool {
	for _, r := range t.Routes {
		if r.Net == t.InnerRemote {
			return true
		}
	}
	return false
}

// Basis returns the route whose network equals InnerRemote, if any.
func (t *Tunnel) Basis() *Route {
	for _, r := range t.Routes {
		if r.Net == t.InnerRemote {
			return r
		}
	}
	return nil
}

// Decision is an acceptance-policy verdict.
type Decision int

const (
	// Ignore drops an advertised network silently.
	Ignore Decision = iota
	// Accept admits an advertised network for processing.
	Accept
)

// Registry owns the routes map, the tunnels map, and the read-only
// acceptance-policy map, and provides the link/unlink operations that
// maintain the invariants tying Routes to their owning Tunnel.
type Registry struct {
	Routes  *radix.Map // meshnet.Prefix -> *Route
	Tunnels *radix.Map // meshnet.Prefix (host, /32) -> *Tunnel, keyed by OuterRemote
	Policy  *radix.Map // meshnet.Prefix -> Decision
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		Routes:  radix.New(),
		Tunnels: radix.New(),
		Policy:  radix.New(),
	}
}

// FindTunnel looks up the tunnel keyed by outerRemote at prefix 32.
func (reg *Registry) FindTunnel(outerRemote meshnet.Addr) (*Tunnel, bool) {
	v, ok := reg.Tunnels.Find(meshnet.Host(outerRemote))
	if !ok {
		return nil, false
	}
	return v.(*Tunnel), true
}

// InsertTunnel adds a newly created tunnel to the tunnels map. It is a
// programming error to insert a tunnel whose OuterRemote is already
// present; the caller (the reconciliation engine) always checks FindTunnel
// first.
func (reg *Registry) InsertTunnel(t *Tunnel) {
	reg.Tunnels.Insert(meshnet.Host(t.OuterRemote), t)
}

// RemoveTunnel removes a tunnel from the tunnels map.
func (reg *Registry) RemoveTunnel(outerRemote meshnet.Addr) (*Tunnel, bool) {
	v, ok := reg.Tunnels.Remove(meshnet.Host(outerRemote))
	if !ok {
		return nil, false
	}
	return v.(*Tunnel), true
}

// FindRoute performs an exact-match lookup in the routes map.
func (reg *Registry) FindRoute(p meshnet.Prefix) (*Route, bool) {
	v, ok := reg.Routes.Find(p)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

// NearestRoute performs a longest-prefix-match lookup in the routes map.
func (reg *Registry) NearestRoute(addr meshnet.Addr, maxLen uint8) (*Route, bool) {
	v, ok := reg.Routes.Nearest(addr, maxLen)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

// InsertRoute adds a route to the routes map. The route is not yet linked
// to any tunnel; the caller links it with LinkRoute.
func (reg *Registry) InsertRoute(r *Route) {
	reg.Routes.Insert(r.Prefix(), r)
}

// RemoveRoute removes a route from the routes map. It does not unlink the
// route from its tunnel; call UnlinkRoute first (or let the caller do both,
// in the order the invariants require).
func (reg *Registry) RemoveRoute(p meshnet.Prefix) (*Route, bool) {
	v, ok := reg.Routes.Remove(p)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

// LookupPolicy performs a longest-prefix-match acceptance-policy decision.
// Unmapped networks default to Ignore.
func (reg *Registry) LookupPolicy(addr meshnet.Addr) Decision {
	v, ok := reg.Policy.Nearest(addr, 32)
	if !ok {
		return Ignore
	}
	return v.(Decision)
}

// LinkRoute attaches r to tunnel t, setting the weak back-reference and
// appending r to t's route index. The route's Gateway must already equal
// t.OuterRemote (the engine sets this before linking).
func LinkRoute(r *Route, t *Tunnel) {
	r.Tunnel = t
	t.Routes = append(t.Routes, r)
}

// UnlinkRoute detaches r from its current tunnel, if any, preserving the
// order of the tunnel's remaining routes.
func UnlinkRoute(r *Route) {
	t := r.Tunnel
	if t == nil {
		return
	}
	for i, rr := range t.Routes {
		if rr == r {
			t.Routes = append(t.Routes[:i], t.Routes[i+1:]...)
			break
		}
	}
	r.Tunnel = nil
}
