// Package kernel implements the reconciliation protocol's one collaborator
// that actually touches the operating system: creating and destroying
// tunnel interfaces, installing and removing routes, and discovering the
// kernel's existing view of both at startup.
//
// Grounded on the teacher stack's socket-construction style
// (examples/udp_echo/main.go's raw syscall.Socket/Bind sequencing) and its
// multicast join pattern (pkg/multicast.MulticastSocket.JoinIPv4Group,
// built on golang.org/x/net/ipv4), generalized to the three real
// collaborators a BSD routing daemon needs: golang.org/x/net/route for the
// PF_ROUTE socket, golang.org/x/net/ipv4 for the multicast listener, and
// golang.org/x/sys/unix for the tunnel-interface ioctls.
package kernel

import (
	"net"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
)

// InterfaceRecord describes one existing tunnel interface found during
// discovery.
type InterfaceRecord struct {
	Name        string
	IfNum       int
	OuterLocal  meshnet.Addr
	OuterRemote meshnet.Addr
	InnerLocal  meshnet.Addr
	InnerRemote meshnet.Addr
}

// RouteRecord describes one existing kernel route found during discovery.
// Per the Design Notes, Discover yields typed records rather than driving
// two separate callbacks, so pkg/discover carries no adapter vocabulary.
type RouteRecord struct {
	Net  meshnet.Addr
	Mask meshnet.Addr

	// GatewayIsAddr is true when the route's gateway is a next-hop address
	// (GatewayAddr is meaningful); false when the gateway is a bare
	// interface reference (GatewayIfName is meaningful instead).
	GatewayIsAddr bool
	GatewayAddr   meshnet.Addr
	GatewayIfName string
}

// Adapter is the kernel-facing interface the rest of the core programs
// against. pkg/reconcile and pkg/discover depend only on this interface, so
// they can be exercised in tests against the in-memory fake in
// fake.go without a BSD kernel or root privileges.
type Adapter interface {
	// Init creates and retains the control and routing sockets, binding
	// both to rtable.
	Init(rtable int) error

	// Discover enumerates existing tunnel interfaces and the routes
	// installed in rtable. The BSD adapter reports every gif-prefixed
	// interface; it does not filter interfaces by rtable.
	Discover(rtable int) ([]InterfaceRecord, []RouteRecord, error)

	// OpenListener opens a UDP socket bound to port on all interfaces in
	// rtable, joined to the given multicast group, with address reuse
	// enabled.
	OpenListener(group meshnet.Addr, port int, rtable int) (*net.UDPConn, error)

	// UpTunnel creates the kernel interface for t, sets its outer
	// source/destination, binds it to rtable, brings it up and running,
	// and assigns its inner source/destination — in that order. Fatal on
	// any failure; the daemon does not recover from a failed creation.
	UpTunnel(t *model.Tunnel, rtable int) error

	// DownTunnel destroys the kernel interface for t.
	DownTunnel(t *model.Tunnel) error

	// ClearInnerAddr removes t's inner point-to-point address from its
	// kernel interface, without destroying the interface itself. The
	// kernel collaterally drops any route it auto-attached to that
	// address. Used by rebase, which must vacate the old basis address
	// while the interface goes on carrying the tunnel's other routes.
	ClearInnerAddr(t *model.Tunnel) error

	// SetInnerAddr assigns t's current InnerLocal/InnerRemote to its
	// already-up kernel interface, without touching interface existence,
	// outer addressing, or fib binding. Used by rebase to install the new
	// basis address after ClearInnerAddr vacated the old one.
	SetInnerAddr(t *model.Tunnel) error

	// AddRoute installs r, reached through t, into rtable. A no-op
	// (returns nil) when r would duplicate the tunnel's own auto-inserted
	// host route to InnerRemote.
	AddRoute(r *model.Route, t *model.Tunnel, rtable int) error

	// ChangeRoute updates r's kernel entry to point through t, falling
	// back to remove+add when the kernel reports no such entry.
	ChangeRoute(r *model.Route, t *model.Tunnel, rtable int) error

	// RemoveRoute deletes r's kernel entry, tolerating "no such entry".
	RemoveRoute(r *model.Route, rtable int) error

	// Close releases the control and routing sockets.
	Close() error
}
