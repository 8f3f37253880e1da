package kernel

import (
	"net"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
)

// Call records one invocation against a Fake, for tests that assert on the
// sequence of kernel operations the reconciliation engine issued.
type Call struct {
	Op   string
	Args []any
}

// Fake is an in-memory Adapter used by pkg/reconcile and pkg/discover tests
// so they can exercise the core logic without a BSD kernel or root
// privileges. It seeds Discover's return values directly and records every
// mutating call it receives.
type Fake struct {
	Interfaces []InterfaceRecord
	Routes     []RouteRecord

	Calls []Call
}

// NewFake returns an empty Fake adapter.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) record(op string, args ...any) {
	f.Calls = append(f.Calls, Call{Op: op, Args: args})
}

func (f *Fake) Init(rtable int) error {
	f.record("Init", rtable)
	return nil
}

func (f *Fake) Discover(rtable int) ([]InterfaceRecord, []RouteRecord, error) {
	f.record("Discover", rtable)
	return f.Interfaces, f.Routes, nil
}

func (f *Fake) OpenListener(group meshnet.Addr, port int, rtable int) (*net.UDPConn, error) {
	f.record("OpenListener", group, port, rtable)
	return nil, nil
}

func (f *Fake) UpTunnel(t *model.Tunnel, rtable int) error {
	f.record("UpTunnel", t.IfName, rtable)
	return nil
}

func (f *Fake) DownTunnel(t *model.Tunnel) error {
	f.record("DownTunnel", t.IfName)
	return nil
}

func (f *Fake) ClearInnerAddr(t *model.Tunnel) error {
	f.record("ClearInnerAddr", t.IfName)
	return nil
}

func (f *Fake) SetInnerAddr(t *model.Tunnel) error {
	f.record("SetInnerAddr", t.IfName)
	return nil
}

func (f *Fake) AddRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	f.record("AddRoute", r.Prefix().String(), t.IfName, rtable)
	return nil
}

func (f *Fake) ChangeRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	f.record("ChangeRoute", r.Prefix().String(), t.IfName, rtable)
	return nil
}

func (f *Fake) RemoveRoute(r *model.Route, rtable int) error {
	f.record("RemoveRoute", r.Prefix().String(), rtable)
	return nil
}

func (f *Fake) Close() error {
	f.record("Close")
	return nil
}
