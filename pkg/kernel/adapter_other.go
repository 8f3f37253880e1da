//go:build !darwin && !freebsd

package kernel

import (
	"fmt"
	"net"
	"runtime"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
)

// unsupportedAdapter reports a clear error on every operation. The gif(4)
// interface and PF_ROUTE socket this daemon relies on only exist on BSD
// kernels; there is no portable equivalent to fall back to.
type unsupportedAdapter struct{}

// New returns an adapter that fails every call with an unsupported-platform
// error. Build meshrouted for darwin or freebsd to get the real adapter.
func New() Adapter {
	return unsupportedAdapter{}
}

func errUnsupported() error {
	return fmt.Errorf("kernel: %s/%s is not supported; meshrouted requires a gif(4)/PF_ROUTE kernel (darwin or freebsd)", runtime.GOOS, runtime.GOARCH)
}

func (unsupportedAdapter) Init(rtable int) error { return errUnsupported() }

func (unsupportedAdapter) Discover(rtable int) ([]InterfaceRecord, []RouteRecord, error) {
	return nil, nil, errUnsupported()
}

func (unsupportedAdapter) OpenListener(group meshnet.Addr, port int, rtable int) (*net.UDPConn, error) {
	return nil, errUnsupported()
}

func (unsupportedAdapter) UpTunnel(t *model.Tunnel, rtable int) error { return errUnsupported() }

func (unsupportedAdapter) DownTunnel(t *model.Tunnel) error { return errUnsupported() }

func (unsupportedAdapter) ClearInnerAddr(t *model.Tunnel) error { return errUnsupported() }

func (unsupportedAdapter) SetInnerAddr(t *model.Tunnel) error { return errUnsupported() }

func (unsupportedAdapter) AddRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	return errUnsupported()
}

func (unsupportedAdapter) ChangeRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	return errUnsupported()
}

func (unsupportedAdapter) RemoveRoute(r *model.Route, rtable int) error { return errUnsupported() }

func (unsupportedAdapter) Close() error { return nil }
