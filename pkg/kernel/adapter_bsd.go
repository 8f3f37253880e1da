//go:build darwin || freebsd

package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/net/ipv4"
	xroute "golang.org/x/net/route"
	"golang.org/x/sys/unix"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
)

// ifacePrefix names the gif(4)-style point-to-point tunnel interfaces this
// daemon manages; Discover only reports interfaces with this prefix.
const ifacePrefix = "gif"

// bsdAdapter drives tunnel interfaces and the routing table on a BSD-family
// kernel (darwin, freebsd) through PF_ROUTE and the interface ioctls.
type bsdAdapter struct {
	routeFD int
	ctrlFD  int
	seq     uint32
}

// New returns the real kernel adapter for this platform.
func New() Adapter {
	return &bsdAdapter{routeFD: -1, ctrlFD: -1}
}

func (a *bsdAdapter) Init(rtable int) error {
	routeFD, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("kernel: open routing socket: %w", err)
	}
	if rtable != 0 {
		if err := unix.SetsockoptInt(routeFD, unix.SOL_SOCKET, unix.SO_SETFIB, rtable); err != nil {
			unix.Close(routeFD)
			return fmt.Errorf("kernel: bind routing socket to rtable %d: %w", rtable, err)
		}
	}

	ctrlFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		unix.Close(routeFD)
		return fmt.Errorf("kernel: open control socket: %w", err)
	}
	if rtable != 0 {
		if err := unix.SetsockoptInt(ctrlFD, unix.SOL_SOCKET, unix.SO_SETFIB, rtable); err != nil {
			unix.Close(routeFD)
			unix.Close(ctrlFD)
			return fmt.Errorf("kernel: bind control socket to rtable %d: %w", rtable, err)
		}
	}

	a.routeFD, a.ctrlFD = routeFD, ctrlFD
	return nil
}

func (a *bsdAdapter) Close() error {
	var err error
	if a.routeFD >= 0 {
		err = unix.Close(a.routeFD)
		a.routeFD = -1
	}
	if a.ctrlFD >= 0 {
		if cerr := unix.Close(a.ctrlFD); err == nil {
			err = cerr
		}
		a.ctrlFD = -1
	}
	return err
}

// OpenListener binds a UDP socket, set to rtable, to port on all addresses
// and joins the given multicast group on every interface that is up and
// multicast-capable, grounded on the teacher stack's
// MulticastSocket.JoinIPv4Group pattern.
func (a *bsdAdapter) OpenListener(group meshnet.Addr, port int, rtable int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if rtable != 0 {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SETFIB, rtable)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("kernel: listen udp4:%d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group.IP()}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kernel: list interfaces for multicast join: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := p.JoinGroup(iface, groupAddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, fmt.Errorf("kernel: joined multicast group %s on no interface", group)
	}
	return conn, nil
}

func (a *bsdAdapter) nextSeq() int {
	n := atomic.AddUint32(&a.seq, 1)
	if n >= math.MaxInt32 {
		atomic.StoreUint32(&a.seq, 0)
		n = 0
	}
	return int(n)
}

// Discover enumerates gif-style interfaces and the routes installed in
// rtable, resolving interface-reference gateways to names using the
// interface set collected in the same pass. Every gif-prefixed interface is
// reported; interfaces are not filtered by rtable.
func (a *bsdAdapter) Discover(rtable int) ([]InterfaceRecord, []RouteRecord, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: list interfaces: %w", err)
	}

	byIndex := make(map[int]string, len(ifaces))
	var interfaceRecords []InterfaceRecord
	for _, iface := range ifaces {
		byIndex[iface.Index] = iface.Name
		if !strings.HasPrefix(iface.Name, ifacePrefix) {
			continue
		}
		rec, err := a.describeTunnelInterface(iface)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: describe %s: %w", iface.Name, err)
		}
		interfaceRecords = append(interfaceRecords, rec)
	}

	buf, err := xroute.FetchRIB(unix.AF_INET, unix.NET_RT_DUMP, rtable)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: fetch RIB: %w", err)
	}
	msgs, err := xroute.ParseRIB(xroute.RIBTypeRoute, buf)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: parse RIB: %w", err)
	}

	var routeRecords []RouteRecord
	for _, msg := range msgs {
		rm, ok := msg.(*xroute.RouteMessage)
		if !ok || len(rm.Addrs) < 3 {
			continue
		}
		dst, ok := rm.Addrs[unix.RTAX_DST].(*xroute.Inet4Addr)
		if !ok {
			continue
		}
		mask, ok := rm.Addrs[unix.RTAX_NETMASK].(*xroute.Inet4Addr)
		if !ok {
			continue
		}
		rec := RouteRecord{
			Net:  meshnet.AddrFromNetwork(dst.IP[:]),
			Mask: meshnet.AddrFromNetwork(mask.IP[:]),
		}
		switch gw := rm.Addrs[unix.RTAX_GATEWAY].(type) {
		case *xroute.Inet4Addr:
			rec.GatewayIsAddr = true
			rec.GatewayAddr = meshnet.AddrFromNetwork(gw.IP[:])
		case *xroute.LinkAddr:
			rec.GatewayIsAddr = false
			if name, ok := byIndex[gw.Index]; ok {
				rec.GatewayIfName = name
			} else if name, err := net.InterfaceByIndex(rm.Index); err == nil {
				rec.GatewayIfName = name.Name
			}
		default:
			continue
		}
		routeRecords = append(routeRecords, rec)
	}

	return interfaceRecords, routeRecords, nil
}

func (a *bsdAdapter) describeTunnelInterface(iface net.Interface) (InterfaceRecord, error) {
	rec := InterfaceRecord{Name: iface.Name}
	if _, err := fmt.Sscanf(iface.Name, ifacePrefix+"%d", &rec.IfNum); err != nil {
		return rec, fmt.Errorf("unexpected tunnel interface name %q: %w", iface.Name, err)
	}

	outerLocal, outerRemote, err := a.physAddrs(iface.Name)
	if err != nil {
		return rec, err
	}
	rec.OuterLocal, rec.OuterRemote = outerLocal, outerRemote

	innerLocal, innerRemote, err := a.innerAddrs(iface.Name)
	if err != nil {
		return rec, err
	}
	rec.InnerLocal, rec.InnerRemote = innerLocal, innerRemote

	return rec, nil
}

// ifreqAddr mirrors the BSD struct ifreq's address-carrying variant used by
// the SIOC*ADDR family of ioctls: a fixed interface name field followed by
// a sockaddr_in.
type ifreqAddr struct {
	Name [unix.IFNAMSIZ]byte
	Addr unix.RawSockaddrInet4
}

func newIfreqAddr(name string) ifreqAddr {
	var r ifreqAddr
	copy(r.Name[:], name)
	return r
}

func ioctlGetIfreqAddr(fd int, req uint, name string) (meshnet.Addr, error) {
	r := newIfreqAddr(name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return 0, errno
	}
	return meshnet.AddrFromNetwork(r.Addr.Addr[:]), nil
}

// physAddrs reads the gif(4) outer source/destination via the
// SIOCGIFPSRCADDR/SIOCGIFPDSTADDR ioctls.
func (a *bsdAdapter) physAddrs(name string) (local, remote meshnet.Addr, err error) {
	local, err = ioctlGetIfreqAddr(a.ctrlFD, unix.SIOCGIFPSRCADDR, name)
	if err != nil {
		return 0, 0, fmt.Errorf("SIOCGIFPSRCADDR: %w", err)
	}
	remote, err = ioctlGetIfreqAddr(a.ctrlFD, unix.SIOCGIFPDSTADDR, name)
	if err != nil {
		return 0, 0, fmt.Errorf("SIOCGIFPDSTADDR: %w", err)
	}
	return local, remote, nil
}

// innerAddrs reads the tunnel interface's point-to-point inner
// source/destination via SIOCGIFADDR/SIOCGIFDSTADDR.
func (a *bsdAdapter) innerAddrs(name string) (local, remote meshnet.Addr, err error) {
	local, err = ioctlGetIfreqAddr(a.ctrlFD, unix.SIOCGIFADDR, name)
	if err != nil {
		return 0, 0, fmt.Errorf("SIOCGIFADDR: %w", err)
	}
	remote, err = ioctlGetIfreqAddr(a.ctrlFD, unix.SIOCGIFDSTADDR, name)
	if err != nil {
		return 0, 0, fmt.Errorf("SIOCGIFDSTADDR: %w", err)
	}
	return local, remote, nil
}

func (a *bsdAdapter) UpTunnel(t *model.Tunnel, rtable int) error {
	if err := a.createInterface(t.IfName); err != nil {
		return fmt.Errorf("kernel: create %s: %w", t.IfName, err)
	}
	if err := a.setPhysAddrs(t.IfName, t.OuterLocal, t.OuterRemote); err != nil {
		return fmt.Errorf("kernel: set outer addrs on %s: %w", t.IfName, err)
	}
	if err := a.bindFib(t.IfName, rtable); err != nil {
		return fmt.Errorf("kernel: bind %s to rtable %d: %w", t.IfName, rtable, err)
	}
	if err := a.setFlagsUpRunning(t.IfName); err != nil {
		return fmt.Errorf("kernel: set %s up: %w", t.IfName, err)
	}
	if err := a.setInnerAddrs(t.IfName, t.InnerLocal, t.InnerRemote); err != nil {
		return fmt.Errorf("kernel: set inner addrs on %s: %w", t.IfName, err)
	}
	return nil
}

func (a *bsdAdapter) DownTunnel(t *model.Tunnel) error {
	return a.destroyInterface(t.IfName)
}

// ClearInnerAddr removes the currently-configured inner address via
// SIOCDIFADDR, leaving the interface itself (and its outer addressing)
// untouched.
func (a *bsdAdapter) ClearInnerAddr(t *model.Tunnel) error {
	r := newIfreqAddr(t.IfName)
	r.Addr.Len = uint8(unsafe.Sizeof(r.Addr))
	r.Addr.Family = unix.AF_INET
	lb := t.InnerLocal.ToNetwork()
	copy(r.Addr.Addr[:], lb[:])
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCDIFADDR), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetInnerAddr reassigns the inner point-to-point address via SIOCAIFADDR,
// the same ioctl UpTunnel uses when the interface is first created.
func (a *bsdAdapter) SetInnerAddr(t *model.Tunnel) error {
	return a.setInnerAddrs(t.IfName, t.InnerLocal, t.InnerRemote)
}

type ifreqShort struct {
	Name  [unix.IFNAMSIZ]byte
	Flags int16
	_     [14]byte // pad to sizeof(struct ifreq)
}

func (a *bsdAdapter) createInterface(name string) error {
	var r ifreqShort
	copy(r.Name[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCIFCREATE), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (a *bsdAdapter) destroyInterface(name string) error {
	var r ifreqShort
	copy(r.Name[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCIFDESTROY), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (a *bsdAdapter) setPhysAddrs(name string, local, remote meshnet.Addr) error {
	type ifaliasreq struct {
		Name [unix.IFNAMSIZ]byte
		Src  unix.RawSockaddrInet4
		Dst  unix.RawSockaddrInet4
		Mask unix.RawSockaddrInet4
	}
	var r ifaliasreq
	copy(r.Name[:], name)
	r.Src.Len = uint8(unsafe.Sizeof(r.Src))
	r.Src.Family = unix.AF_INET
	lb := local.ToNetwork()
	copy(r.Src.Addr[:], lb[:])
	r.Dst.Len = uint8(unsafe.Sizeof(r.Dst))
	r.Dst.Family = unix.AF_INET
	rb := remote.ToNetwork()
	copy(r.Dst.Addr[:], rb[:])

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCSIFPHYADDR), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (a *bsdAdapter) setInnerAddrs(name string, local, remote meshnet.Addr) error {
	type ifaliasreq struct {
		Name    [unix.IFNAMSIZ]byte
		Addr    unix.RawSockaddrInet4
		DstAddr unix.RawSockaddrInet4
		Mask    unix.RawSockaddrInet4
	}
	var r ifaliasreq
	copy(r.Name[:], name)
	r.Addr.Len = uint8(unsafe.Sizeof(r.Addr))
	r.Addr.Family = unix.AF_INET
	lb := local.ToNetwork()
	copy(r.Addr.Addr[:], lb[:])
	r.DstAddr.Len = uint8(unsafe.Sizeof(r.DstAddr))
	r.DstAddr.Family = unix.AF_INET
	rb := remote.ToNetwork()
	copy(r.DstAddr.Addr[:], rb[:])
	r.Mask.Len = uint8(unsafe.Sizeof(r.Mask))
	r.Mask.Family = unix.AF_INET
	hostMask := meshnet.Addr(meshnet.MaskFromLen(32)).ToNetwork()
	copy(r.Mask.Addr[:], hostMask[:])

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCAIFADDR), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (a *bsdAdapter) bindFib(name string, rtable int) error {
	type ifreqFib struct {
		Name [unix.IFNAMSIZ]byte
		Fib  int32
	}
	r := ifreqFib{Fib: int32(rtable)}
	copy(r.Name[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCSIFFIB), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (a *bsdAdapter) setFlagsUpRunning(name string) error {
	var r ifreqShort
	copy(r.Name[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCGIFFLAGS), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	r.Flags |= int16(unix.IFF_UP | unix.IFF_RUNNING)
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(a.ctrlFD), uintptr(unix.SIOCSIFFLAGS), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}
	return nil
}

// sockaddrsFor builds the three sockaddrs (destination, gateway, netmask)
// used on an ADD/CHANGE route-socket message.
func sockaddrsFor(r *model.Route, t *model.Tunnel) []xroute.Addr {
	netB := r.Net.ToNetwork()
	maskB := r.Mask().ToNetwork()
	gwB := t.OuterRemote.ToNetwork()
	return []xroute.Addr{
		&xroute.Inet4Addr{IP: netB},
		&xroute.Inet4Addr{IP: gwB},
		&xroute.Inet4Addr{IP: maskB},
	}
}

func (a *bsdAdapter) send(typ int, addrs []xroute.Addr) error {
	rm := &xroute.RouteMessage{
		Version: unix.RTM_VERSION,
		Type:    typ,
		Seq:     a.nextSeq(),
		Addrs:   addrs,
	}
	b, err := rm.Marshal()
	if err != nil {
		return fmt.Errorf("kernel: marshal route message: %w", err)
	}
	if _, err := unix.Write(a.routeFD, b); err != nil {
		return err
	}
	return nil
}

func isESRCH(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == unix.ESRCH
}

// AddRoute is a no-op when r would duplicate the tunnel's own
// auto-inserted host route to InnerRemote.
func (a *bsdAdapter) AddRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	if r.Cidr == 32 && r.Net == t.InnerRemote {
		return nil
	}
	return a.send(unix.RTM_ADD, sockaddrsFor(r, t))
}

// ChangeRoute falls back to remove+add when the kernel reports no such
// entry. Basis-route rebase is the reconciliation engine's responsibility
// (see pkg/reconcile), invoked before this is ever called.
func (a *bsdAdapter) ChangeRoute(r *model.Route, t *model.Tunnel, rtable int) error {
	err := a.send(unix.RTM_CHANGE, sockaddrsFor(r, t))
	if err == nil {
		return nil
	}
	if !isESRCH(err) {
		return err
	}
	_ = a.RemoveRoute(r, rtable)
	return a.AddRoute(r, t, rtable)
}

// RemoveRoute silently tolerates "no such entry". On DELETE the gateway
// slot carries the netmask and the message is one sockaddr shorter.
func (a *bsdAdapter) RemoveRoute(r *model.Route, rtable int) error {
	netB := r.Net.ToNetwork()
	maskB := r.Mask().ToNetwork()
	addrs := []xroute.Addr{
		&xroute.Inet4Addr{IP: netB},
		&xroute.Inet4Addr{IP: maskB},
	}
	err := a.send(unix.RTM_DELETE, addrs)
	if err != nil && !isESRCH(err) {
		return err
	}
	return nil
}
