// Package diag renders the discovered Route/Tunnel graph for the -D
// dump-and-exit flag.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
	"github.com/overlaynet/meshrouted/pkg/radix"
)

// Dump writes a human-readable rendering of reg's tunnels and their routes
// to w, one tunnel block per interface, sorted by interface name for
// stable output across runs.
func Dump(w io.Writer, reg *model.Registry) error {
	var tunnels []*model.Tunnel
	reg.Tunnels.Do(func(p meshnet.Prefix, v any) radix.Signal {
		tunnels = append(tunnels, v.(*model.Tunnel))
		return radix.Continue
	})
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].IfName < tunnels[j].IfName })

	for _, tun := range tunnels {
		if _, err := fmt.Fprintf(w, "%s outer=%s->%s inner=%s->%s nref=%d\n",
			tun.IfName, tun.OuterLocal, tun.OuterRemote, tun.InnerLocal, tun.InnerRemote, tun.Nref()); err != nil {
			return err
		}
		routes := append([]*model.Route(nil), tun.Routes...)
		sort.Slice(routes, func(i, j int) bool { return routes[i].Prefix().String() < routes[j].Prefix().String() })
		for _, r := range routes {
			basis := ""
			if r.Net == tun.InnerRemote {
				basis = " (basis)"
			}
			if _, err := fmt.Fprintf(w, "  %s expires=%s%s\n", r.Prefix(), r.Expires.Format("2006-01-02T15:04:05"), basis); err != nil {
				return err
			}
		}
	}
	return nil
}
