// Command meshrouted maintains a mesh of IPv4-in-IPv4 tunnels and the
// routing entries that steer traffic through them, driven by MARP
// advertisements received over UDP multicast.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/overlaynet/meshrouted/internal/daemon"
	"github.com/overlaynet/meshrouted/internal/diag"
	"github.com/overlaynet/meshrouted/pkg/bitset"
	"github.com/overlaynet/meshrouted/pkg/config"
	"github.com/overlaynet/meshrouted/pkg/discover"
	"github.com/overlaynet/meshrouted/pkg/kernel"
	"github.com/overlaynet/meshrouted/pkg/marp"
	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/model"
	"github.com/overlaynet/meshrouted/pkg/reconcile"
)

// routeTimeout is the lifetime stamped on a route when it is installed or
// refreshed; there is no periodic keepalive beyond re-advertisement.
const routeTimeout = 3 * time.Minute

func main() {
	logger := config.NewLogger(log.New(os.Stderr, "meshrouted: ", log.LstdFlags))

	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		logger.Fatal(fmt.Errorf("parse arguments: %w", err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(cfg config.Config, logger *config.Logger) error {
	adapter := kernel.New()
	if err := adapter.Init(cfg.Rtable); err != nil {
		return fmt.Errorf("kernel init: %w", err)
	}
	defer adapter.Close()

	reg := model.NewRegistry()
	for _, entry := range cfg.Policy {
		decision := model.Ignore
		if entry.Accept {
			decision = model.Accept
		}
		reg.Policy.Insert(entry.Prefix, decision)
	}

	bits := bitset.New()
	for _, n := range cfg.StaticIfnums {
		bits.Set(n)
	}

	eng := reconcile.New(reg, adapter, bits, reconcile.Config{
		LocalOuter: cfg.LocalOuter,
		LocalInner: cfg.LocalInner,
		Rtable:     cfg.Rtable,
		Timeout:    routeTimeout,
		IfPrefix:   "gif",
	}, logger)

	if err := discover.Bootstrap(eng, adapter, cfg.Rtable, time.Now()); err != nil {
		return fmt.Errorf("bootstrap discovery: %w", err)
	}

	if cfg.Dump {
		return diag.Dump(os.Stdout, reg)
	}

	if !cfg.NoDaemonize {
		if err := daemon.Daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}

	frontend := marp.NewFrontend(cfg.Password, eng)
	d := &daemon.Daemon{Frontend: frontend}

	if cfg.FilePath != "" {
		f, err := os.Open(cfg.FilePath)
		if err != nil {
			return fmt.Errorf("open replay file %s: %w", cfg.FilePath, err)
		}
		defer f.Close()
		d.File = f
	} else {
		group, err := meshnet.ParseAddr(config.DefaultGroup)
		if err != nil {
			return fmt.Errorf("parse multicast group: %w", err)
		}
		conn, err := adapter.OpenListener(group, config.DefaultPort, cfg.ListenRtable)
		if err != nil {
			return fmt.Errorf("open listener: %w", err)
		}
		defer conn.Close()
		d.Conn = conn
	}

	return d.Run(time.Now)
}
