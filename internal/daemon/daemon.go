// Package daemon wires the listener, the MARP frontend and the
// reconciliation engine into the single cooperative loop spec.md's
// concurrency model requires: the only suspension point is the blocking
// receive, and every effect from one datagram lands in the kernel before
// the next is read.
package daemon

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/overlaynet/meshrouted/pkg/marp"
	"github.com/overlaynet/meshrouted/pkg/meshnet"
)

// Daemon owns the listener (or file) the loop reads from and the frontend
// it hands each datagram to.
type Daemon struct {
	Frontend *marp.Frontend
	Conn     *net.UDPConn // nil in file-replay mode
	File     *os.File     // nil in listener mode
}

// Run blocks, reading datagrams (or replaying file frames) until the
// source is exhausted (file mode) or a fatal error occurs. now is called
// once per datagram rather than relying on the wall clock directly, so
// tests can drive the loop with a synthetic clock.
func (d *Daemon) Run(now func() time.Time) error {
	if d.File != nil {
		return d.runFile(now)
	}
	return d.runListener(now)
}

func (d *Daemon) runListener(now func() time.Time) error {
	buf := meshnet.GetDatagramBuffer()
	defer meshnet.PutDatagramBuffer(buf)
	for {
		n, _, err := d.Conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("daemon: read listener socket: %w", err)
		}
		if err := d.Frontend.HandleDatagram(buf[:n], now()); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}
}

func (d *Daemon) runFile(now func() time.Time) error {
	for {
		frame, err := marp.ReadFrame(d.File)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		if err := d.Frontend.HandleDatagram(frame, now()); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}
}

// Daemonize applies this Go port's simplification of the C original's
// daemon(3) call: there is no fork() available from a single-threaded Go
// process without re-exec, so "daemonizing" here means redirecting stdin
// to /dev/null and ignoring SIGHUP, then continuing in the same process
// and process group.
func Daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("daemon: redirect stdin: %w", err)
	}
	signal.Ignore(syscall.SIGHUP)
	return nil
}
