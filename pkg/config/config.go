// Package config parses the daemon's command line and builds the
// acceptance-policy table it seeds the registry with.
//
// Grounded on the teacher's examples/*/main.go style: the standard `flag`
// package, no third-party CLI framework, plain `log.Printf`/`log.Fatalf`
// for diagnostics.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
)

// DefaultRtable is the route table meshrouted uses for created interfaces
// and routes when -T is not given.
const DefaultRtable = 44

// DefaultPort is the MARP multicast port.
const DefaultPort = 520

// DefaultGroup is the MARP multicast group.
const DefaultGroup = "224.0.0.9"

// PolicyEntry is one -A/-I flag occurrence, in the order given on the
// command line.
type PolicyEntry struct {
	Prefix meshnet.Prefix
	Accept bool
}

// Config is the fully-parsed command line.
type Config struct {
	NoDaemonize  bool
	Dump         bool
	Rtable       int
	ListenRtable int
	Policy       []PolicyEntry
	StaticIfnums []int
	FilePath     string
	Password     string

	LocalOuter meshnet.Addr
	LocalInner meshnet.Addr
}

// prefixListFlag implements flag.Value for the repeatable -A/-I options,
// recording entries in the order they're given. sawAccept, when non-nil, is
// set on every successful -A occurrence so Parse can tell "no -A given"
// apart from "-I given but no -A" without inspecting cfg.Policy's length.
type prefixListFlag struct {
	accept    bool
	cfg       *Config
	sawAccept *bool
}

func (f *prefixListFlag) String() string { return "" }

func (f *prefixListFlag) Set(s string) error {
	p, err := parseCIDR(s)
	if err != nil {
		return err
	}
	f.cfg.Policy = append(f.cfg.Policy, PolicyEntry{Prefix: p, Accept: f.accept})
	if f.sawAccept != nil {
		*f.sawAccept = true
	}
	return nil
}

func parseCIDR(s string) (meshnet.Prefix, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return meshnet.Prefix{}, fmt.Errorf("config: %q is not a CIDR (want addr/len)", s)
	}
	addr, err := meshnet.ParseAddr(parts[0])
	if err != nil {
		return meshnet.Prefix{}, fmt.Errorf("config: %q: %w", s, err)
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil || length < 0 || length > 32 {
		return meshnet.Prefix{}, fmt.Errorf("config: %q has an invalid prefix length", s)
	}
	return meshnet.NewPrefix(addr, uint8(length)), nil
}

// intListFlag implements flag.Value for the repeatable -s option.
type intListFlag struct {
	cfg *Config
}

func (f *intListFlag) String() string { return "" }

func (f *intListFlag) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("config: %q is not a valid interface ordinal", s)
	}
	f.cfg.StaticIfnums = append(f.cfg.StaticIfnums, n)
	return nil
}

// Parse parses args (typically os.Args[1:]) into a Config. Flag- or
// argument-count errors are returned, not fatal here — argument parsing
// errors are one of this daemon's own documented fatal conditions, and the
// caller decides how to report them.
func Parse(progName string, args []string) (Config, error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	var cfg Config
	fs.BoolVar(&cfg.NoDaemonize, "d", false, "don't daemonize")
	fs.BoolVar(&cfg.Dump, "D", false, "dump discovered state to stdout and exit")
	fs.IntVar(&cfg.Rtable, "T", DefaultRtable, "route table for created interfaces/routes")
	fs.IntVar(&cfg.ListenRtable, "B", DefaultRtable, "route table for the listener socket")
	fs.StringVar(&cfg.FilePath, "f", "", "read advertisement frames from a file instead of the socket")
	fs.StringVar(&cfg.Password, "p", "", "plaintext MARP authentication password")

	var sawAccept bool
	fs.Var(&prefixListFlag{accept: true, cfg: &cfg, sawAccept: &sawAccept}, "A", "add an ACCEPT policy entry (CIDR, repeatable)")
	fs.Var(&prefixListFlag{accept: false, cfg: &cfg}, "I", "add an IGNORE policy entry (CIDR, repeatable)")
	fs.Var(&intListFlag{cfg: &cfg}, "s", "mark interface ordinal N as static (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) != 2 {
		return Config{}, fmt.Errorf("config: expected <local-outer-ip> <local-inner-ip>, got %d positional arguments", len(rest))
	}
	outer, err := meshnet.ParseAddr(rest[0])
	if err != nil {
		return Config{}, fmt.Errorf("config: local-outer-ip: %w", err)
	}
	inner, err := meshnet.ParseAddr(rest[1])
	if err != nil {
		return Config{}, fmt.Errorf("config: local-inner-ip: %w", err)
	}
	cfg.LocalOuter, cfg.LocalInner = outer, inner

	if !sawAccept {
		cfg.Policy = append(cfg.Policy, PolicyEntry{Prefix: meshnet.Prefix{Addr: 0, Len: 0}, Accept: true})
	}

	return cfg, nil
}

// Logger wraps a *log.Logger with the Infof/Warnf/Fatal vocabulary the
// engine and frontend use, so tests can substitute a buffer-backed logger
// instead of asserting against stderr.
type Logger struct {
	std *log.Logger
}

// NewLogger returns a Logger writing to std.
func NewLogger(std *log.Logger) *Logger {
	return &Logger{std: std}
}

// Infof logs at informational level: drops, acceptance decisions.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("info: "+format, args...)
}

// Warnf logs a structurally-odd-but-recovered condition.
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Printf("warn: "+format, args...)
}

// Fatal logs a fatal condition and terminates the process, matching the
// teacher's log.Fatalf usage.
func (l *Logger) Fatal(err error) {
	l.std.Printf("fatal: %v", err)
	os.Exit(1)
}
