package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("meshrouted", []string{"198.51.100.1", "44.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Rtable != DefaultRtable || cfg.ListenRtable != DefaultRtable {
		t.Errorf("rtable defaults = (%d, %d), want (%d, %d)", cfg.Rtable, cfg.ListenRtable, DefaultRtable, DefaultRtable)
	}
	if len(cfg.Policy) != 1 || !cfg.Policy[0].Accept || cfg.Policy[0].Prefix.Len != 0 {
		t.Errorf("default policy = %+v, want single ACCEPT 0.0.0.0/0", cfg.Policy)
	}
}

func TestParsePolicyOrderPreserved(t *testing.T) {
	cfg, err := Parse("meshrouted", []string{
		"-I", "0.0.0.0/0",
		"-A", "44.0.0.0/8",
		"198.51.100.1", "44.0.0.1",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Policy) != 2 {
		t.Fatalf("Policy = %+v, want 2 entries", cfg.Policy)
	}
	if cfg.Policy[0].Accept || cfg.Policy[1].Prefix.Len != 8 {
		t.Errorf("Policy order/content wrong: %+v", cfg.Policy)
	}
}

func TestParseIOnlyStillGetsImplicitAcceptDefault(t *testing.T) {
	cfg, err := Parse("meshrouted", []string{
		"-I", "10.0.0.0/8",
		"198.51.100.1", "44.0.0.1",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Policy) != 2 {
		t.Fatalf("Policy = %+v, want 2 entries (the -I plus the implicit ACCEPT default)", cfg.Policy)
	}
	if cfg.Policy[0].Accept || cfg.Policy[0].Prefix.Len != 8 {
		t.Errorf("Policy[0] = %+v, want the explicit IGNORE 10.0.0.0/8", cfg.Policy[0])
	}
	last := cfg.Policy[len(cfg.Policy)-1]
	if !last.Accept || last.Prefix.Len != 0 {
		t.Errorf("Policy[last] = %+v, want implicit ACCEPT 0.0.0.0/0", last)
	}
}

func TestParseRejectsBadCIDR(t *testing.T) {
	if _, err := Parse("meshrouted", []string{"-A", "not-a-cidr", "198.51.100.1", "44.0.0.1"}); err == nil {
		t.Fatalf("expected error for malformed -A value")
	}
}

func TestParseRequiresTwoPositionalArgs(t *testing.T) {
	if _, err := Parse("meshrouted", []string{"198.51.100.1"}); err == nil {
		t.Fatalf("expected error for missing local-inner-ip")
	}
}

func TestParseStaticIfnumsRepeatable(t *testing.T) {
	cfg, err := Parse("meshrouted", []string{"-s", "0", "-s", "2", "198.51.100.1", "44.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.StaticIfnums) != 2 || cfg.StaticIfnums[0] != 0 || cfg.StaticIfnums[1] != 2 {
		t.Errorf("StaticIfnums = %v, want [0 2]", cfg.StaticIfnums)
	}
}
