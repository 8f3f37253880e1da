package radix

import (
	"testing"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
)

func pfx(t *testing.T, s string, length uint8) meshnet.Prefix {
	t.Helper()
	a, err := meshnet.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return meshnet.NewPrefix(a, length)
}

func TestInsertThenFind(t *testing.T) {
	m := New()
	p := pfx(t, "44.10.0.0", 16)

	if v := m.Insert(p, "v"); v != "v" {
		t.Fatalf("Insert returned %v, want v", v)
	}
	got, ok := m.Find(p)
	if !ok || got != "v" {
		t.Fatalf("Find = (%v, %v), want (v, true)", got, ok)
	}
}

func TestSecondInsertReturnsExisting(t *testing.T) {
	m := New()
	p := pfx(t, "44.10.0.0", 16)

	m.Insert(p, "first")
	got := m.Insert(p, "second")
	if got != "first" {
		t.Fatalf("second Insert returned %v, want first", got)
	}
	found, ok := m.Find(p)
	if !ok || found != "first" {
		t.Fatalf("Find after duplicate insert = (%v, %v), want (first, true)", found, ok)
	}
}

func TestFindIsExactLengthOnly(t *testing.T) {
	m := New()
	m.Insert(pfx(t, "44.10.0.0", 16), "net16")

	if _, ok := m.Find(pfx(t, "44.10.0.0", 24)); ok {
		t.Errorf("Find at a different length than inserted should miss")
	}
	if _, ok := m.Find(pfx(t, "44.11.0.0", 16)); ok {
		t.Errorf("Find at a different address should miss")
	}
}

func TestNearestLongestPrefixMatch(t *testing.T) {
	m := New()
	m.Insert(pfx(t, "0.0.0.0", 0), "default")
	m.Insert(pfx(t, "44.0.0.0", 8), "eight")
	m.Insert(pfx(t, "44.10.0.0", 16), "sixteen")

	addr, _ := meshnet.ParseAddr("44.10.5.1")
	v, ok := m.Nearest(addr, 32)
	if !ok || v != "sixteen" {
		t.Fatalf("Nearest(44.10.5.1) = (%v, %v), want (sixteen, true)", v, ok)
	}

	addr2, _ := meshnet.ParseAddr("44.20.0.1")
	v2, ok2 := m.Nearest(addr2, 32)
	if !ok2 || v2 != "eight" {
		t.Fatalf("Nearest(44.20.0.1) = (%v, %v), want (eight, true)", v2, ok2)
	}

	addr3, _ := meshnet.ParseAddr("8.8.8.8")
	v3, ok3 := m.Nearest(addr3, 32)
	if !ok3 || v3 != "default" {
		t.Fatalf("Nearest(8.8.8.8) = (%v, %v), want (default, true)", v3, ok3)
	}
}

func TestNearestNoMatch(t *testing.T) {
	m := New()
	m.Insert(pfx(t, "44.0.0.0", 8), "eight")

	addr, _ := meshnet.ParseAddr("10.0.0.1")
	if _, ok := m.Nearest(addr, 32); ok {
		t.Errorf("Nearest should report no match when nothing covers the address")
	}
}

func TestRemoveIsInverseOfInsert(t *testing.T) {
	m := New()
	p := pfx(t, "44.10.0.0", 16)
	m.Insert(p, "v")

	removed, ok := m.Remove(p)
	if !ok || removed != "v" {
		t.Fatalf("Remove = (%v, %v), want (v, true)", removed, ok)
	}
	if _, ok := m.Find(p); ok {
		t.Errorf("Find after Remove should miss")
	}
	// A structural split node may remain; re-inserting the same prefix must
	// still work cleanly.
	if got := m.Insert(p, "w"); got != "w" {
		t.Fatalf("re-insert after remove returned %v, want w", got)
	}
}

func TestRemoveUnknownPrefix(t *testing.T) {
	m := New()
	if _, ok := m.Remove(pfx(t, "1.2.3.0", 24)); ok {
		t.Errorf("Remove of an absent prefix should report false")
	}
}

func TestTwoKeysSameBitsDifferentLength(t *testing.T) {
	m := New()
	host := pfx(t, "44.10.0.0", 32)
	net16 := pfx(t, "44.10.0.0", 16)

	m.Insert(host, "host")
	m.Insert(net16, "net")

	hv, ok := m.Find(host)
	if !ok || hv != "host" {
		t.Fatalf("Find(host) = (%v, %v), want (host, true)", hv, ok)
	}
	nv, ok := m.Find(net16)
	if !ok || nv != "net" {
		t.Fatalf("Find(net) = (%v, %v), want (net, true)", nv, ok)
	}
}

func TestDoTopDownVisitsCoveringBeforeCovered(t *testing.T) {
	m := New()
	m.Insert(pfx(t, "44.0.0.0", 8), "cover8")
	m.Insert(pfx(t, "44.10.0.0", 16), "cover16")
	m.Insert(pfx(t, "44.10.5.0", 24), "leaf24")

	var order []string
	m.DoTopDown(func(p meshnet.Prefix, v any) Signal {
		order = append(order, v.(string))
		return Continue
	})

	pos := map[string]int{}
	for i, v := range order {
		pos[v] = i
	}
	if !(pos["cover8"] < pos["cover16"] && pos["cover16"] < pos["leaf24"]) {
		t.Errorf("DoTopDown order %v did not visit covering prefixes first", order)
	}
}

func TestDoVisitsAllValues(t *testing.T) {
	m := New()
	want := map[string]bool{"a": true, "b": true, "c": true}
	m.Insert(pfx(t, "1.0.0.0", 8), "a")
	m.Insert(pfx(t, "2.0.0.0", 8), "b")
	m.Insert(pfx(t, "1.2.0.0", 16), "c")

	got := map[string]bool{}
	m.Do(func(p meshnet.Prefix, v any) Signal {
		got[v.(string)] = true
		return Continue
	})
	if len(got) != len(want) {
		t.Fatalf("Do visited %v, want %v", got, want)
	}
}

func TestDoTopDownStopsEarly(t *testing.T) {
	m := New()
	m.Insert(pfx(t, "1.0.0.0", 8), "a")
	m.Insert(pfx(t, "2.0.0.0", 8), "b")

	count := 0
	m.DoTopDown(func(p meshnet.Prefix, v any) Signal {
		count++
		return Stop
	})
	if count != 1 {
		t.Errorf("DoTopDown should stop after the first Stop signal, visited %d", count)
	}
}

func TestZeroLengthCatchAll(t *testing.T) {
	m := New()
	p := pfx(t, "0.0.0.0", 0)
	m.Insert(p, "any")

	v, ok := m.Find(p)
	if !ok || v != "any" {
		t.Fatalf("Find(/0) = (%v, %v), want (any, true)", v, ok)
	}
	addr, _ := meshnet.ParseAddr("255.255.255.255")
	nv, ok := m.Nearest(addr, 32)
	if !ok || nv != "any" {
		t.Fatalf("Nearest should fall back to the /0 catch-all, got (%v, %v)", nv, ok)
	}
}
