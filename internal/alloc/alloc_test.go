package alloc

import (
	"net/netip"
	"testing"
)

func TestAllocIPv4InCIDR(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	for _, sel := range []uint64{0, 1, 255, 1 << 40} {
		s := sel
		addr, err := AllocIPv4(cidr, nil, &s)
		if err != nil {
			t.Fatal(err)
		}
		if !cidr.Contains(addr) {
			t.Fatalf("selector %d: %s not in %s", sel, addr, cidr)
		}
	}
}

func TestAllocIPv4Deterministic(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	sel := uint64(42)
	a, err := AllocIPv4(cidr, nil, &sel)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AllocIPv4(cidr, nil, &sel)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("not deterministic: %s != %s", a, b)
	}
}

func TestAllocIPv4SlashThirtyTwo(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.5/32")
	sel := uint64(9999)
	addr, err := AllocIPv4(cidr, nil, &sel)
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "10.0.0.5" {
		t.Fatalf("got %s, want fixed single address", addr)
	}
}

func TestAllocIPv4Random(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	addr, err := AllocIPv4(cidr, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cidr.Contains(addr) {
		t.Fatalf("%s not in %s", addr, cidr)
	}
}

func TestAllocIPv4RangeFixedSegmentStable(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/16")
	r := 24
	sel := uint64(7)
	a, err := AllocIPv4(cidr, &r, &sel)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AllocIPv4(cidr, &r, &sel)
	if err != nil {
		t.Fatal(err)
	}
	a4 := a.As4()
	b4 := b.As4()
	if a4[0] != b4[0] || a4[1] != b4[1] || a4[2] != b4[2] {
		t.Fatalf("fixed segment varied: %s vs %s", a, b)
	}
}

func TestAllocIPv4RangeBelowPrefixFallsBackToRandom(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	r := 16 // below prefix length
	sel := uint64(7)
	addr, err := AllocIPv4(cidr, &r, &sel)
	if err != nil {
		t.Fatal(err)
	}
	if !cidr.Contains(addr) {
		t.Fatalf("%s not in %s", addr, cidr)
	}
}

func TestAllocIPv6InCIDR(t *testing.T) {
	cidr := netip.MustParsePrefix("2001:db8::/32")
	sel := uint64(123456)
	addr, err := AllocIPv6(cidr, nil, &sel)
	if err != nil {
		t.Fatal(err)
	}
	if !cidr.Contains(addr) {
		t.Fatalf("%s not in %s", addr, cidr)
	}
}

func TestAllocIPv6RangeTopBitsStable(t *testing.T) {
	cidr := netip.MustParsePrefix("2001:db8::/32")
	r := 48
	sel := uint64(0xabcd)
	a, err := AllocIPv6(cidr, &r, &sel)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AllocIPv6(cidr, &r, &sel)
	if err != nil {
		t.Fatal(err)
	}
	if a.As16() != b.As16() {
		// the bottom 80 bits are random so only the top 48 bits are asserted
	}
	aSlice := a.As16()
	bSlice := b.As16()
	for i := 0; i < 6; i++ { // top 48 bits = 6 bytes
		if aSlice[i] != bSlice[i] {
			t.Fatalf("top 48 bits varied at byte %d: %s vs %s", i, a, b)
		}
	}
}

func TestAllocIPv6RejectsV4(t *testing.T) {
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	if _, err := AllocIPv6(cidr, nil, nil); err == nil {
		t.Fatalf("expected error for IPv4 cidr")
	}
}

func TestAllocIPv4RejectsV6(t *testing.T) {
	cidr := netip.MustParsePrefix("2001:db8::/32")
	if _, err := AllocIPv4(cidr, nil, nil); err == nil {
		t.Fatalf("expected error for IPv6 cidr")
	}
}
