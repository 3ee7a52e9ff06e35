// Package alloc turns a CIDR block plus an optional selector into a concrete
// address inside that block. It never produces an address outside the given
// CIDR. Without a sub-range, two calls with the same CIDR and selector yield
// the same address; with a sub-range only the fixed high segment repeats, and
// with no selector every host bit is random.
package alloc

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand/v2"
	"net/netip"
)

// AllocIPv4 computes a source address inside cidr (which must be an IPv4
// prefix).
//
//   - selector == nil: every host bit is randomized.
//   - selector != nil, subRangeLen == nil: the host bits are
//     selector mod (2^hostBits - 1), preserving the original allocator's bias
//     of excluding the last address of the block.
//   - selector != nil, subRangeLen != nil: the top subRangeLen-prefixLen host
//     bits are taken from the low bits of selector (a fixed segment shared by
//     every call with the same selector); the remaining low bits are random.
//     If subRangeLen < prefixLen, this falls back to full randomization.
func AllocIPv4(cidr netip.Prefix, subRangeLen *int, selector *uint64) (netip.Addr, error) {
	if !cidr.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("alloc: cidr is not IPv4: %s", cidr)
	}
	p := cidr.Bits()
	baseBytes := cidr.Masked().Addr().As4()
	base := binary.BigEndian.Uint32(baseBytes[:])
	hostBits := 32 - p
	if hostBits <= 0 {
		return cidr.Masked().Addr(), nil
	}

	switch {
	case subRangeLen != nil && selector != nil:
		r := *subRangeLen
		if r < p {
			return addr4(base | randomHost32(hostBits)), nil
		}
		if r > 32 {
			r = 32
		}
		fixedBits := r - p
		randomBits := 32 - r
		fixed := (uint32(*selector) & maskLow32(fixedBits)) << uint(randomBits)
		return addr4(base | fixed | randomHost32(randomBits)), nil

	case selector != nil:
		capacity := uint64(1)<<uint(hostBits) - 1
		var host uint64
		if capacity > 0 {
			host = *selector % capacity
		}
		return addr4(base | uint32(host)), nil

	default:
		return addr4(base | randomHost32(hostBits)), nil
	}
}

// AllocIPv6 is the 128-bit equivalent of AllocIPv4. A 64-bit selector is
// zero-extended before masking.
func AllocIPv6(cidr netip.Prefix, subRangeLen *int, selector *uint64) (netip.Addr, error) {
	if !cidr.Addr().Is6() || cidr.Addr().Is4In6() {
		return netip.Addr{}, fmt.Errorf("alloc: cidr is not IPv6: %s", cidr)
	}
	p := cidr.Bits()
	baseBytes := cidr.Masked().Addr().As16()
	base := new(big.Int).SetBytes(baseBytes[:])
	hostBits := 128 - p
	if hostBits <= 0 {
		return cidr.Masked().Addr(), nil
	}

	switch {
	case subRangeLen != nil && selector != nil:
		r := *subRangeLen
		if r < p {
			return addr16(new(big.Int).Or(base, randomHostBig(hostBits)))
		}
		if r > 128 {
			r = 128
		}
		fixedBits := r - p
		randomBits := 128 - r
		fixedMask := lowMaskBig(fixedBits)
		fixed := new(big.Int).And(new(big.Int).SetUint64(*selector), fixedMask)
		fixed.Lsh(fixed, uint(randomBits))
		result := new(big.Int).Or(base, fixed)
		result.Or(result, randomHostBig(randomBits))
		return addr16(result)

	case selector != nil:
		capacity := lowMaskBig(hostBits) // 2^hostBits - 1
		var host *big.Int
		if capacity.Sign() == 0 {
			host = big.NewInt(0)
		} else {
			host = new(big.Int).Mod(new(big.Int).SetUint64(*selector), capacity)
		}
		return addr16(new(big.Int).Or(base, host))

	default:
		return addr16(new(big.Int).Or(base, randomHostBig(hostBits)))
	}
}

func maskLow32(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<uint(n) - 1
}

func randomHost32(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return rand.Uint32() & maskLow32(bits)
}

func addr4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func lowMaskBig(bits int) *big.Int {
	if bits <= 0 {
		return big.NewInt(0)
	}
	m := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return m.Sub(m, big.NewInt(1))
}

func randomHostBig(bits int) *big.Int {
	if bits <= 0 {
		return big.NewInt(0)
	}
	var buf [16]byte
	for i := 0; i < 16; i += 8 {
		binary.BigEndian.PutUint64(buf[i:i+8], rand.Uint64())
	}
	v := new(big.Int).SetBytes(buf[:])
	return v.And(v, lowMaskBig(bits))
}

func addr16(v *big.Int) (netip.Addr, error) {
	var b [16]byte
	bs := v.Bytes()
	if len(bs) > 16 {
		return netip.Addr{}, fmt.Errorf("alloc: computed address overflows 128 bits")
	}
	copy(b[16-len(bs):], bs)
	return netip.AddrFrom16(b), nil
}
