package enroll

import (
	"math/big"
	"net/netip"
	"time"

	"github.com/josephsvk/DRTA/internal/types"
)

var one = big.NewInt(1)

// addressSpace hands out host suffixes inside a prefix. Suffix 0 is the
// subnet-router anycast address and is never issued.
type addressSpace struct {
	network netip.Prefix
	size    *big.Int // 2^hostBits
	probes  uint64
}

func newAddressSpace(network netip.Prefix, maxProbes int) addressSpace {
	hostBits := network.Addr().BitLen() - network.Bits()
	size := new(big.Int).Lsh(one, uint(hostBits))

	probes := uint64(maxProbes)
	usable := new(big.Int).Sub(size, one)
	if usable.IsUint64() && usable.Uint64() < probes {
		probes = usable.Uint64()
	}
	return addressSpace{network: network, size: size, probes: probes}
}

// first returns the suffix of the first candidate address.
// The time scheme uses the Unix milliseconds of now; the sequential scheme
// follows the port offset inside the range, so the first port maps to suffix 1.
func (a addressSpace) first(scheme string, now time.Time, portOffset int) *big.Int {
	var s *big.Int
	switch scheme {
	case types.AddressSchemeSequential:
		s = big.NewInt(int64(portOffset) + 1)
	default:
		s = big.NewInt(now.UnixMilli())
	}
	s.Mod(s, a.size)
	if s.Sign() == 0 {
		s.Set(one)
	}
	return s
}

func (a addressSpace) next(s *big.Int) *big.Int {
	n := new(big.Int).Add(s, one)
	n.Mod(n, a.size)
	if n.Sign() == 0 {
		n.Set(one)
	}
	return n
}

func (a addressSpace) at(suffix *big.Int) netip.Addr {
	b := a.network.Addr().AsSlice()
	s := suffix.FillBytes(make([]byte, len(b)))
	for i := range b {
		b[i] |= s[i]
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}
