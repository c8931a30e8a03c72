package enroll

import (
	"math/big"
	"net/netip"
	"time"

	"github.com/josephsvk/DRTA/internal/types"
)

func (s *UnitTestSuite) TestAddressSpaceProbes() {
	s.Equal(uint64(4096), newAddressSpace(netip.MustParsePrefix("fd00::/48"), 4096).probes)
	s.Equal(uint64(3), newAddressSpace(netip.MustParsePrefix("fd00::/126"), 4096).probes)
	s.Equal(uint64(1), newAddressSpace(netip.MustParsePrefix("fd00::/127"), 4096).probes)
	s.Equal(uint64(0), newAddressSpace(netip.MustParsePrefix("fd00::1/128"), 4096).probes)
	s.Equal(uint64(255), newAddressSpace(netip.MustParsePrefix("10.1.2.0/24"), 4096).probes)
}

func (s *UnitTestSuite) TestAddressSpaceSkipsSubnetRouter() {
	a := newAddressSpace(netip.MustParsePrefix("fd00::/126"), 4096)

	s.Equal(int64(1), a.first(types.AddressSchemeTime, time.UnixMilli(8), 0).Int64())
	s.Equal(int64(1), a.first(types.AddressSchemeSequential, time.Time{}, 3).Int64())
	s.Equal(int64(1), a.next(big.NewInt(3)).Int64())
	s.Equal(int64(3), a.next(big.NewInt(2)).Int64())
}

func (s *UnitTestSuite) TestAddressSpaceAt() {
	a := newAddressSpace(netip.MustParsePrefix("fd00:ab::/32"), 4096)
	s.Equal("fd00:ab::1:0:0", a.at(big.NewInt(1<<32)).String())

	v4 := newAddressSpace(netip.MustParsePrefix("10.1.2.0/24"), 4096)
	s.Equal("10.1.2.7", v4.at(big.NewInt(7)).String())
}
