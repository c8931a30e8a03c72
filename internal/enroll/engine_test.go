package enroll

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/josephsvk/DRTA/internal/types"
)

func (s *UnitTestSuite) TestPortsAreIssuedInOrderUntilExhausted() {
	e := s.engine(s.store)
	ctx := context.Background()

	for _, want := range []int{8000, 8001, 8002} {
		rec, err := e.Enroll(ctx, descriptor("fd00::/48"))
		s.Require().NoError(err)
		s.Equal(want, rec.Port)
	}

	_, err := e.Enroll(ctx, descriptor("fd00::/48"))
	s.ErrorIs(err, types.ErrPortRangeExhausted)
	s.Equal(types.ReasonPortRangeExhausted, types.ReasonOf(err))

	var rej *types.Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(http.StatusServiceUnavailable, rej.Status())
	s.Len(s.records(), 3)
}

func (s *UnitTestSuite) TestRecordFields() {
	e := s.engine(s.store)
	rec, err := e.Enroll(context.Background(), types.Descriptor{
		DeviceName: "  sensor-1 ",
		IPv6Prefix: "fd00::/48",
		Location:   "greenhouse ",
		Function:   " humidity",
	})
	s.Require().NoError(err)

	s.Equal("sensor-1", rec.DeviceName)
	s.Equal("greenhouse", rec.Location)
	s.Equal("humidity", rec.Function)
	s.Positive(rec.ID)

	_, err = uuid.Parse(rec.UniqueID)
	s.NoError(err)

	addr, err := netip.ParseAddr(rec.Address)
	s.Require().NoError(err)
	s.True(netip.MustParsePrefix("fd00::/48").Contains(addr))
	s.Equal(addr.String(), rec.Address, "address is canonical")

	stored, err := s.store.Get(context.Background(), rec.UniqueID)
	s.NoError(err)
	s.Equal(rec.Port, stored.Port)
	s.Equal(rec.Address, stored.Address)
}

func (s *UnitTestSuite) TestPrefixMismatchWritesNothing() {
	e := s.engine(s.store)
	for i := 0; i < 2; i++ {
		_, err := e.Enroll(context.Background(), descriptor("fd01::/48"))
		s.ErrorIs(err, types.ErrPrefixMismatch)
		s.Equal(types.ReasonPrefixMismatch, types.ReasonOf(err))
	}
	s.Empty(s.records())

	rec, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.NoError(err)
	s.Equal(8000, rec.Port)
}

func (s *UnitTestSuite) TestPrefixMatching() {
	e := s.engine(s.store)
	for _, p := range []string{"fd00::/48", " FD00::/48 ", "fd00:0::/48", "FD00:0:0::/48"} {
		s.True(e.PrefixMatches(p), p)
	}
	for _, p := range []string{"fd01::/48", "fd00::/64", "fd00::", "", "garbage"} {
		s.False(e.PrefixMatches(p), p)
	}
}

func (s *UnitTestSuite) TestMalformedDescriptor() {
	e := s.engine(s.store)
	for name, d := range map[string]types.Descriptor{
		"no device name": {IPv6Prefix: "fd00::/48", Location: "a", Function: "b"},
		"blank location": {DeviceName: "x", IPv6Prefix: "fd00::/48", Location: "   ", Function: "b"},
		"no function":    {DeviceName: "x", IPv6Prefix: "fd00::/48", Location: "a"},
		"no prefix":      {DeviceName: "x", Location: "a", Function: "b"},
	} {
		_, err := e.Enroll(context.Background(), d)
		s.ErrorIs(err, types.ErrMalformedInput, name)
		s.Equal(http.StatusBadRequest, types.ReasonOf(err).Status(), name)
	}
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestSequentialAddresses() {
	e := s.engine(s.store)
	for _, want := range []string{"fd00::1", "fd00::2", "fd00::3"} {
		rec, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
		s.Require().NoError(err)
		s.Equal(want, rec.Address)
	}
}

func (s *UnitTestSuite) TestTimeAddressesProbeOnCollision() {
	s.cfg.AddressScheme = types.AddressSchemeTime
	fixed := time.UnixMilli(0x1234)
	e := s.engine(s.store, WithClock(func() time.Time { return fixed }))

	a, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.Require().NoError(err)
	s.Equal("fd00::1234", a.Address)

	b, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.Require().NoError(err)
	s.Equal("fd00::1235", b.Address)
}

func (s *UnitTestSuite) TestAddressSpaceExhausted() {
	s.cfg.Prefix = "fd00::/126"
	s.cfg.PortRangeEnd = 8010
	e := s.engine(s.store)

	for i := 0; i < 3; i++ {
		_, err := e.Enroll(context.Background(), descriptor("fd00::/126"))
		s.Require().NoError(err)
	}
	_, err := e.Enroll(context.Background(), descriptor("fd00::/126"))
	s.ErrorIs(err, types.ErrAddressSpaceExhausted)
	s.Equal(types.ReasonAddressSpaceExhausted, types.ReasonOf(err))
	s.Len(s.records(), 3)
}

func (s *UnitTestSuite) TestStoreFailureBeforeCommitLeavesPortFree() {
	failing := s.engine(&failingStore{AllocationStore: s.store, insertErr: types.ErrStoreUnavailable})
	_, err := failing.Enroll(context.Background(), descriptor("fd00::/48"))
	s.Equal(types.ReasonStoreUnavailable, types.ReasonOf(err))
	s.Equal(http.StatusServiceUnavailable, types.ReasonOf(err).Status())
	s.Empty(s.records())

	rec, err := s.engine(s.store).Enroll(context.Background(), descriptor("fd00::/48"))
	s.NoError(err)
	s.Equal(8000, rec.Port)
}

func (s *UnitTestSuite) TestConflictIsNotRetried() {
	e := s.engine(&failingStore{AllocationStore: s.store, insertErr: types.ErrConflict})
	_, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.ErrorIs(err, types.ErrConflict)
	s.Equal(types.ReasonAllocationConflict, types.ReasonOf(err))
	s.Equal(http.StatusConflict, types.ReasonOf(err).Status())
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestCancelledContextIsTimeout() {
	e := s.engine(s.store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Enroll(ctx, descriptor("fd00::/48"))
	s.ErrorIs(err, types.ErrTimeout)
	s.Equal(http.StatusGatewayTimeout, types.ReasonOf(err).Status())
	s.Empty(s.records())
}

func (s *UnitTestSuite) TestConcurrentEnrollmentsWithEnoughPorts() {
	s.cfg.PortRangeEnd = 8050
	s.cfg.AddressScheme = types.AddressSchemeTime
	e := s.engine(s.store)

	results, errs := s.enrollConcurrently(e, 20)
	s.Empty(errs)
	s.Len(results, 20)
	s.assertDistinct(results)
	for _, r := range results {
		s.GreaterOrEqual(r.Port, s.cfg.PortRangeStart)
		s.Less(r.Port, s.cfg.PortRangeEnd)
	}
}

func (s *UnitTestSuite) TestConcurrentEnrollmentsWithTooFewPorts() {
	s.cfg.PortRangeEnd = 8005
	e := s.engine(s.store)

	results, errs := s.enrollConcurrently(e, 20)
	s.Len(results, 5)
	s.Len(errs, 15)
	for _, err := range errs {
		s.Equal(types.ReasonPortRangeExhausted, types.ReasonOf(err))
	}
	s.assertDistinct(results)
	s.Len(s.records(), 5)
}

func (s *UnitTestSuite) enrollConcurrently(e *Engine, n int) ([]types.EnrollmentRecord, []error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []types.EnrollmentRecord
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, rec)
		}()
	}
	wg.Wait()
	return results, errs
}

func (s *UnitTestSuite) assertDistinct(recs []types.EnrollmentRecord) {
	ports := map[int]bool{}
	addrs := map[string]bool{}
	uids := map[string]bool{}
	for _, r := range recs {
		s.False(ports[r.Port], "port %d issued twice", r.Port)
		s.False(addrs[r.Address], "address %s issued twice", r.Address)
		s.False(uids[r.UniqueID], "unique id %s issued twice", r.UniqueID)
		ports[r.Port] = true
		addrs[r.Address] = true
		uids[r.UniqueID] = true
	}
}

func (s *UnitTestSuite) TestPublishesCreatedEvent() {
	s.cfg.EnrollTopicArn = "arn:aws:sns:us-east-1:000000000000:drta-enrollments"
	p := &TestPublish{}
	e := s.engine(s.store, WithPublisher(p))

	rec, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.Require().NoError(err)
	s.Require().Len(p.payloads, 1)
	s.Equal(s.cfg.EnrollTopicArn, p.topics[0])

	var ev Event
	s.NoError(json.Unmarshal(p.payloads[0], &ev))
	s.Equal(EventEnrollmentCreated, ev.Type)
	s.Equal(rec.UniqueID, ev.Record.UniqueID)
	s.Equal(rec.Port, ev.Record.Port)
}

func (s *UnitTestSuite) TestPublishFailureKeepsEnrollment() {
	s.cfg.EnrollTopicArn = "arn:aws:sns:us-east-1:000000000000:drta-enrollments"
	p := &TestPublish{err: errors.New("sns down")}
	e := s.engine(s.store, WithPublisher(p))

	_, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.NoError(err)
	s.Len(s.records(), 1)
}

func (s *UnitTestSuite) TestNoTopicNoPublish() {
	p := &TestPublish{}
	e := s.engine(s.store, WithPublisher(p))
	_, err := e.Enroll(context.Background(), descriptor("fd00::/48"))
	s.NoError(err)
	s.Empty(p.payloads)
}

func (s *UnitTestSuite) TestInvalidConfigIsRejected() {
	s.cfg.PortRangeEnd = s.cfg.PortRangeStart
	_, err := New(s.cfg, s.store)
	s.ErrorIs(err, types.ErrInvalidConfig)
}
