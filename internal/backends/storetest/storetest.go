// Package storetest holds the behaviour every ports.AllocationStore has to
// show, run against each backend from that backend's own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
	"github.com/stretchr/testify/suite"
)

const (
	PortStart = 8000
	PortEnd   = 8010
)

var errBody = errors.New("body failed")

type StoreTestSuite struct {
	suite.Suite

	// Open returns the store under test. It is called once per suite.
	Open  func() (ports.AllocationStore, error)
	Store ports.AllocationStore
}

func (s *StoreTestSuite) SetupSuite() {
	st, err := s.Open()
	s.Require().NoError(err)
	s.Store = st
}

func (s *StoreTestSuite) TearDownSuite() {
	if s.Store != nil {
		s.NoError(s.Store.Close())
	}
}

func (s *StoreTestSuite) SetupTest() {
	s.Require().NoError(s.Store.ClearAll(context.Background()))
}

// allocate claims the smallest free port and the address derived from it.
func (s *StoreTestSuite) allocate(ctx context.Context) (types.EnrollmentRecord, error) {
	return s.Store.Allocate(ctx, func(ctx context.Context, tx ports.AllocationTx) (types.EnrollmentRecord, error) {
		port, err := tx.NextFreePort(ctx, PortStart, PortEnd)
		if err != nil {
			return types.EnrollmentRecord{}, err
		}
		addr := fmt.Sprintf("fd00::%x", port)
		taken, err := tx.IsAddressTaken(ctx, addr)
		if err != nil {
			return types.EnrollmentRecord{}, err
		}
		if taken {
			return types.EnrollmentRecord{}, types.ErrConflict
		}
		return tx.Insert(ctx, record(port, addr))
	})
}

func (s *StoreTestSuite) insert(port int, addr, uid string) (types.EnrollmentRecord, error) {
	return s.Store.Allocate(context.Background(), func(ctx context.Context, tx ports.AllocationTx) (types.EnrollmentRecord, error) {
		r := record(port, addr)
		r.UniqueID = uid
		return tx.Insert(ctx, r)
	})
}

func record(port int, addr string) types.EnrollmentRecord {
	return types.EnrollmentRecord{
		DeviceName: "sensor",
		Address:    addr,
		Port:       port,
		Location:   "lab",
		Function:   "temp",
		UniqueID:   uuid.NewString(),
	}
}

func (s *StoreTestSuite) TestEmptyStore() {
	ctx := context.Background()
	recs, err := s.Store.List(ctx)
	s.NoError(err)
	s.Empty(recs)

	_, err = s.Store.Get(ctx, uuid.NewString())
	s.ErrorIs(err, types.ErrNotFound)
	s.ErrorIs(s.Store.Delete(ctx, uuid.NewString()), types.ErrNotFound)
}

func (s *StoreTestSuite) TestSequentialAllocation() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r, err := s.allocate(ctx)
		s.Require().NoError(err)
		s.Equal(PortStart+i, r.Port)
		s.Positive(r.ID)
		s.False(r.CreatedAt.IsZero())
	}

	recs, err := s.Store.List(ctx)
	s.NoError(err)
	s.Require().Len(recs, 3)
	for i := 1; i < len(recs); i++ {
		s.Less(recs[i-1].ID, recs[i].ID)
	}

	got, err := s.Store.Get(ctx, recs[1].UniqueID)
	s.NoError(err)
	s.Equal(recs[1].Port, got.Port)
	s.Equal(recs[1].Address, got.Address)
	s.Equal(recs[1].DeviceName, got.DeviceName)
}

func (s *StoreTestSuite) TestSmallestFreePortFillsGaps() {
	ctx := context.Background()
	var recs []types.EnrollmentRecord
	for i := 0; i < 3; i++ {
		r, err := s.allocate(ctx)
		s.Require().NoError(err)
		recs = append(recs, r)
	}
	s.Require().NoError(s.Store.Delete(ctx, recs[1].UniqueID))

	r, err := s.allocate(ctx)
	s.NoError(err)
	s.Equal(PortStart+1, r.Port)

	r, err = s.allocate(ctx)
	s.NoError(err)
	s.Equal(PortStart+3, r.Port)
}

func (s *StoreTestSuite) TestPortRangeExhausted() {
	ctx := context.Background()
	for i := PortStart; i < PortEnd; i++ {
		_, err := s.allocate(ctx)
		s.Require().NoError(err)
	}
	_, err := s.allocate(ctx)
	s.ErrorIs(err, types.ErrPortRangeExhausted)

	recs, err := s.Store.List(ctx)
	s.NoError(err)
	s.Len(recs, PortEnd-PortStart)
}

func (s *StoreTestSuite) TestInsertConflicts() {
	first, err := s.insert(PortStart, "fd00::1", uuid.NewString())
	s.Require().NoError(err)

	_, err = s.insert(PortStart, "fd00::2", uuid.NewString())
	s.ErrorIs(err, types.ErrConflict, "same port")
	_, err = s.insert(PortStart+1, "fd00::1", uuid.NewString())
	s.ErrorIs(err, types.ErrConflict, "same address")
	_, err = s.insert(PortStart+1, "fd00::2", first.UniqueID)
	s.ErrorIs(err, types.ErrConflict, "same unique id")

	recs, err := s.Store.List(context.Background())
	s.NoError(err)
	s.Len(recs, 1)
}

func (s *StoreTestSuite) TestRollbackOnBodyError() {
	ctx := context.Background()
	_, err := s.Store.Allocate(ctx, func(ctx context.Context, tx ports.AllocationTx) (types.EnrollmentRecord, error) {
		if _, err := tx.Insert(ctx, record(PortStart, "fd00::1")); err != nil {
			return types.EnrollmentRecord{}, err
		}
		return types.EnrollmentRecord{}, errBody
	})
	s.ErrorIs(err, errBody)

	recs, err := s.Store.List(ctx)
	s.NoError(err)
	s.Empty(recs)

	r, err := s.allocate(ctx)
	s.NoError(err)
	s.Equal(PortStart, r.Port)
}

func (s *StoreTestSuite) TestCanceledContextCommitsNothing() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.allocate(ctx)
	s.Error(err)

	recs, err := s.Store.List(context.Background())
	s.NoError(err)
	s.Empty(recs)
}

func (s *StoreTestSuite) TestCancelInsideBodyCommitsNothing() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Store.Allocate(ctx, func(ctx context.Context, tx ports.AllocationTx) (types.EnrollmentRecord, error) {
		r, err := tx.Insert(ctx, record(PortStart, "fd00::1"))
		cancel()
		return r, err
	})
	s.ErrorIs(err, context.Canceled)

	recs, err := s.Store.List(context.Background())
	s.NoError(err)
	s.Empty(recs)
}

func (s *StoreTestSuite) TestIDsAreNeverReused() {
	ctx := context.Background()
	a, err := s.allocate(ctx)
	s.Require().NoError(err)
	b, err := s.allocate(ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.Store.Delete(ctx, b.UniqueID))

	c, err := s.allocate(ctx)
	s.Require().NoError(err)
	s.Equal(b.Port, c.Port)
	s.Greater(c.ID, b.ID)
	s.Greater(c.ID, a.ID)
}

func (s *StoreTestSuite) TestDeleteFreesPortAndAddress() {
	ctx := context.Background()
	a, err := s.insert(PortStart, "fd00::1", uuid.NewString())
	s.Require().NoError(err)
	s.Require().NoError(s.Store.Delete(ctx, a.UniqueID))

	_, err = s.Store.Get(ctx, a.UniqueID)
	s.ErrorIs(err, types.ErrNotFound)

	_, err = s.insert(PortStart, "fd00::1", uuid.NewString())
	s.NoError(err)
}

func (s *StoreTestSuite) TestConcurrentAllocationsAreDistinct() {
	const workers = PortEnd - PortStart
	var wg sync.WaitGroup
	results := make(chan types.EnrollmentRecord, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.allocate(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- r
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		s.NoError(err)
	}
	seenPorts := map[int]bool{}
	seenAddrs := map[string]bool{}
	seenIDs := map[int64]bool{}
	for r := range results {
		s.False(seenPorts[r.Port], "port %d issued twice", r.Port)
		s.False(seenAddrs[r.Address], "address %s issued twice", r.Address)
		s.False(seenIDs[r.ID], "id %d issued twice", r.ID)
		seenPorts[r.Port] = true
		seenAddrs[r.Address] = true
		seenIDs[r.ID] = true
	}
	s.Len(seenPorts, workers)

	_, err := s.allocate(context.Background())
	s.ErrorIs(err, types.ErrPortRangeExhausted)
}
