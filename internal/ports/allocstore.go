package ports

import (
	"context"

	"github.com/josephsvk/DRTA/internal/types"
)

// AllocateFunc is the body of one allocation transaction. Returning a non-nil
// error rolls the transaction back; nothing staged through tx becomes visible.
type AllocateFunc func(ctx context.Context, tx AllocationTx) (types.EnrollmentRecord, error)

// AllocationStore persists issued enrollment records.
// Implementations MUST run every Allocate call as if serialized with every
// other Allocate call: no two concurrent allocations may ever commit the same
// port, address or unique ID. Uniqueness MUST also be enforced at commit time,
// independently of the pre-check scans offered by AllocationTx.
type AllocationStore interface {
	// Allocate runs fn inside a single transaction and commits only if fn
	// returns nil. On cancellation of ctx the transaction is rolled back and
	// the context error is returned.
	Allocate(ctx context.Context, fn AllocateFunc) (types.EnrollmentRecord, error)

	// List returns all committed records ordered by ID.
	List(ctx context.Context) ([]types.EnrollmentRecord, error)

	// Get returns the record with the given unique ID.
	// MUST return types.ErrNotFound if no such record exists.
	Get(ctx context.Context, uniqueID string) (types.EnrollmentRecord, error)

	// Delete removes a record, freeing its port and address.
	// MUST return types.ErrNotFound if no such record exists.
	Delete(ctx context.Context, uniqueID string) error

	// ClearAll purges all records. Used in tests only.
	ClearAll(ctx context.Context) error

	Close() error
}

// AllocationTx is the view of the store inside one Allocate call. Reads see
// committed records plus nothing else: in-flight allocations of other callers
// are never visible.
type AllocationTx interface {
	// NextFreePort returns the smallest port in [start, end) not held by any
	// committed record. MUST return types.ErrPortRangeExhausted if none is free.
	NextFreePort(ctx context.Context, start, end int) (int, error)

	// IsAddressTaken reports whether a committed record holds address.
	IsAddressTaken(ctx context.Context, address string) (bool, error)

	// Insert stages rec for commit and returns it with its store-assigned ID.
	// MUST return types.ErrConflict if port, address or unique ID is already
	// held by another record. Callers insert at most once per transaction.
	Insert(ctx context.Context, rec types.EnrollmentRecord) (types.EnrollmentRecord, error)
}
