// Package enroll turns a device descriptor into a committed enrollment
// record: prefix check, then port, address and identifier allocation inside
// one store transaction.
package enroll

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
	log "github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type Engine struct {
	cfg     types.Config
	network netip.Prefix
	space   addressSpace
	store   ports.AllocationStore

	publisher ports.Publisher
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sends an enrollment.created event to cfg.EnrollTopicArn after
// every commit. Ignored when no topic is configured.
func WithPublisher(p ports.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func New(cfg types.Config, store ports.AllocationStore, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	network, err := cfg.Network()
	if err != nil {
		return nil, types.Err(types.ErrInvalidConfig, err, "")
	}
	e := &Engine{
		cfg:     cfg,
		network: network,
		space:   newAddressSpace(network, cfg.MaxAddressProbes),
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Enroll runs one enrollment. On success exactly one record has been
// committed; on failure the returned error is a *types.Rejection and nothing
// was written.
func (e *Engine) Enroll(ctx context.Context, d types.Descriptor) (types.EnrollmentRecord, error) {
	state := Received
	reject := func(err error) (types.EnrollmentRecord, error) {
		rej := e.classify(ctx, err)
		entry := log.WithFields(log.Fields{
			"reason": rej.Reason,
			"state":  state.String(),
			"device": d.DeviceName,
		})
		if rej.Cause != nil {
			entry = entry.WithError(rej.Cause)
		}
		entry.Info("enrollment rejected")
		return types.EnrollmentRecord{}, rej
	}

	log.WithFields(log.Fields{
		"deviceName": d.DeviceName,
		"ipv6Prefix": d.IPv6Prefix,
		"location":   d.Location,
		"function":   d.Function,
	}).Debug("enrollment received")

	if err := validate(d); err != nil {
		return reject(err)
	}
	if !e.PrefixMatches(d.IPv6Prefix) {
		return reject(types.Reject(types.ReasonPrefixMismatch, nil,
			"Invalid IPv6 prefix %q, this server serves %s", strings.TrimSpace(d.IPv6Prefix), e.network))
	}
	state = PrefixChecked

	rec, err := e.store.Allocate(ctx, func(ctx context.Context, tx ports.AllocationTx) (types.EnrollmentRecord, error) {
		port, err := tx.NextFreePort(ctx, e.cfg.PortRangeStart, e.cfg.PortRangeEnd)
		if err != nil {
			return types.EnrollmentRecord{}, err
		}
		state = PortAllocated
		log.WithField("port", port).Debug(state.String())

		addr, err := e.allocateAddress(ctx, tx, port)
		if err != nil {
			return types.EnrollmentRecord{}, err
		}
		state = AddressAllocated
		log.WithField("address", addr).Debug(state.String())

		uid := e.newID()
		state = IdentifierGenerated

		return tx.Insert(ctx, types.EnrollmentRecord{
			DeviceName: strings.TrimSpace(d.DeviceName),
			Address:    addr,
			Port:       port,
			Location:   strings.TrimSpace(d.Location),
			Function:   strings.TrimSpace(d.Function),
			UniqueID:   uid,
		})
	})
	if err != nil {
		return reject(err)
	}
	state = Committed

	log.WithFields(log.Fields{
		"uniqueId": rec.UniqueID,
		"port":     rec.Port,
		"address":  rec.Address,
		"id":       rec.ID,
	}).Info("device enrolled")

	e.publish(ctx, rec)
	return rec, nil
}

// PrefixMatches compares the presented prefix with the configured one. Plain
// text comparison ignores case and surrounding spaces; when the presented
// value parses as a prefix its masked form is compared as well, so
// "FD00:0::/48" matches "fd00::/48".
func (e *Engine) PrefixMatches(presented string) bool {
	presented = strings.TrimSpace(presented)
	if strings.EqualFold(presented, strings.TrimSpace(e.cfg.Prefix)) {
		return true
	}
	p, err := netip.ParsePrefix(presented)
	if err != nil {
		return false
	}
	return p.Masked() == e.network
}

func (e *Engine) allocateAddress(ctx context.Context, tx ports.AllocationTx, port int) (string, error) {
	suffix := e.space.first(e.cfg.AddressScheme, e.now(), port-e.cfg.PortRangeStart)
	for i := uint64(0); i < e.space.probes; i++ {
		addr := e.space.at(suffix).String()
		taken, err := tx.IsAddressTaken(ctx, addr)
		if err != nil {
			return "", err
		}
		if !taken {
			return addr, nil
		}
		suffix = e.space.next(suffix)
	}
	return "", types.ErrAddressSpaceExhausted
}

// classify maps any failure of Enroll onto a rejection reason. Cancellation
// wins over whatever error the store produced while being cancelled.
func (e *Engine) classify(ctx context.Context, err error) *types.Rejection {
	var rej *types.Rejection
	switch {
	case errors.As(err, &rej):
		return rej
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.Reject(types.ReasonTimeout, err, "")
	case errors.Is(err, types.ErrPortRangeExhausted):
		return types.Reject(types.ReasonPortRangeExhausted, err, "No available ports in range [%d, %d)",
			e.cfg.PortRangeStart, e.cfg.PortRangeEnd)
	case errors.Is(err, types.ErrAddressSpaceExhausted):
		return types.Reject(types.ReasonAddressSpaceExhausted, err, "No available addresses in %s", e.network)
	case errors.Is(err, types.ErrConflict):
		return types.Reject(types.ReasonAllocationConflict, err, "")
	default:
		return types.Reject(types.ReasonStoreUnavailable, err, "")
	}
}

func (e *Engine) publish(ctx context.Context, rec types.EnrollmentRecord) {
	if e.publisher == nil || e.cfg.EnrollTopicArn == "" {
		return
	}
	payload, err := NewCreatedEvent(rec, e.now()).Marshal()
	if err != nil {
		log.WithError(err).Error("failed to encode enrollment event")
		return
	}
	// The record is committed; the caller's deadline no longer applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.publisher.PublishRaw(ctx, e.cfg.EnrollTopicArn, payload); err != nil {
		log.WithError(err).WithField("uniqueId", rec.UniqueID).Warn("failed to publish enrollment event")
	}
}
