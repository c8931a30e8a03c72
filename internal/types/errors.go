package types

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrInvalidBackend   = errors.New("invalid backend")
	ErrStoreUnavailable = errors.New("allocation store read/write error")

	ErrInvalidFormat         = errors.New("TOTP code must be exactly 6 digits")
	ErrInvalidCode           = errors.New("invalid TOTP code")
	ErrMalformedInput        = errors.New("malformed descriptor")
	ErrPrefixMismatch        = errors.New("network prefix mismatch")
	ErrPortRangeExhausted    = errors.New("no available ports in the configured range")
	ErrAddressSpaceExhausted = errors.New("no available addresses in the configured prefix")
	ErrConflict              = errors.New("allocation conflict")
	ErrTimeout               = errors.New("enrollment timed out")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}

// Reason is the stable code reported to callers for a rejected request.
type Reason string

const (
	ReasonInvalidFormat         Reason = "invalid_format"
	ReasonInvalidCode           Reason = "invalid_code"
	ReasonMalformedInput        Reason = "malformed_input"
	ReasonPrefixMismatch        Reason = "prefix_mismatch"
	ReasonPortRangeExhausted    Reason = "port_range_exhausted"
	ReasonAddressSpaceExhausted Reason = "address_space_exhausted"
	ReasonAllocationConflict    Reason = "allocation_conflict"
	ReasonStoreUnavailable      Reason = "store_unavailable"
	ReasonTimeout               Reason = "timeout"
	ReasonInternal              Reason = "internal"
)

var reasonStatus = map[Reason]int{
	ReasonInvalidFormat:         http.StatusBadRequest,
	ReasonInvalidCode:           http.StatusBadRequest,
	ReasonMalformedInput:        http.StatusBadRequest,
	ReasonPrefixMismatch:        http.StatusBadRequest,
	ReasonPortRangeExhausted:    http.StatusServiceUnavailable,
	ReasonAddressSpaceExhausted: http.StatusServiceUnavailable,
	ReasonAllocationConflict:    http.StatusConflict,
	ReasonStoreUnavailable:      http.StatusServiceUnavailable,
	ReasonTimeout:               http.StatusGatewayTimeout,
	ReasonInternal:              http.StatusInternalServerError,
}

var reasonSentinel = map[Reason]error{
	ReasonInvalidFormat:         ErrInvalidFormat,
	ReasonInvalidCode:           ErrInvalidCode,
	ReasonMalformedInput:        ErrMalformedInput,
	ReasonPrefixMismatch:        ErrPrefixMismatch,
	ReasonPortRangeExhausted:    ErrPortRangeExhausted,
	ReasonAddressSpaceExhausted: ErrAddressSpaceExhausted,
	ReasonAllocationConflict:    ErrConflict,
	ReasonStoreUnavailable:      ErrStoreUnavailable,
	ReasonTimeout:               ErrTimeout,
}

// Status returns the HTTP status code reported for the reason.
func (r Reason) Status() int {
	if s, ok := reasonStatus[r]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Permanent reports whether resubmitting the same request can never succeed
// without an operator changing configuration or freeing capacity.
func (r Reason) Permanent() bool {
	switch r {
	case ReasonStoreUnavailable, ReasonTimeout, ReasonAllocationConflict, ReasonInternal:
		return false
	}
	return true
}

// Rejection is a request that ended in the Rejected state. It unwraps to the
// sentinel matching its Reason, so errors.Is works across layers.
type Rejection struct {
	Reason  Reason
	Message string
	// Cause is the underlying error, if any. Not exposed to callers.
	Cause error
}

func (r *Rejection) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Reason, r.Message, r.Cause)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

func (r *Rejection) Status() int { return r.Reason.Status() }

func (r *Rejection) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := reasonSentinel[r.Reason]; ok {
		errs = append(errs, s)
	}
	if r.Cause != nil {
		errs = append(errs, r.Cause)
	}
	return errs
}

// Reject builds a Rejection. The message defaults to the sentinel text.
func Reject(reason Reason, cause error, msgTemplate string, args ...any) *Rejection {
	msg := ""
	if msgTemplate != "" {
		msg = fmt.Sprintf(msgTemplate, args...)
	} else if s, ok := reasonSentinel[reason]; ok {
		msg = s.Error()
	} else {
		msg = "internal error"
	}
	return &Rejection{Reason: reason, Message: msg, Cause: cause}
}

// ReasonOf extracts the rejection reason from err, or ReasonInternal.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ReasonInternal
}
