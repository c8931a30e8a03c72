// Package totp verifies the six digit time-based one-time passwords devices
// present before enrolling.
package totp

import (
	"time"

	"github.com/josephsvk/DRTA/internal/types"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// StepSeconds is the conventional TOTP time step.
const StepSeconds = 30

var validateOpts = totp.ValidateOpts{
	Period:    StepSeconds,
	Skew:      1, // accept the preceding and the following step
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Verifier checks codes against one shared secret. It holds no mutable state
// and is safe for concurrent use.
type Verifier struct {
	secret string
	now    func() time.Time
}

type Option func(*Verifier)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier fails when the secret is missing or not valid base32. Callers
// treat that as fatal at startup.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if _, err := types.DecodeSecret(secret); err != nil {
		return nil, types.Err(types.ErrInvalidConfig, err, "TOTP secret is missing or not base32")
	}
	v := &Verifier{secret: secret, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Verify reports whether code matches the current time step (or one step of
// skew either way). Codes that are not exactly six ASCII digits fail with
// types.ErrInvalidFormat before the secret is consulted. A well formed code
// never produces an error; a mismatch is (false, nil).
func (v *Verifier) Verify(code string) (bool, error) {
	if !WellFormed(code) {
		return false, types.ErrInvalidFormat
	}
	// ValidateCustom compares in constant time.
	ok, err := totp.ValidateCustom(code, v.secret, v.now(), validateOpts)
	if err != nil {
		// The secret was checked in NewVerifier, and the length above, so
		// an error here means the code could not have matched.
		return false, nil
	}
	return ok, nil
}

// Check is Verify folded into a single rejection-or-nil result, the way the
// request handlers report it.
func (v *Verifier) Check(code string) error {
	ok, err := v.Verify(code)
	if err != nil {
		return types.Reject(types.ReasonInvalidFormat, nil, "Invalid TOTP code")
	}
	if !ok {
		return types.Reject(types.ReasonInvalidCode, nil, "Invalid TOTP code")
	}
	return nil
}

// Code returns the code for the current time step. Operator tooling only.
func (v *Verifier) Code() (string, error) {
	return totp.GenerateCodeCustom(v.secret, v.now(), validateOpts)
}

// WellFormed reports whether code is exactly six ASCII digits.
func WellFormed(code string) bool {
	if len(code) != types.TOTPCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// NewSecret generates a random base32 secret for provisioning devices.
func NewSecret(issuer, account string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      StepSeconds,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}
