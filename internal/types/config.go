package types

import (
	"encoding/base32"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config is the immutable runtime configuration of the enrollment service.
// It is built once at startup and passed explicitly into the verifier, the
// engine and the HTTP layer.
// TOTPSecret is the base32 shared secret devices use to derive their codes. It is required.
// Prefix is the network prefix the server is authoritative for (e.g. "fd00::/48"); devices must
// present the same prefix to enroll.
// [PortRangeStart, PortRangeEnd) bounds the communication ports handed out.
// AddressScheme selects how address suffixes are derived, see AddressScheme* constants.
type Config struct {
	TOTPSecret       string `json:"totp_secret" yaml:"totp_secret"`
	Prefix           string `json:"ipv6_prefix" yaml:"ipv6_prefix"`
	PortRangeStart   int    `json:"port_range_start" yaml:"port_range_start"`
	PortRangeEnd     int    `json:"port_range_end" yaml:"port_range_end"`
	AddressScheme    string `json:"address_scheme" yaml:"address_scheme"`
	MaxAddressProbes int    `json:"max_address_probes" yaml:"max_address_probes"`

	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// EnrollRequireTOTP makes the enroll endpoints demand a valid code in the
	// X-TOTP-Code header in addition to the separate verify call.
	EnrollRequireTOTP bool `json:"enroll_require_totp" yaml:"enroll_require_totp"`
	// VerifyAttemptsPerMinute caps /verify-totp calls per source IP. 0 means no limit.
	VerifyAttemptsPerMinute int `json:"verify_attempts_per_minute" yaml:"verify_attempts_per_minute"`
	// TrustedProxies lists the CIDRs (or bare addresses) of reverse proxies whose
	// X-Forwarded-For header is believed. Empty means the peer address is the client.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
	// AdminToken guards the record administration endpoints. Empty disables them.
	AdminToken string `json:"admin_token" yaml:"admin_token"`
	// EnrollTopicArn receives an enrollment.created event per committed record. Optional.
	EnrollTopicArn string `json:"enroll_sns_topic_arn" yaml:"enroll_sns_topic_arn"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

const (
	AddressSchemeTime       = "time"
	AddressSchemeSequential = "sequential"

	DefaultPortRangeStart   = 8000
	DefaultPortRangeEnd     = 9000
	DefaultMaxAddressProbes = 4096
	DefaultListenPort       = 8443
	DefaultRequestTimeout   = 10 * time.Second
	DefaultVerifyAttempts   = 10

	MinPortNumber = 1
	MaxPortNumber = 65536 // exclusive upper bound

	TOTPCodeLength = 6
	TOTPHdrName    = "x-totp-code"
	AdminHdrName   = "x-admin-token"
)

// DefaultConfig returns a configuration with every optional field set. The
// secret and the prefix still have to be provided.
func DefaultConfig() Config {
	return Config{
		PortRangeStart:          DefaultPortRangeStart,
		PortRangeEnd:            DefaultPortRangeEnd,
		AddressScheme:           AddressSchemeTime,
		MaxAddressProbes:        DefaultMaxAddressProbes,
		Host:                    "0.0.0.0",
		Port:                    DefaultListenPort,
		RequestTimeout:          DefaultRequestTimeout,
		VerifyAttemptsPerMinute: DefaultVerifyAttempts,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.TOTPSecret) == "" {
		return Err(ErrInvalidConfig, nil, "totp_secret is required")
	}
	if _, err := DecodeSecret(c.TOTPSecret); err != nil {
		return Err(ErrInvalidConfig, err, "totp_secret must be base32 encoded")
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return Err(ErrInvalidConfig, nil, "ipv6_prefix is required")
	}
	if _, err := c.Network(); err != nil {
		return Err(ErrInvalidConfig, err, "ipv6_prefix %q is not a valid network prefix", c.Prefix)
	}
	if c.PortRangeStart < MinPortNumber {
		return Err(ErrInvalidConfig, nil, "port_range_start must be at least %d", MinPortNumber)
	}
	if c.PortRangeEnd > MaxPortNumber {
		return Err(ErrInvalidConfig, nil, "port_range_end must be at most %d", MaxPortNumber)
	}
	if c.PortRangeStart >= c.PortRangeEnd {
		return Err(ErrInvalidConfig, nil, "port_range_start must be less than port_range_end")
	}
	switch c.AddressScheme {
	case AddressSchemeTime, AddressSchemeSequential:
	default:
		return Err(ErrInvalidConfig, nil, "address_scheme must be %q or %q", AddressSchemeTime, AddressSchemeSequential)
	}
	if c.MaxAddressProbes <= 0 {
		return Err(ErrInvalidConfig, nil, "max_address_probes must be positive")
	}
	if c.VerifyAttemptsPerMinute < 0 {
		return Err(ErrInvalidConfig, nil, "verify_attempts_per_minute must be non-negative. 0 for no limit")
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return Err(ErrInvalidConfig, err, "trusted_proxies must be CIDRs or addresses")
	}
	if c.RequestTimeout < 0 {
		return Err(ErrInvalidConfig, nil, "request_timeout must be non-negative")
	}
	return nil
}

// Network parses the configured prefix and returns it masked to its network address.
func (c Config) Network() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(c.Prefix))
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// ProxyPrefixes parses TrustedProxies. A bare address is taken as a single host prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, err
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Redacted returns a copy safe to print or log.
func (c Config) Redacted() Config {
	if c.TOTPSecret != "" {
		c.TOTPSecret = "********"
	}
	if c.AdminToken != "" {
		c.AdminToken = "********"
	}
	return c
}

// DecodeSecret decodes a base32 TOTP secret, tolerating missing padding and
// lower case input the way authenticator apps do.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimSpace(secret))
	if n := len(s) % 8; n != 0 {
		s += strings.Repeat("=", 8-n)
	}
	b, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	return b, nil
}
