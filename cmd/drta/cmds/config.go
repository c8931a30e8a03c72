package cmds

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/josephsvk/DRTA/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	EnvTOTPSecret        = "TOTP_SECRET"
	EnvPrefix            = "IPV6_PREFIX"
	EnvPortRangeStart    = "PORT_RANGE_START"
	EnvPortRangeEnd      = "PORT_RANGE_END"
	EnvAddressScheme     = "ADDRESS_SCHEME"
	EnvMaxAddressProbes  = "MAX_ADDRESS_PROBES"
	EnvHost              = "HOST"
	EnvPort              = "PORT"
	EnvRequestTimeout    = "REQUEST_TIMEOUT"
	EnvEnrollRequireTOTP = "ENROLL_REQUIRE_TOTP"
	EnvVerifyAttempts    = "VERIFY_ATTEMPTS_PER_MINUTE"
	EnvAdminToken        = "ADMIN_TOKEN"
	EnvTrustedProxies    = "TRUSTED_PROXIES"
	EnvEnrollTopicArn    = "ENROLL_SNS_TOPIC_ARN"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
)

// LoadConfig builds the configuration from defaults, then the optional YAML
// file at path, then environment variables. It does not validate.
func LoadConfig(path string) (types.Config, error) {
	cfg := types.DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, types.Err(types.ErrInvalidConfig, err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, types.Err(types.ErrInvalidConfig, err, "parse config file %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *types.Config) error {
	setString(&cfg.TOTPSecret, EnvTOTPSecret)
	setString(&cfg.Prefix, EnvPrefix)
	setString(&cfg.AddressScheme, EnvAddressScheme)
	setString(&cfg.Host, EnvHost)
	setString(&cfg.AdminToken, EnvAdminToken)
	setString(&cfg.EnrollTopicArn, EnvEnrollTopicArn)
	setString(&cfg.LogLevel, EnvLogLevel)
	setString(&cfg.LogFormat, EnvLogFormat)

	for key, dst := range map[string]*int{
		EnvPortRangeStart:   &cfg.PortRangeStart,
		EnvPortRangeEnd:     &cfg.PortRangeEnd,
		EnvMaxAddressProbes: &cfg.MaxAddressProbes,
		EnvPort:             &cfg.Port,
		EnvVerifyAttempts:   &cfg.VerifyAttemptsPerMinute,
	} {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.Err(types.ErrInvalidConfig, err, "%s must be an integer", key)
		}
		*dst = n
	}

	if v, ok := lookup(EnvRequestTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.Err(types.ErrInvalidConfig, err, "%s must be a duration like 10s", EnvRequestTimeout)
		}
		cfg.RequestTimeout = d
	}
	if v, ok := lookup(EnvTrustedProxies); ok {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvEnrollRequireTOTP); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.Err(types.ErrInvalidConfig, err, "%s must be true or false", EnvEnrollRequireTOTP)
		}
		cfg.EnrollRequireTOTP = b
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// SetupLogging configures the global logrus logger.
func SetupLogging(cfg types.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return types.Err(types.ErrInvalidConfig, err, "log_level %q", cfg.LogLevel)
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
