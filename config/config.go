package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type AuthConfig struct {
	ServiceID     string        `mapstructure:"service_id"`
	Secret        string        `mapstructure:"secret"`
	FallbackToken string        `mapstructure:"fallback_token"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type ComplianceConfig struct {
	ServiceConfig `mapstructure:",squash"`
	QueueSize     int `mapstructure:"queue_size"`
	Workers       int `mapstructure:"workers"`
}

type ServicesConfig struct {
	Moderation      ServiceConfig    `mapstructure:"moderation"`
	Compliance      ComplianceConfig `mapstructure:"compliance"`
	AgeVerification ServiceConfig    `mapstructure:"age_verification"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Services    ServicesConfig    `mapstructure:"services"`
}

// Load reads configuration from path, or from config.yaml in ./config or the
// working directory when path is empty. Environment variables override file
// values (services.moderation.base_url -> SERVICES_MODERATION_BASE_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":9090")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("metrics.buffer_size", 1024)

	v.SetDefault("auth.service_id", "game-server")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.fallback_token", "")
	v.SetDefault("auth.token_ttl", "15m")

	// Moderation is the least tolerant of failure, compliance logging the most.
	v.SetDefault("services.moderation.base_url", "http://localhost:3000/api")
	v.SetDefault("services.moderation.timeout", "10s")
	v.SetDefault("services.moderation.breaker.failure_threshold", 5)
	v.SetDefault("services.moderation.breaker.open_duration", "60s")
	v.SetDefault("services.moderation.breaker.recovery_timeout", "10s")

	v.SetDefault("services.compliance.base_url", "http://localhost:3000/api")
	v.SetDefault("services.compliance.timeout", "3s")
	v.SetDefault("services.compliance.breaker.failure_threshold", 10)
	v.SetDefault("services.compliance.breaker.open_duration", "120s")
	v.SetDefault("services.compliance.breaker.recovery_timeout", "30s")
	v.SetDefault("services.compliance.queue_size", 256)
	v.SetDefault("services.compliance.workers", 2)

	v.SetDefault("services.age_verification.base_url", "http://localhost:3000/api")
	v.SetDefault("services.age_verification.timeout", "5s")
	v.SetDefault("services.age_verification.breaker.failure_threshold", 3)
	v.SetDefault("services.age_verification.breaker.open_duration", "30s")
	v.SetDefault("services.age_verification.breaker.recovery_timeout", "5s")
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Required, validation.Min(time.Millisecond)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.Required,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Auth,
			validation.Required,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AuthConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AuthConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.ServiceID, validation.Required),
					validation.Field(&ac.TokenTTL, validation.Required, validation.Min(time.Second)),
				)
			}),
		),
		validation.Field(&c.Services,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServicesConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServicesConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Moderation, validation.By(validateServiceConfig)),
					validation.Field(&sc.AgeVerification, validation.By(validateServiceConfig)),
					validation.Field(&sc.Compliance, validation.By(validateComplianceConfig)),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateServiceURL(value interface{}) error {
	serviceURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serviceURL == "" {
		return validation.NewError("validation_empty_url", "service URL cannot be empty")
	}

	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateBreakerConfig(value interface{}) error {
	bc, ok := value.(BreakerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
	}

	return validation.ValidateStruct(&bc,
		validation.Field(&bc.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&bc.OpenDuration, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&bc.RecoveryTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

func validateServiceConfig(value interface{}) error {
	sc, ok := value.(ServiceConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ServiceConfig")
	}

	return validation.ValidateStruct(&sc,
		validation.Field(&sc.BaseURL, validation.By(validateServiceURL)),
		validation.Field(&sc.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&sc.Breaker, validation.By(validateBreakerConfig)),
	)
}

func validateComplianceConfig(value interface{}) error {
	cc, ok := value.(ComplianceConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ComplianceConfig")
	}

	if err := validateServiceConfig(cc.ServiceConfig); err != nil {
		return err
	}

	return validation.ValidateStruct(&cc,
		validation.Field(&cc.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&cc.Workers, validation.Required, validation.Min(1), validation.Max(64)),
	)
}
