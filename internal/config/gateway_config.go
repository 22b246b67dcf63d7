package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// GatewayConfig is the top-level configuration for the gateway binary, bound
// through Viper for env layering and validated through validator struct
// tags. Its keys are the gateway's own external contract (PORT, JWT_SECRET,
// DB_PATH, ...), left unprefixed since operators set them directly.
type GatewayConfig struct {
	Port      int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Host      string `mapstructure:"host" validate:"required"`
	LogLevel  string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`

	EncryptionKeyFile string `mapstructure:"encryption_key_file" validate:"required"`
	DBPath            string `mapstructure:"db_path" validate:"required"`

	TokenTTLMinutes    int      `mapstructure:"token_ttl_minutes" validate:"omitempty,min=1"`
	RateLimitRPM       int      `mapstructure:"rate_limit_rpm" validate:"omitempty,min=1"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	AuditRetentionDays int      `mapstructure:"audit_retention_days" validate:"omitempty,min=1"`
}

// gatewayEnvKeys lists every external env var the gateway binds, unprefixed,
// matching the contract operators configure it through.
var gatewayEnvKeys = []string{
	"port",
	"host",
	"log_level",
	"jwt_secret",
	"encryption_key_file",
	"db_path",
	"token_ttl_minutes",
	"rate_limit_rpm",
	"allowed_origins",
	"audit_retention_days",
}

// InitGatewayViper binds the gateway's unprefixed environment variables onto
// a dedicated Viper instance. No SetEnvPrefix is applied: these names ARE the
// contract. The key replacer maps any '.' or '-' in a key to '_'.
func InitGatewayViper(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range gatewayEnvKeys {
		_ = v.BindEnv(key)
	}

	v.SetDefault("port", 8080)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "./sentinelgate.db")
	v.SetDefault("token_ttl_minutes", 60)
	v.SetDefault("rate_limit_rpm", 600)
	v.SetDefault("audit_retention_days", 90)
}

// LoadGatewayConfig builds a Viper instance bound to the gateway's env
// contract, unmarshals it into a GatewayConfig, and validates it.
func LoadGatewayConfig() (*GatewayConfig, error) {
	v := viper.New()
	InitGatewayViper(v)

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate validates the GatewayConfig using struct tags, formatting any
// failures through formatValidationErrors.
func (c *GatewayConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}
