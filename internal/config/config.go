package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	AuthBearer      = "bearer"
	AuthAccessToken = "access_token"

	PayloadDefault = "default"
	PayloadLegacy  = "legacy"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Token     TokenConfig     `mapstructure:"token"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Store     StoreConfig     `mapstructure:"store"`
	Health    HealthConfig    `mapstructure:"health"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Logger    LoggerConfig    `mapstructure:"logger"`

	// ConfigFile is the file the configuration was read from, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	MaxBodyBytes    int64         `mapstructure:"maxBodyBytes"`
}

type TokenConfig struct {
	RelayToken   string `mapstructure:"relayToken"`
	WebhookToken string `mapstructure:"webhookToken"`
}

type ProviderConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"apiKey"`
	AuthScheme    string        `mapstructure:"authScheme"`
	PayloadFormat string        `mapstructure:"payloadFormat"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type GuardConfig struct {
	// ReservationTTL is how long a pending reservation blocks retries of the same reference.
	ReservationTTL time.Duration `mapstructure:"reservationTTL"`
}

type StoreConfig struct {
	Type               string        `mapstructure:"type"`
	Path               string        `mapstructure:"path"`
	DSN                string        `mapstructure:"dsn"`
	URL                string        `mapstructure:"url"`
	KeyPrefix          string        `mapstructure:"keyPrefix"`
	MaxOpenConnection  int           `mapstructure:"maxOpenConnection"`
	MaxIdleConnection  int           `mapstructure:"maxIdleConnection"`
	ConnectionLifetime time.Duration `mapstructure:"connectionLifetime"`
}

type HealthConfig struct {
	IPLookupURL     string        `mapstructure:"ipLookupURL"`
	IPLookupTimeout time.Duration `mapstructure:"ipLookupTimeout"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LoggerConfig struct {
	LoggerLevel string `mapstructure:"loggerLevel"`
	Format      string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.shutdownTimeout", 20*time.Second)
	v.SetDefault("server.maxBodyBytes", 1<<20)

	v.SetDefault("token.relayToken", "")
	v.SetDefault("token.webhookToken", "")

	v.SetDefault("provider.url", "https://api.asaas.com/v3/transfers")
	v.SetDefault("provider.apiKey", "")
	v.SetDefault("provider.authScheme", AuthBearer)
	v.SetDefault("provider.payloadFormat", PayloadDefault)
	v.SetDefault("provider.timeout", 15*time.Second)

	v.SetDefault("guard.reservationTTL", 2*time.Minute)

	v.SetDefault("store.type", StoreSQLite)
	v.SetDefault("store.path", "./processed_references.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.keyPrefix", "pixrelay:ref:")
	v.SetDefault("store.maxOpenConnection", 15)
	v.SetDefault("store.maxIdleConnection", 10)
	v.SetDefault("store.connectionLifetime", time.Hour)

	v.SetDefault("health.ipLookupURL", "https://api.ipify.org?format=json")
	v.SetDefault("health.ipLookupTimeout", 3*time.Second)

	v.SetDefault("rateLimit.rps", 20.0)
	v.SetDefault("rateLimit.burst", 40)

	v.SetDefault("logger.loggerLevel", "info")
	v.SetDefault("logger.format", "json")
}

// bindLegacyEnv keeps the variable names the relay has always been deployed with.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":        {"PIXRELAY_SERVER_PORT", "PORT"},
		"token.relayToken":   {"PIXRELAY_TOKEN_RELAYTOKEN", "RELAY_TOKEN"},
		"token.webhookToken": {"PIXRELAY_TOKEN_WEBHOOKTOKEN", "ASAAS_WEBHOOK_TOKEN"},
		"provider.apiKey":    {"PIXRELAY_PROVIDER_APIKEY", "ASAAS_API_KEY"},
		"provider.url":       {"PIXRELAY_PROVIDER_URL", "ASAAS_API_URL"},
		"store.path":         {"PIXRELAY_STORE_PATH", "IDEMPOTENCY_FILE"},
		"store.dsn":          {"PIXRELAY_STORE_DSN", "DATABASE_URL"},
		"store.url":          {"PIXRELAY_STORE_URL", "REDIS_URL"},
		"logger.loggerLevel": {"PIXRELAY_LOGGER_LOGGERLEVEL", "LOG_LEVEL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from path (or config.yaml in the usual places when path is empty)
// and the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIXRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./internal/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Port == "" {
		fail("server.port is required")
	}
	if c.Token.RelayToken == "" {
		fail("token.relayToken is required")
	}
	if c.Provider.APIKey == "" {
		fail("provider.apiKey is required")
	}
	if u, err := url.Parse(c.Provider.URL); err != nil || !u.IsAbs() || u.Host == "" {
		fail("provider.url must be an absolute URL, got %q", c.Provider.URL)
	}
	switch c.Provider.AuthScheme {
	case AuthBearer, AuthAccessToken:
	default:
		fail("provider.authScheme %q is not supported", c.Provider.AuthScheme)
	}
	switch c.Provider.PayloadFormat {
	case PayloadDefault, PayloadLegacy:
	default:
		fail("provider.payloadFormat %q is not supported", c.Provider.PayloadFormat)
	}
	if c.Provider.Timeout <= 0 {
		fail("provider.timeout must be positive")
	}
	if c.Guard.ReservationTTL <= c.Provider.Timeout {
		fail("guard.reservationTTL (%s) must exceed provider.timeout (%s)", c.Guard.ReservationTTL, c.Provider.Timeout)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			fail("store.path is required for the sqlite store")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			fail("store.dsn is required for the postgres store")
		}
	case StoreRedis:
		if c.Store.URL == "" {
			fail("store.url is required for the redis store")
		}
	default:
		fail("store.type %q is not supported", c.Store.Type)
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		fail("rateLimit values must not be negative")
	}

	return errors.Join(errs...)
}
