// Package config loads process configuration from NEWSDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const prefix = "NEWSDESK"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Quota is a "<max>/<window>" pair such as "100/15m".
type Quota struct {
	Max    int
	Window time.Duration
}

// Decode implements envconfig.Decoder.
func (q *Quota) Decode(value string) error {
	maxPart, windowPart, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return fmt.Errorf("quota %q: expected <max>/<window>", value)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(maxPart))
	if err != nil || limit <= 0 {
		return fmt.Errorf("quota %q: max must be a positive integer", value)
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowPart))
	if err != nil || window <= 0 {
		return fmt.Errorf("quota %q: window must be a positive duration", value)
	}
	q.Max = limit
	q.Window = window
	return nil
}

func (q Quota) String() string {
	return fmt.Sprintf("%d/%s", q.Max, q.Window)
}

// RateLimits holds one quota per limiter class.
type RateLimits struct {
	General       Quota `envconfig:"GENERAL" default:"100/15m"`
	Auth          Quota `envconfig:"AUTH" default:"5/15m"`
	Upload        Quota `envconfig:"UPLOAD" default:"20/1h"`
	CreateArticle Quota `envconfig:"CREATE_ARTICLE" default:"10/1h"`
	Comment       Quota `envconfig:"COMMENT" default:"10/15m"`
}

// Config is the full process configuration.
type Config struct {
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`

	PGDSN         string `envconfig:"PG_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"newsdesk"`

	Issuer             string        `envconfig:"TOKEN_ISSUER" default:"newsdesk"`
	AccessTokenSecret  string        `envconfig:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret string        `envconfig:"REFRESH_TOKEN_SECRET"`
	AccessTokenTTL     time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL    time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`
	BcryptCost         int           `envconfig:"BCRYPT_COST" default:"12"`
	RevokeRefresh      bool          `envconfig:"REVOKE_REFRESH" default:"true"`

	// AdminEmail and AdminPassword provision an ADMIN account at startup when set.
	AdminEmail    string `envconfig:"ADMIN_EMAIL"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`

	RateLimit         RateLimits `envconfig:"RATE_LIMIT"`
	TrustProxyHeaders bool       `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
	TrustedProxies    string     `envconfig:"TRUSTED_PROXIES"`

	CacheTTLList   time.Duration `envconfig:"CACHE_TTL_LIST" default:"2m"`
	CacheTTLDetail time.Duration `envconfig:"CACHE_TTL_DETAIL" default:"5m"`
	CacheTimeout   time.Duration `envconfig:"CACHE_TIMEOUT" default:"250ms"`
	StoreTimeout   time.Duration `envconfig:"STORE_TIMEOUT" default:"3s"`

	MaxBodyBytes       int64    `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	MaxUploadBytes     int64    `envconfig:"MAX_UPLOAD_BYTES" default:"5242880"`
	AllowedUploadTypes []string `envconfig:"ALLOWED_UPLOAD_TYPES" default:"image/jpeg,image/png,image/gif,image/webp,application/pdf"`
	UploadDir          string   `envconfig:"UPLOAD_DIR" default:"uploads"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field invariants envconfig cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("config: unknown environment %q", c.Env))
	}
	if strings.TrimSpace(c.AccessTokenSecret) == "" {
		errs = append(errs, errors.New("config: ACCESS_TOKEN_SECRET is required"))
	}
	if strings.TrimSpace(c.RefreshTokenSecret) == "" {
		errs = append(errs, errors.New("config: REFRESH_TOKEN_SECRET is required"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("config: access and refresh token secrets must differ"))
	}
	if c.Env == EnvProduction && (len(c.AccessTokenSecret) < 32 || len(c.RefreshTokenSecret) < 32) {
		errs = append(errs, errors.New("config: token secrets must be at least 32 bytes in production"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("config: token TTLs must be positive"))
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("config: access token TTL must be shorter than refresh token TTL"))
	}
	if c.CacheTTLList <= 0 || c.CacheTTLDetail <= 0 {
		errs = append(errs, errors.New("config: cache TTLs must be positive"))
	}
	if c.TrustProxyHeaders && strings.TrimSpace(c.TrustedProxies) == "" {
		errs = append(errs, errors.New("config: TRUST_PROXY_HEADERS requires TRUSTED_PROXIES"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("config: MAX_UPLOAD_BYTES must be positive"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("config: ADMIN_EMAIL and ADMIN_PASSWORD must be set together"))
	}
	if len(c.AllowedUploadTypes) == 0 {
		errs = append(errs, errors.New("config: ALLOWED_UPLOAD_TYPES must not be empty"))
	}
	return errors.Join(errs...)
}

// Development reports whether raw error details may be exposed to clients.
func (c Config) Development() bool {
	return c.Env != EnvProduction
}
