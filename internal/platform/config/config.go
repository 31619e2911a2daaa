// Package config loads runtime configuration from defaults, a .env file, the process environment
// and Secret Manager references.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	envPrefix = "ESTAMP_"

	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 60 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStoreBackend        = "firestore"
	defaultStorageBackend      = "gcs"
	defaultPresignTTL          = 15 * time.Minute
	defaultPSPProvider         = "stripe"
	defaultCurrency            = "INR"
	defaultExpressSurcharge    = 7000
	defaultDoorstepCharge      = 12000
	defaultStampValidity       = 180 * 24 * time.Hour
	defaultIssuerName          = "e-Stamp Registry"
	defaultLocale              = "en-IN"
	defaultGatewayTimeout      = 15 * time.Second
	defaultStorageTimeout      = 10 * time.Second
	defaultIssuanceTimeout     = 30 * time.Second
	defaultStuckThreshold      = 10 * time.Minute
	defaultSweepLimit          = 100
	defaultVerifyPerMinute     = 30
	defaultPostgresMaxOpen     = 10
	defaultPostgresMaxIdle     = 5
	defaultPostgresMaxLifetime = 30 * time.Minute
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultPubSubTopic         = "stamp-order-events"
	defaultSweeperSchedule     = "@every 5m"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Store       StoreConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Stamps      StampConfig
	Redis       RedisConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
	Security    SecurityConfig
	PubSub      PubSubConfig
	Sweeper     SweeperConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for admin identity.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StoreConfig selects the repository backend: firestore, postgres or memory.
type StoreConfig struct {
	Backend string
}

// StorageConfig configures where issued documents are written.
type StorageConfig struct {
	// Backend is gcs or minio.
	Backend string
	Bucket  string
	// SignerKey is the service account JSON (or a path to it) used to sign GCS URLs.
	SignerKey      string
	KMSKeyName     string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIORegion    string
	MinIOUseSSL    bool
	MinIOSSE       bool
	PresignTTL     time.Duration
}

// PSPConfig selects and configures the payment gateway.
type PSPConfig struct {
	Provider     string
	StripeAPIKey string
	Currency     string
}

// StampConfig carries issuance parameters.
type StampConfig struct {
	SigningKey         string
	VerificationSecret string
	ExpressSurcharge   int64
	DoorstepCharge     int64
	Validity           time.Duration
	VerifyBaseURL      string
	IssuerName         string
	Locale             string
	GatewayTimeout     time.Duration
	StorageTimeout     time.Duration
	IssuanceTimeout    time.Duration
	StuckThreshold     time.Duration
	SweepLimit         int
}

// RedisConfig configures the optional Redis used for rate limiting and idempotency.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	VerifyPerMinute int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
	// ServiceAccounts restricts internal callers by token email. Empty allows any.
	ServiceAccounts []string
}

// PubSubConfig configures lifecycle event publishing. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// SweeperConfig configures cmd/sweeper.
type SweeperConfig struct {
	Schedule string
}

// Load assembles the configuration. Precedence is defaults < .env < OS env < WithEnvMap.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		key = envPrefix + key
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             stringWithDefault(lookup, "POSTGRES_DSN", ""),
			MaxOpenConns:    intWithDefault(lookup, "POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
			MaxIdleConns:    intWithDefault(lookup, "POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
			ConnMaxLifetime: durationWithDefault(lookup, "POSTGRES_CONN_MAX_LIFETIME", defaultPostgresMaxLifetime),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "STORE_BACKEND", defaultStoreBackend)),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(stringWithDefault(lookup, "STORAGE_BACKEND", defaultStorageBackend)),
			Bucket:         stringWithDefault(lookup, "STORAGE_BUCKET", ""),
			SignerKey:      stringWithDefault(lookup, "STORAGE_SIGNER_KEY", ""),
			KMSKeyName:     stringWithDefault(lookup, "STORAGE_KMS_KEY", ""),
			MinIOEndpoint:  stringWithDefault(lookup, "STORAGE_MINIO_ENDPOINT", ""),
			MinIOAccessKey: stringWithDefault(lookup, "STORAGE_MINIO_ACCESS_KEY", ""),
			MinIOSecretKey: stringWithDefault(lookup, "STORAGE_MINIO_SECRET_KEY", ""),
			MinIORegion:    stringWithDefault(lookup, "STORAGE_MINIO_REGION", ""),
			MinIOUseSSL:    boolWithDefault(lookup, "STORAGE_MINIO_USE_SSL", true),
			MinIOSSE:       boolWithDefault(lookup, "STORAGE_MINIO_SSE", true),
			PresignTTL:     durationWithDefault(lookup, "STORAGE_PRESIGN_TTL", defaultPresignTTL),
		},
		PSP: PSPConfig{
			Provider:     strings.ToLower(stringWithDefault(lookup, "PSP_PROVIDER", defaultPSPProvider)),
			StripeAPIKey: stringWithDefault(lookup, "PSP_STRIPE_API_KEY", ""),
			Currency:     strings.ToUpper(stringWithDefault(lookup, "PSP_CURRENCY", defaultCurrency)),
		},
		Stamps: StampConfig{
			SigningKey:         stringWithDefault(lookup, "STAMPS_SIGNING_KEY", ""),
			VerificationSecret: stringWithDefault(lookup, "STAMPS_VERIFICATION_SECRET", ""),
			ExpressSurcharge:   int64WithDefault(lookup, "STAMPS_EXPRESS_SURCHARGE", defaultExpressSurcharge),
			DoorstepCharge:     int64WithDefault(lookup, "STAMPS_DOORSTEP_CHARGE", defaultDoorstepCharge),
			Validity:           durationWithDefault(lookup, "STAMPS_VALIDITY", defaultStampValidity),
			VerifyBaseURL:      stringWithDefault(lookup, "STAMPS_VERIFY_BASE_URL", ""),
			IssuerName:         stringWithDefault(lookup, "STAMPS_ISSUER_NAME", defaultIssuerName),
			Locale:             stringWithDefault(lookup, "STAMPS_LOCALE", defaultLocale),
			GatewayTimeout:     durationWithDefault(lookup, "STAMPS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			StorageTimeout:     durationWithDefault(lookup, "STAMPS_STORAGE_TIMEOUT", defaultStorageTimeout),
			IssuanceTimeout:    durationWithDefault(lookup, "STAMPS_ISSUANCE_TIMEOUT", defaultIssuanceTimeout),
			StuckThreshold:     durationWithDefault(lookup, "STAMPS_STUCK_THRESHOLD", defaultStuckThreshold),
			SweepLimit:         intWithDefault(lookup, "STAMPS_SWEEP_LIMIT", defaultSweepLimit),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "REDIS_DB", 0),
		},
		RateLimits: RateLimitConfig{
			VerifyPerMinute: intWithDefault(lookup, "RATELIMIT_VERIFY_PER_MIN", defaultVerifyPerMinute),
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         stringWithDefault(lookup, "SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        stringWithDefault(lookup, "SECURITY_OIDC_AUDIENCE", ""),
				Audiences:       mapWithDefault(lookup, "SECURITY_OIDC_AUDIENCES"),
				Issuers:         csvWithDefault(lookup, "SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: csvWithDefault(lookup, "SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "PUBSUB_TOPIC", defaultPubSubTopic),
		},
		Sweeper: SweeperConfig{
			Schedule: stringWithDefault(lookup, "SWEEPER_SCHEDULE", defaultSweeperSchedule),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stamps.SigningKey", &cfg.Stamps.SigningKey},
		{"Stamps.VerificationSecret", &cfg.Stamps.VerificationSecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
		{"Storage.MinIOSecretKey", &cfg.Storage.MinIOSecretKey},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	require := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Security.Environment == "local" || cfg.Firebase.ProjectID != "", "Firebase.ProjectID")

	switch cfg.Store.Backend {
	case "firestore":
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case "postgres":
		require(strings.TrimSpace(cfg.Postgres.DSN) != "", "Postgres.DSN")
	case "memory":
		require(cfg.Security.Environment == "local", "Store.Backend")
	default:
		invalid = append(invalid, "Store.Backend")
	}

	require(cfg.Storage.Bucket != "", "Storage.Bucket")
	switch cfg.Storage.Backend {
	case "gcs":
	case "minio":
		require(cfg.Storage.MinIOEndpoint != "", "Storage.MinIOEndpoint")
	default:
		invalid = append(invalid, "Storage.Backend")
	}
	require(cfg.Storage.PresignTTL > 0, "Storage.PresignTTL")

	switch cfg.PSP.Provider {
	case "stripe":
		require(strings.TrimSpace(cfg.PSP.StripeAPIKey) != "", "PSP.StripeAPIKey")
	case "sandbox":
	default:
		invalid = append(invalid, "PSP.Provider")
	}
	require(len(cfg.PSP.Currency) == 3, "PSP.Currency")

	require(cfg.Stamps.ExpressSurcharge >= 0, "Stamps.ExpressSurcharge")
	require(cfg.Stamps.DoorstepCharge >= 0, "Stamps.DoorstepCharge")
	require(cfg.Stamps.Validity > 0, "Stamps.Validity")
	require(strings.TrimSpace(cfg.Stamps.VerifyBaseURL) != "", "Stamps.VerifyBaseURL")
	require(cfg.Stamps.GatewayTimeout > 0, "Stamps.GatewayTimeout")
	require(cfg.Stamps.StorageTimeout > 0, "Stamps.StorageTimeout")
	require(cfg.Stamps.IssuanceTimeout > 0, "Stamps.IssuanceTimeout")
	require(cfg.Stamps.StuckThreshold > 0, "Stamps.StuckThreshold")
	require(cfg.Stamps.SweepLimit > 0, "Stamps.SweepLimit")

	require(cfg.RateLimits.VerifyPerMinute > 0, "RateLimits.VerifyPerMinute")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
