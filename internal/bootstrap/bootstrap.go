// Package bootstrap loads configuration for the binaries under cmd/. Secret references are
// resolved through Secret Manager before the config is validated.
package bootstrap

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/estamp-field/api/internal/platform/config"
	"github.com/estamp-field/api/internal/platform/secrets"
	"github.com/estamp-field/api/internal/services"
)

// Loaded is the outcome of Load.
type Loaded struct {
	Config config.Config
	Env    map[string]string

	fetcher *secrets.Fetcher
}

// Close releases the secret fetcher.
func (l *Loaded) Close() error {
	if l == nil || l.fetcher == nil {
		return nil
	}
	return l.fetcher.Close()
}

// Load reads the environment, builds the secret fetcher and loads the validated config.
// A *config.MissingSecretsError is returned unwrapped so callers can log redacted names.
func Load(ctx context.Context, logger *zap.Logger, opts ...config.Option) (*Loaded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := config.EnvironmentValues(opts...)
	if err != nil {
		return nil, err
	}
	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return nil, err
	}
	loadOpts := append([]config.Option{}, opts...)
	loadOpts = append(loadOpts,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(RequiredSecretNames(env)...),
	)
	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		_ = fetcher.Close()
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return nil, missing
		}
		return nil, err
	}
	return &Loaded{Config: cfg, Env: env, fetcher: fetcher}, nil
}

// BuildInfo reads build metadata injected at deploy time.
func BuildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ESTAMP_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ESTAMP_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("ESTAMP_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("ESTAMP_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ESTAMP_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("ESTAMP_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("ESTAMP_SECRET_PROJECT_IDS"), strings.ToLower); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("ESTAMP_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("ESTAMP_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// RequiredSecretNames lists the secrets the selected backends cannot run without.
func RequiredSecretNames(env map[string]string) []string {
	required := []string{"Stamps.SigningKey", "Stamps.VerificationSecret"}
	backend := func(key, fallback string) string {
		if value := strings.ToLower(strings.TrimSpace(env[key])); value != "" {
			return value
		}
		return fallback
	}
	switch backend("ESTAMP_STORAGE_BACKEND", "gcs") {
	case "gcs":
		required = append(required, "Storage.SignerKey")
	case "minio":
		required = append(required, "Storage.MinIOSecretKey")
	}
	if backend("ESTAMP_PSP_PROVIDER", "stripe") == "stripe" {
		required = append(required, "PSP.StripeAPIKey")
	}
	if backend("ESTAMP_STORE_BACKEND", "firestore") == "postgres" {
		required = append(required, "Postgres.DSN")
	}
	return required
}

// secretVersionPins parses "name=version" pairs, normalising names to secret:// references.
// An environment prefix ("prod:name=3") is preserved.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string, normalizeKey func(string) string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if normalizeKey != nil {
			key = normalizeKey(key)
		}
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
