package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/documents"
	"github.com/estamp-field/api/internal/payments"
	"github.com/estamp-field/api/internal/platform/config"
	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/platform/jobs"
	"github.com/estamp-field/api/internal/platform/observability"
	"github.com/estamp-field/api/internal/platform/storage"
	"github.com/estamp-field/api/internal/platform/textutil"
	"github.com/estamp-field/api/internal/repositories"
	firestorerepo "github.com/estamp-field/api/internal/repositories/firestore"
	"github.com/estamp-field/api/internal/repositories/memory"
	"github.com/estamp-field/api/internal/repositories/postgres"
	"github.com/estamp-field/api/internal/services"
)

const (
	storePingTimeout = 2 * time.Second
	redisPingTimeout = time.Second
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Templates    services.StampTemplateService
	Promos       services.StampPromoService
	Orders       services.StampOrderService
	Verification services.StampVerificationService
	Health       services.HealthService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	// Redis is nil unless ESTAMP_REDIS_ADDR is configured.
	Redis redis.UniversalClient

	closers []func(context.Context) error
}

// Option overrides infrastructure that NewContainer would otherwise build from configuration.
type Option func(*containerOptions)

type containerOptions struct {
	registry  repositories.Registry
	store     services.StampDocumentStore
	gateway   services.StampPaymentGateway
	events    services.StampEventPublisher
	redis     redis.UniversalClient
	build     services.BuildInfo
	clock     func() time.Time
	newID     func() string
	withBuild bool
}

// WithRegistry supplies a pre-built repository registry.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithDocumentStore supplies the store issued documents are written to.
func WithDocumentStore(store services.StampDocumentStore) Option {
	return func(o *containerOptions) { o.store = store }
}

// WithPaymentGateway supplies the gateway used to open payment orders.
func WithPaymentGateway(gateway services.StampPaymentGateway) Option {
	return func(o *containerOptions) { o.gateway = gateway }
}

// WithEventPublisher supplies the lifecycle event publisher.
func WithEventPublisher(events services.StampEventPublisher) Option {
	return func(o *containerOptions) { o.events = events }
}

// WithRedisClient supplies a Redis client instead of dialling ESTAMP_REDIS_ADDR.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *containerOptions) { o.redis = client }
}

// WithBuildInfo sets the metadata reported by /healthz.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
		o.withBuild = true
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *containerOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// NewContainer constructs the runtime dependencies from cfg. Anything supplied through options
// takes precedence over the configured backend.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := containerOptions{
		clock: time.Now,
		newID: func() string { return "stp_" + strings.ToLower(ulid.Make().String()) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c := &Container{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.Background())
		}
	}()

	reg := options.registry
	if reg == nil {
		var err error
		reg, err = openRegistry(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, reg.Close)
	}
	c.Repositories = reg

	c.Redis = options.redis
	if c.Redis == nil && cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.Redis = client
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	}

	store := options.store
	if store == nil {
		var (
			closer func(context.Context) error
			err    error
		)
		store, closer, err = openDocumentStore(ctx, cfg, options.clock)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}

	gateway := options.gateway
	if gateway == nil {
		var err error
		gateway, err = buildPaymentGateway(cfg, logger, options.clock)
		if err != nil {
			return nil, err
		}
	}

	events := options.events
	if events == nil && strings.TrimSpace(cfg.PubSub.Topic) != "" && strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		publisher, err := jobs.NewPubSubStampEventPublisher(client.Topic(cfg.PubSub.Topic))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("build stamp event publisher: %w", err)
		}
		events = publisher
		c.closers = append(c.closers, func(context.Context) error {
			publisher.Stop()
			return client.Close()
		})
	}

	svc, err := buildServices(cfg, reg, serviceInfra{
		store:   store,
		gateway: gateway,
		events:  events,
		clock:   options.clock,
		newID:   options.newID,
		logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	build := options.build
	if !options.withBuild {
		build = services.BuildInfo{Environment: cfg.Security.Environment}
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = options.clock()
	}
	healthRepo, err := repositories.NewDependencyHealthRepository(dependencyChecks(reg, c.Redis), options.clock)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	svc.Health, err = services.NewHealthService(services.HealthServiceDeps{
		Dependencies: healthRepo,
		Build:        build,
		Clock:        options.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build health service: %w", err)
	}
	c.Services = svc

	ok = true
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "memory":
		return memory.NewStore(), nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		reg, err := postgres.NewRegistry(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return reg, nil
	case "", "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestorerepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func openDocumentStore(ctx context.Context, cfg config.Config, clock func() time.Time) (services.StampDocumentStore, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "minio":
		store, err := storage.NewMinIOStore(ctx, storage.MinIOStoreConfig{
			Endpoint:             cfg.Storage.MinIOEndpoint,
			AccessKey:            cfg.Storage.MinIOAccessKey,
			SecretKey:            cfg.Storage.MinIOSecretKey,
			Bucket:               cfg.Storage.Bucket,
			Region:               cfg.Storage.MinIORegion,
			UseSSL:               cfg.Storage.MinIOUseSSL,
			ServerSideEncryption: cfg.Storage.MinIOSSE,
			EnsureBucket:         !strings.EqualFold(cfg.Security.Environment, "prod"),
			Clock:                clock,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build minio store: %w", err)
		}
		return store, nil, nil
	case "", "gcs":
		signer, err := storage.LoadServiceAccountSigner(cfg.Storage.SignerKey)
		if err != nil {
			return nil, nil, fmt.Errorf("load storage signer: %w", err)
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("build gcs client: %w", err)
		}
		store, err := storage.NewGCSStore(storage.GCSStoreConfig{
			Client:     client,
			Bucket:     cfg.Storage.Bucket,
			Signer:     signer,
			KMSKeyName: cfg.Storage.KMSKeyName,
			Clock:      clock,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("build gcs store: %w", err)
		}
		return store, func(context.Context) error { return client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func buildPaymentGateway(cfg config.Config, logger *zap.Logger, clock func() time.Time) (*payments.Manager, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.PSP.Provider))
	providers := map[string]payments.Provider{}
	switch provider {
	case "stripe":
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: payments.StripeLogger(observability.EventLogger(logger.Named("stripe"))),
			Clock:  clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers["stripe"] = stripeProvider
	case "", "sandbox":
		provider = "sandbox"
		providers["sandbox"] = payments.NewSandboxProvider(clock)
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.PSP.Provider)
	}
	manager, err := payments.NewManager(providers, payments.WithDefaultProvider(provider))
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

type serviceInfra struct {
	store   services.StampDocumentStore
	gateway services.StampPaymentGateway
	events  services.StampEventPublisher
	clock   func() time.Time
	newID   func() string
	logger  *zap.Logger
}

func buildServices(cfg config.Config, reg repositories.Registry, infra serviceInfra) (Services, error) {
	var svc Services

	templates, err := services.NewStampTemplateService(services.StampTemplateServiceDeps{
		Templates: reg.StampTemplates(),
		Sanitize:  textutil.StripMarkup,
		Clock:     infra.clock,
		Logger:    observability.EventLogger(infra.logger.Named("templates")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build template service: %w", err)
	}
	svc.Templates = templates

	promos, err := services.NewStampPromoService(services.StampPromoServiceDeps{
		Promos: reg.StampPromos(),
		Clock:  infra.clock,
		Logger: observability.EventLogger(infra.logger.Named("promos")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build promo service: %w", err)
	}
	svc.Promos = promos

	pricing, err := services.NewStampPricingEngine(services.StampPricingEngineDeps{
		Promos:           promos,
		Currency:         cfg.PSP.Currency,
		ExpressSurcharge: cfg.Stamps.ExpressSurcharge,
		DoorstepCharge:   cfg.Stamps.DoorstepCharge,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	renderer, err := documents.NewPDFRenderer(documents.PDFRendererConfig{
		IssuerName: cfg.Stamps.IssuerName,
		Locale:     cfg.Stamps.Locale,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build document renderer: %w", err)
	}
	issuer, err := services.NewStampDocumentIssuer(services.StampDocumentIssuerDeps{
		Renderer:      renderer,
		Store:         infra.store,
		Secret:        services.SigningKey(cfg.Stamps.VerificationSecret),
		VerifyBaseURL: cfg.Stamps.VerifyBaseURL,
		URLTTL:        cfg.Storage.PresignTTL,
		Validity:      cfg.Stamps.Validity,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build document issuer: %w", err)
	}

	verifier, err := services.NewHMACPaymentVerifier(services.SigningKey(cfg.Stamps.SigningKey))
	if err != nil {
		return Services{}, fmt.Errorf("build payment verifier: %w", err)
	}

	orders, err := services.NewStampOrderService(services.StampOrderServiceDeps{
		Orders:          reg.StampOrders(),
		Templates:       reg.StampTemplates(),
		Promos:          reg.StampPromos(),
		Pricing:         pricing,
		Gateway:         infra.gateway,
		Verifier:        verifier,
		Issuer:          issuer,
		Events:          infra.events,
		Sanitize:        textutil.StripMarkup,
		GatewayTimeout:  cfg.Stamps.GatewayTimeout,
		IssuanceTimeout: cfg.Stamps.IssuanceTimeout,
		StoreTimeout:    cfg.Stamps.StorageTimeout,
		StuckThreshold:  cfg.Stamps.StuckThreshold,
		Clock:           infra.clock,
		IDGenerator:     infra.newID,
		Logger:          observability.EventLogger(infra.logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	verification, err := services.NewStampVerificationService(services.StampVerificationServiceDeps{
		Orders: reg.StampOrders(),
		Clock:  infra.clock,
		Logger: observability.EventLogger(infra.logger.Named("verification")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build verification service: %w", err)
	}
	svc.Verification = verification

	return svc, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func dependencyChecks(reg repositories.Registry, client redis.UniversalClient) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if p, ok := reg.(pinger); ok {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "store",
			Timeout: storePingTimeout,
			Check:   p.Ping,
		})
	}
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Optional: true,
			Timeout:  redisPingTimeout,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	return checks
}
