package trustkit

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/trustkit/trustkit/cache"
	"github.com/trustkit/trustkit/internal/rate"
	"github.com/trustkit/trustkit/password"
)

// Builder assembles a Core. Dependencies are injected exactly once; Build
// validates the configuration and wires the collaborators.
type Builder struct {
	config Config

	storage       Storage
	redis         redis.UniversalClient
	auditSink     AuditSink
	mailerFactory MailerFactory
	scheduler     Scheduler

	built bool
}

// New returns a Builder loaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStorage injects the authoritative store, typically store.Open's
// result or an in-memory fake in tests.
func (b *Builder) WithStorage(s Storage) *Builder {
	b.storage = s
	return b
}

// WithRedis injects the shared Redis client used by the revocation cache,
// the pending ticket store, and the rate limiter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMailerFactory defers mailer construction until the first delivery
// request. The Core resolves the factory once and owns the handle.
func (b *Builder) WithMailerFactory(factory MailerFactory) *Builder {
	b.mailerFactory = factory
	return b
}

func (b *Builder) WithScheduler(s Scheduler) *Builder {
	b.scheduler = s
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and returns a ready Core. A Builder is
// single-use.
func (b *Builder) Build() (*Core, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	if b.storage == nil {
		return nil, errors.New("storage required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	// The dummy hash gives failed lookups the same verification cost as a
	// real account with a real password.
	dummyHash, err := hasher.Hash("trustkit-dummy-credential")
	if err != nil {
		return nil, err
	}

	rules := make(map[string]rate.Rule, len(cfg.RateLimit.Rules))
	for action, rule := range cfg.RateLimit.Rules {
		rules[action] = rate.Rule{MaxAttempts: rule.MaxAttempts, Window: rule.Window}
	}

	core := &Core{
		config:  cfg,
		storage: b.storage,
		redis:   b.redis,
		revocations: cache.New(b.redis, cfg.Cache.RevocationPrefix,
			cfg.Cache.OpTimeout, cfg.Cache.HealthTimeout),
		tickets: newTicketStore(b.redis, cfg.Cache.TicketPrefix),
		limiter: rate.New(b.redis, rate.Config{
			Prefix:    cfg.Cache.LimiterPrefix,
			OpTimeout: cfg.Cache.OpTimeout,
			Default:   rate.Rule{MaxAttempts: cfg.RateLimit.Default.MaxAttempts, Window: cfg.RateLimit.Default.Window},
			Rules:     rules,
		}),
		totp:          newTOTPManager(cfg.TwoFactor),
		hasher:        hasher,
		audit:         newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:       NewMetrics(cfg.Metrics),
		mailerFactory: b.mailerFactory,
		scheduler:     b.scheduler,
		dummyHash:     dummyHash,
	}

	b.built = true
	return core, nil
}
