package trustkit

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Env is the process-level wiring read from the environment by services
// embedding the Core. It covers infrastructure handles and the knobs
// operators most often tune; everything else stays programmatic Config.
type Env struct {
	DatabaseDSN   string `env:"TRUSTKIT_DATABASE_DSN,required"`
	RedisAddr     string `env:"TRUSTKIT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"TRUSTKIT_REDIS_PASSWORD"`
	RedisDB       int    `env:"TRUSTKIT_REDIS_DB" envDefault:"0"`

	SessionLifetime      time.Duration `env:"TRUSTKIT_SESSION_LIFETIME" envDefault:"720h"`
	SessionMaxPerUser    int           `env:"TRUSTKIT_SESSION_MAX_PER_USER" envDefault:"0"`
	RequireVerifiedEmail bool          `env:"TRUSTKIT_REQUIRE_VERIFIED_EMAIL" envDefault:"true"`
	TwoFactorIssuer      string        `env:"TRUSTKIT_TOTP_ISSUER" envDefault:"trustkit"`
	CacheOpTimeout       time.Duration `env:"TRUSTKIT_CACHE_OP_TIMEOUT" envDefault:"250ms"`
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Config projects the environment overrides onto the default Config.
func (e Env) Config() Config {
	cfg := defaultConfig()
	cfg.Session.Lifetime = e.SessionLifetime
	cfg.Session.MaxPerUser = e.SessionMaxPerUser
	cfg.Login.RequireVerifiedEmail = e.RequireVerifiedEmail
	cfg.TwoFactor.Issuer = e.TwoFactorIssuer
	cfg.Cache.OpTimeout = e.CacheOpTimeout
	return cfg
}
