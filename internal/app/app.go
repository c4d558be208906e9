// Package app assembles the identity core from configuration. It is shared by
// the API server and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/config"
	"sweepdesk.io/internal/ids"
	"sweepdesk.io/internal/obs"
	"sweepdesk.io/internal/ratelimit"
	"sweepdesk.io/internal/store/mem"
	"sweepdesk.io/internal/store/pg"
)

const (
	redisKeyPrefix   = "sweepdesk:ratelimit:"
	memoryLimiterCap = 100_000
	auditWriteBudget = 5 * time.Second
)

// App holds the assembled components.
type App struct {
	Config   config.Config
	Catalog  *auth.Catalog
	Verifier *auth.Verifier
	Tokens   *auth.TokenService
	Core     *access.Core
	Audit    audit.Store
	Emitter  *audit.Emitter
	Limiter  ratelimit.Limiter

	// DB and Gateway are nil when running on the in-memory stores.
	DB      *sql.DB
	Gateway *pg.Gateway

	redis *ratelimit.Redis
}

type stores struct {
	users    auth.UserStore
	sessions auth.SessionStore
	orgs     auth.OrganizationStore
	audit    audit.Store
}

// LoadCatalog reads the catalog at path, or the embedded default when path is
// empty.
func LoadCatalog(path string) (*auth.Catalog, error) {
	if path == "" {
		return auth.DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return auth.LoadCatalog(data)
}

// Build connects storage and wires the identity core.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	catalog, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	if err := catalog.ValidateBuiltins(); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	a.Catalog = catalog

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.Audit = st.audit

	if err := a.openLimiter(ctx); err != nil {
		return nil, err
	}

	var vopts []auth.VerifierOption
	if cfg.ProxySecret != "" {
		vopts = append(vopts, auth.WithProxySecret([]byte(cfg.ProxySecret), cfg.ProxySkew))
	}
	if cfg.CapabilityKey != "" {
		vopts = append(vopts, auth.WithCapabilityKey(cfg.CapabilityKey, cfg.CapabilityOrg))
	}
	if a.Verifier, err = auth.NewVerifier(st.users, st.orgs, catalog, vopts...); err != nil {
		return nil, err
	}
	if a.Tokens, err = auth.NewTokenService(st.sessions, []byte(cfg.TokenSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	); err != nil {
		return nil, err
	}

	a.Emitter = audit.NewEmitter(
		[]audit.Sink{audit.LogSink{}, audit.StoreSink{Store: st.audit}},
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithWriteTimeout(auditWriteBudget),
	)

	copts := []access.Option{
		access.WithRecorder(a.Emitter),
		access.WithLoginLimiter(a.Limiter, cfg.LoginLimit, cfg.LoginWindow),
		access.WithDefaultOrganization(cfg.DefaultOrg),
		access.WithInsecureDevAuth(cfg.InsecureDevAuth),
	}
	if a.Gateway != nil {
		copts = append(copts, access.WithScoper(a.Gateway))
	}
	if a.Core, err = access.New(a.Verifier, a.Tokens, catalog, copts...); err != nil {
		return nil, err
	}
	if cfg.InsecureDevAuth {
		obs.Warn("insecure_dev_auth_enabled", map[string]any{"environment": cfg.Environment})
	}
	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.Config
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return stores{}, fmt.Errorf("open postgres: %w", err)
		}
		a.DB = db
		if err := pg.Ping(ctx, db); err != nil {
			return stores{}, fmt.Errorf("ping postgres: %w", err)
		}
		a.Gateway = pg.NewGateway(db)
		return stores{
			users:    pg.NewUserStore(a.Gateway),
			sessions: pg.NewSessionStore(a.Gateway),
			orgs:     pg.NewOrganizationStore(a.Gateway),
			audit:    pg.NewAuditStore(a.Gateway),
		}, nil
	}

	obs.Warn("memory_stores", map[string]any{"environment": cfg.Environment})
	users := mem.NewUsers()
	if cfg.BootstrapLogin != "" {
		if err := bootstrapSuper(users, cfg.BootstrapLogin, cfg.BootstrapPassword); err != nil {
			return stores{}, err
		}
	}
	return stores{
		users:    users,
		sessions: mem.NewSessions(),
		orgs:     mem.NewOrganizations(),
		audit:    mem.NewAuditLog(),
	}, nil
}

func bootstrapSuper(users *mem.Users, login, password string) error {
	hash, err := auth.NewPasswordHasher(auth.Argon2Params{}).Hash(password)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	now := time.Now().UTC()
	users.Put(auth.User{
		ID:           ids.New(),
		Login:        login,
		Kind:         auth.KindAdministrator,
		Role:         auth.RoleSuper,
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	obs.Info("bootstrap_super_created", map[string]any{"login": login})
	return nil
}

func (a *App) openLimiter(ctx context.Context) error {
	if a.Config.RedisAddr == "" {
		a.Limiter = ratelimit.NewMemory(nil, memoryLimiterCap)
		return nil
	}
	r, err := ratelimit.NewRedis(a.Config.RedisAddr, a.Config.RedisPassword, 0, redisKeyPrefix)
	if err != nil {
		return err
	}
	a.redis = r
	if err := r.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Limiter = r
	return nil
}

// Ready reports whether the backing stores answer.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.Gateway != nil {
		if err := a.Gateway.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SweepSessions revokes expired sessions every interval until ctx ends.
func (a *App) SweepSessions(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.Tokens.Sweep(ctx)
			if err != nil {
				obs.Warn("session_sweep_failed", map[string]any{"error": err})
				continue
			}
			if n > 0 {
				obs.Info("sessions_swept", map[string]any{"count": n})
			}
		}
	}
}

// Close drains the audit queue and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Emitter != nil {
		if err := a.Emitter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain audit: %w", err))
		}
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
