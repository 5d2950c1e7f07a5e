package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/admin"
	"github.com/nulpointcorp/llm-gateway/internal/adminauth"
	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// initInfra establishes optional external connections. Redis is required
// whenever either the cache or the store is configured to use it.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.Store.Mode == "redis"
	if !needsRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; this returns an error when the map comes out empty.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	a.translators = make(map[string]proxy.Translator, len(a.provs))
	for name, p := range a.provs {
		a.translators[name] = proxy.NewProviderTranslator(p)
	}

	return nil
}

// initServices creates the persistence store, the Prometheus registry, and
// the async request logger.
func (a *App) initServices(ctx context.Context) error {
	st, err := buildStore(ctx, a.cfg, a.rdb)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.store = st
	a.log.Info("store backend", slog.String("mode", a.cfg.Store.Mode))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	rl, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = rl

	return nil
}

// buildStore constructs the Store implementation selected by cfg.Store.Mode.
// When a Redis connection was already opened by initInfra it is reused
// rather than dialing a second client.
func buildStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Store.Mode {
	case "file":
		return store.NewFileStore(cfg.Store.FilePath)
	case "redis":
		if rdb != nil {
			return store.NewRedisStoreFromClient(rdb), nil
		}
		return store.NewRedisStoreFromURL(ctx, cfg.Redis.URL)
	case "clickhouse":
		return store.NewClickHouseStore(ctx, cfg.Store.ClickHouseDSN)
	case "none", "":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store mode: %s", cfg.Store.Mode)
	}
}

// initGateway wires together the Gateway with every configured subsystem:
// the mutable gateway document (virtual keys, backends, router rules,
// pricing), the budget ledgers, rate limiter, response cache, health
// tracker, audit log, and finally the admin plane.
func (a *App) initGateway(ctx context.Context) error {
	doc, err := config.LoadGatewayDocument(a.cfg.GatewayConfigFile)
	if err != nil {
		return fmt.Errorf("gateway document: %w", err)
	}

	keys := proxy.NewKeyIndex(a.store)
	if err := keys.Load(ctx); err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	if len(doc.VirtualKeys) > 0 {
		if err := keys.Replace(ctx, doc.VirtualKeys); err != nil {
			return fmt.Errorf("install keys from gateway document: %w", err)
		}
	}

	backends := proxy.NewBackendRegistry()
	backends.Replace(doc.Backends, doc.Router)

	priceTable := pricing.NewTable(doc.Pricing)

	health := router.NewHealthTracker(router.HealthConfig{
		FailureThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
		CooldownSeconds:  int64(a.cfg.CircuitBreaker.HalfOpenTimeout.Seconds()),
	})

	clock := domain.RealClock{}
	tokenLedger := budget.New(clock)
	costLedger := budget.New(clock)

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if a.rdb != nil {
		limiter = ratelimit.NewRedisLimiter(a.rdb)
	}

	var globalRPM *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		globalRPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("global RPM limiter enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	respCache := npCache.NewResponseCache(clock)

	var cacheExclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		cacheExclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	var sharedCache store.ProxyCacheStore
	if a.cfg.Store.Mode == "redis" || a.cfg.Store.Mode == "file" {
		sharedCache = a.store
	}

	auditLog := audit.NewLog(a.store)

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     512,
		ReadTimeout:         a.cfg.Failover.ProviderTimeout,
		WriteTimeout:        a.cfg.Failover.ProviderTimeout,
		MaxIdleConnDuration: 90 * time.Second,
	}

	gw := proxy.NewGateway(proxy.GatewayOptions{
		Keys:                   keys,
		Backends:               backends,
		Pricing:                priceTable,
		Health:                 health,
		TokenLedger:            tokenLedger,
		CostLedger:             costLedger,
		RateLimiter:            limiter,
		RespCache:              respCache,
		SharedCache:            sharedCache,
		Estimator:              tokencount.NewEstimator(),
		AuditLog:               auditLog,
		Metrics:                a.prom,
		HTTPClient:             httpClient,
		Translators:            a.translators,
		Log:                    a.log,
		ReqLogger:              a.reqLogger,
		GlobalRPM:              globalRPM,
		DefaultMaxOutputTokens: 256,
		MaxAttempts:            a.cfg.Failover.MaxRetries,
		CORSOrigins:            a.cfg.CORSOrigins,
		CacheExclusions:        cacheExclusions,
	})
	a.gw = gw

	a.healthChecker = proxy.NewHealthChecker(gw, a.cfg.CircuitBreaker.TimeWindow, a.cfg.Failover.ProviderTimeout)

	if a.cfg.Admin.Enabled() {
		verifier := adminauth.NewVerifier(a.cfg.Admin.ReadToken, a.cfg.Admin.WriteToken, a.cfg.Admin.JWTSecret)
		a.admin = &proxy.AdminHandlers{
			H: &admin.Handlers{
				Auth:        verifier,
				Keys:        keys,
				TokenLedger: tokenLedger,
				CostLedger:  costLedger,
				Health:      health,
				Cache:       sharedCache,
				AuditLg:     auditLog,
				Store:       a.store,
			},
			BackendNames:      backends.Names(),
			ReservationMaxAge: a.cfg.ReservationMaxAge,
		}
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
