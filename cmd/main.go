package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/l0p7/coinscope/internal/cache"
	"github.com/l0p7/coinscope/internal/config"
	"github.com/l0p7/coinscope/internal/explorer"
	"github.com/l0p7/coinscope/internal/fetch"
	"github.com/l0p7/coinscope/internal/logging"
	"github.com/l0p7/coinscope/internal/market"
	"github.com/l0p7/coinscope/internal/metrics"
	"github.com/l0p7/coinscope/internal/proxy"
	"github.com/l0p7/coinscope/internal/safety"
	"github.com/l0p7/coinscope/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "COINSCOPE", "environment variable prefix")
		envFile    = flag.String("env-file", ".env", "dotenv file loaded before configuration; missing files are ignored")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("failed to load env file %s: %v", *envFile, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	app, err := buildApp(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer app.close(logger)

	handler := server.NewRouter(app.routes, server.RouterOptions{
		Logger:            logger,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// application holds the wired handlers plus the resources released on shutdown.
type application struct {
	routes   server.Routes
	caches   []*cache.ResponseCache
	watchers []*config.ChecksWatcher
}

func (a *application) close(logger *slog.Logger) {
	for _, w := range a.watchers {
		w.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, rc := range a.caches {
		if err := rc.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*application, error) {
	app := &application{}
	cacheLogger := logger.With(slog.String("agent", "cache_factory"))

	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout()}
	limiter := fetch.NewLimiter(cfg.Upstream.RateLimit.RequestsPerMinute, cfg.Upstream.RateLimit.Burst)
	newFetcher := func(headers map[string]string) *fetch.Fetcher {
		return fetch.New(fetch.Options{
			Client:      httpClient,
			MaxAttempts: cfg.Upstream.Retry.MaxAttempts,
			BaseDelay:   cfg.Upstream.Retry.BaseDelay(),
			Limiter:     limiter,
			Headers:     headers,
			Logger:      logger,
			Metrics:     recorder,
		})
	}

	marketHeaders := map[string]string{}
	if header := strings.TrimSpace(cfg.Upstream.MarketData.APIKeyHeader); header != "" {
		marketHeaders[header] = cfg.Upstream.MarketData.APIKey
	}
	marketFetcher := newFetcher(marketHeaders)
	// Explorer, subgraph and GitHub calls must not carry the market-data key.
	plainFetcher := newFetcher(nil)

	proxyCache := cache.NewResponseCache(cache.Options{
		Name:     "proxy",
		Store:    buildResponseStore(cacheLogger, cfg.Server.Cache, cfg.Server.Cache.KeyPrefix+"proxy:", cfg.Server.Cache.CacheTTL()),
		TTL:      cfg.Server.Cache.CacheTTL(),
		Coalesce: cfg.Server.Cache.Coalesce,
		Logger:   logger,
		Metrics:  recorder,
	})
	safetyCache := cache.NewResponseCache(cache.Options{
		Name:     "safety",
		Store:    buildResponseStore(cacheLogger, cfg.Server.Cache, cfg.Server.Cache.KeyPrefix+"safety:", cfg.Safety.CacheTTL()),
		TTL:      cfg.Safety.CacheTTL(),
		Coalesce: cfg.Server.Cache.Coalesce,
		Logger:   logger,
		Metrics:  recorder,
	})
	app.caches = append(app.caches, proxyCache, safetyCache)
	for _, rc := range app.caches {
		cacheLogger.Info("response cache ready", slog.String("cache", rc.Name()), slog.Duration("ttl", rc.TTL()))
	}
	logger.Info("upstream fetcher configured",
		slog.Int("max_attempts", marketFetcher.MaxAttempts()),
		slog.Int("requests_per_minute", cfg.Upstream.RateLimit.RequestsPerMinute),
	)
	app.routes.Health = healthHandler(logger, app.caches)

	proxyClient, err := market.NewClient(market.ClientOptions{
		BaseURL: cfg.Upstream.MarketData.BaseURL,
		Fetcher: marketFetcher,
		Cache:   proxyCache,
	})
	if err != nil {
		return nil, err
	}
	safetyClient, err := market.NewClient(market.ClientOptions{
		BaseURL:  cfg.Upstream.MarketData.BaseURL,
		Fetcher:  marketFetcher,
		Cache:    safetyCache,
		KeyByURL: true,
	})
	if err != nil {
		return nil, err
	}

	marketHandler := market.NewHandler(proxyClient, logger)
	app.routes.Proxy = proxy.NewHandler(proxyClient, logger)
	app.routes.Coins = http.HandlerFunc(marketHandler.ServeCoins)
	app.routes.Coin = http.HandlerFunc(marketHandler.ServeCoin)

	aggregatorOpts := safety.Options{
		Coins:   safetyClient,
		Logger:  logger,
		Metrics: recorder,
	}
	if graphURL := strings.TrimSpace(cfg.Safety.Liquidity.GraphURL); graphURL != "" {
		pools, err := safety.NewLiquiditySource(plainFetcher, graphURL, cfg.Safety.Liquidity.QueryTemplate)
		if err != nil {
			return nil, fmt.Errorf("liquidity source: %w", err)
		}
		aggregatorOpts.Liquidity = pools
	} else {
		logger.Warn("no liquidity subgraph configured; liquidity scores will be zero")
	}
	token := ""
	if env := strings.TrimSpace(cfg.Safety.Developer.TokenEnv); env != "" {
		token = os.Getenv(env)
	}
	commits, err := safety.NewGitHubActivity(ctx, cfg.Safety.Developer.APIURL, token, cfg.Safety.Developer.PerPage, httpClient)
	if err != nil {
		return nil, fmt.Errorf("github client: %w", err)
	}
	aggregatorOpts.Commits = commits
	app.routes.SafetyScore = safety.NewHandler(safety.NewAggregator(aggregatorOpts), logger)

	if strings.TrimSpace(cfg.Explorer.BaseURL) == "" {
		logger.Warn("no explorer configured; contract and liquidity routes disabled")
		return app, nil
	}
	explorerClient, err := explorer.NewClient(cfg.Explorer.BaseURL, cfg.Explorer.APIKey, plainFetcher)
	if err != nil {
		return nil, err
	}
	analyzer, err := explorer.NewAnalyzer(explorerClient, logger)
	if err != nil {
		return nil, err
	}
	locks, err := explorer.NewLockChecker(explorerClient, cfg.Explorer.LockAddress)
	if err != nil {
		return nil, err
	}
	explorerHandler := explorer.NewHandler(analyzer, locks, logger)
	app.routes.Contract = http.HandlerFunc(explorerHandler.ServeContract)
	app.routes.Liquidity = http.HandlerFunc(explorerHandler.ServeLiquidity)

	if path := strings.TrimSpace(cfg.Analysis.ChecksFile); path != "" {
		checksLogger := logger.With(slog.String("agent", "checks_watcher"), slog.String("path", path))
		watcher, err := config.WatchChecks(ctx, path, func(checks map[string]string) {
			if err := analyzer.SetExtraChecks(checks); err != nil {
				checksLogger.Error("contract checks rejected", slog.Any("error", err))
				return
			}
			checksLogger.Info("contract checks loaded", slog.Int("checks", len(checks)))
		}, func(err error) {
			if err != nil {
				checksLogger.Error("checks watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			checksLogger.Error("checks watcher setup failed", slog.Any("error", err))
		} else {
			app.watchers = append(app.watchers, watcher)
		}
	}

	return app, nil
}

// healthHandler reports liveness plus the entry count of each response cache.
// A cache whose backend cannot be sized is left out rather than failing the check.
func healthHandler(logger *slog.Logger, caches []*cache.ResponseCache) http.Handler {
	healthLogger := logger.With(slog.String("agent", "health"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sizes := make(map[string]int64, len(caches))
		for _, rc := range caches {
			size, err := rc.Size(r.Context())
			if err != nil {
				healthLogger.Warn("cache size unavailable", slog.String("cache", rc.Name()), slog.Any("error", err))
				continue
			}
			sizes[rc.Name()] = size
		}
		server.WriteJSON(w, healthLogger, http.StatusOK, map[string]any{"status": "ok", "caches": sizes})
	})
}

// buildResponseStore picks the configured backend. Redis failures fall back to
// memory so the dashboard keeps serving.
func buildResponseStore(logger *slog.Logger, cfg config.ServerCacheConfig, keyPrefix string, ttl time.Duration) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory response cache", slog.String("prefix", keyPrefix), slog.Duration("ttl", ttl))
		}
		return cache.NewMemory()
	case "redis":
		// Entries are judged fresh by their own timestamp; the key expiry only
		// reclaims space, so it outlives the TTL.
		var expiry time.Duration
		if ttl > 0 {
			expiry = 2 * ttl
		}
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			KeyPrefix: keyPrefix,
			Expiry:    expiry,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address), slog.String("prefix", keyPrefix))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
