// Command edgekit runs a reference service with the rate limiting and response
// cache layers in front of a small strain catalog and a login endpoint.
//
// Configuration is read from the optional YAML file given with -config and
// from the environment (REDIS_URL, EDGEKIT_*).
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/growcircle/edgekit"
	"github.com/growcircle/edgekit/config"
	"github.com/growcircle/edgekit/logging"
	"github.com/growcircle/edgekit/metrics"
	"github.com/growcircle/edgekit/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	printConfig := flag.Bool("print-config", false, "print the default configuration and exit")
	flag.Parse()

	if *printConfig {
		data, err := config.Example()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.Level(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedis(store.RedisConfig{
		URL:       cfg.Redis.URL,
		Prefix:    cfg.Redis.Prefix,
		OpTimeout: cfg.Redis.OpTimeout,
		PoolSize:  cfg.Redis.PoolSize,
	}, store.WithLogger(logging.NewLogger("store")))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	limiters, err := edgekit.NewRateLimiters(st, cfg.Policies(),
		edgekit.RateLimitWithMetrics(m),
		edgekit.RateLimitWithLogger(logging.NewLogger("ratelimit")),
	)
	if err != nil {
		return fmt.Errorf("failed to build rate limiters: %w", err)
	}

	cache := edgekit.NewCache(st,
		edgekit.CacheWithNamespace(cfg.Cache.Namespace),
		edgekit.CacheWithMaxBodySize(cfg.Cache.MaxBodySize),
		edgekit.CacheWithMetrics(m),
		edgekit.CacheWithLogger(logging.NewLogger("cache")),
	)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      newRouter(cfg, st, limiters, cache),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Strs("policies", limiters.Names()).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		st.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	return shutdown(logger, srv, st, cfg.Server.ShutdownTimeout)
}

// shutdown drains in-flight requests before the store goes away, so no
// request sees a closed connection.
func shutdown(logger zerolog.Logger, srv *http.Server, st *store.Redis, timeout time.Duration) error {
	logger.Info().Dur("timeout", timeout).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

const maxRequestBody = 64 << 10

func newRouter(cfg *config.Config, st *store.Redis, limiters *edgekit.RateLimiters, cache *edgekit.Cache) http.Handler {
	r := chi.NewRouter()
	r.Use(edgekit.Handler(edgekit.WithCanonlog(), edgekit.WithRequestID()))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		edgekit.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			edgekit.SetError(r, edgekit.ErrServiceUnavailable.With("Store not reachable"))
			return
		}
		edgekit.SetResponse(r, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	strains := newStrainHandlers(newStrainCatalog(), cache, cfg.Cache.DefaultTTL)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiters.Handler(edgekit.PolicyAPI))
		r.Use(edgekit.MaxBodySize(maxRequestBody))

		r.With(limiters.Handler(edgekit.PolicyAuth)).Post("/auth/login", login)

		r.Route("/strains", func(r chi.Router) {
			r.With(cache.Middleware(cfg.Cache.DefaultTTL)).Get("/", strains.list)
			r.With(cache.Middleware(cfg.Cache.DefaultTTL)).Get("/{id}", strains.get)
			r.Post("/", strains.create)
			r.Delete("/{id}", strains.delete)
		})
	})

	if cfg.Server.AdminToken != "" {
		token := cfg.Server.AdminToken
		r.Route("/admin", func(r chi.Router) {
			r.Use(edgekit.BearerToken(func(t string) (string, bool) {
				if subtle.ConstantTimeCompare([]byte(t), []byte(token)) != 1 {
					return "", false
				}
				return "admin", true
			}))
			r.Use(limiters.Handler(edgekit.PolicyAdmin))
			r.Mount("/", edgekit.AdminRoutes(cache, limiters))
		})
	}

	return r
}
