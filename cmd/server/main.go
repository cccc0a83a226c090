package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soaringjerry/aimaturity/internal/api"
	"github.com/soaringjerry/aimaturity/internal/app"
	"github.com/soaringjerry/aimaturity/internal/config"
	"github.com/soaringjerry/aimaturity/internal/middleware"
	"github.com/soaringjerry/aimaturity/internal/seed"
	"github.com/soaringjerry/aimaturity/internal/utils"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if cfg.SeedOnStart {
		if err := seed.Apply(ctx, a.Services.Questionnaires); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}
	a.Runner.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("AI maturity server listening on %s (store=%s, queue=%s)", cfg.Addr, cfg.StoreDriver, cfg.QueueDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := a.Queue.Close(); err != nil {
		log.Printf("queue close: %v", err)
	}
	a.Runner.Wait()
	if err := a.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

// newHandler mounts the API, health endpoints and optional frontend on one
// mux wrapped in the middleware chain.
func newHandler(a *app.App) http.Handler {
	cfg := a.Config
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Printf("server: ignoring trusted proxies: %v", err)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst).WithTrustedProxies(proxies)
	mux := http.NewServeMux()
	api.NewRouter(a.Services,
		api.WithQueue(a.Queue),
		api.WithJWTSecret([]byte(cfg.JWTSecret)),
		api.WithRateLimiter(limiter),
	).Register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		locale := middleware.LocaleFromContext(r.Context())
		ok := true
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.Ping(pingCtx); err != nil {
			log.Printf("health: store ping: %v", err)
			ok = false
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         ok,
			"name":       "AI Maturity API",
			"locale":     locale,
			"msg":        utils.T(locale, "health.ok"),
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})

	// Frontend serving strategy (priority):
	// 1) Static files if static_dir is set (fullstack image)
	// 2) Dev proxy if dev_frontend_url is set (proxy / to Vite dev)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	} else if cfg.DevFrontendURL != "" {
		if u, err := url.Parse(cfg.DevFrontendURL); err == nil {
			rp := httputil.NewSingleHostReverseProxy(u)
			rp.ModifyResponse = func(res *http.Response) error {
				res.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
				res.Header.Set("Pragma", "no-cache")
				res.Header.Set("Expires", "0")
				return nil
			}
			mux.Handle("/", rp)
		} else {
			log.Printf("invalid dev_frontend_url=%q: %v", cfg.DevFrontendURL, err)
		}
	}

	return middleware.Chain(mux,
		middleware.RequestLogger,
		middleware.CORS(cfg.CORSOrigins),
		middleware.SecureHeaders,
		middleware.NoStore,
		middleware.LocaleMiddleware,
	)
}
