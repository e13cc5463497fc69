// Command accesstoken obtains an access token from the payment platform and
// prints it. With -payment it also posts a payment request read from a JSON
// file; with -serve it keeps the token fresh and exposes metrics until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"epayment-client/internal/async"
	"epayment-client/internal/circuitbreaker"
	"epayment-client/internal/client"
	commonhttp "epayment-client/internal/common/http"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/common/ratelimit"
	"epayment-client/internal/config"
	"epayment-client/internal/locks"
	"epayment-client/internal/merchant"
	"epayment-client/internal/metrics"
	"epayment-client/internal/middleware"
	"epayment-client/internal/oauth2"
	"epayment-client/internal/redis"
)

func main() {
	if err := run(); err != nil {
		log.Printf("accesstoken: %v", err)
		os.Exit(1)
	}
}

func run() error {
	paymentFile := flag.String("payment", "", "post the JSON payment request in this file")
	correlationID := flag.String("correlation-id", "", "correlation id for -payment (generated when empty)")
	serveAddr := flag.String("serve", "", "keep the token fresh and serve /metrics and /healthz on this address")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.InitGlobalLogger(cfg.LogLevel, nil)
	defer logging.MustSync()

	limiter, err := ratelimit.New(cfg.RateLimit())
	if err != nil {
		return fmt.Errorf("invalid rate limit: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.APIConfig, logger)
	if tokenHost, apiHost := host(cfg.TokenURL), host(cfg.BaseURL); tokenHost != apiHost {
		breakers.Configure(tokenHost, circuitbreaker.TokenConfig)
	}

	transport := commonhttp.NewTransport(
		commonhttp.WithHTTPClient(commonhttp.NewHTTPClientWithTimeout(cfg.HTTPTimeout)),
		commonhttp.WithBreakers(breakers),
		commonhttp.WithRateLimiter(limiter),
		commonhttp.WithLogger(logger),
	)

	backend, err := newTokenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	m := metrics.New()

	var fetcher oauth2.Fetcher = oauth2.NewHTTPFetcher(cfg.Credentials(), transport, nil, logger)
	if backend.store != nil {
		fetcher = oauth2.NewStoreFetcher(fetcher, backend.store, cfg.ClientID, oauth2.StoreFetcherConfig{
			Locker: backend.locker,
			Logger: logger,
		})
	}
	manager := oauth2.NewManager(fetcher, oauth2.ManagerConfig{
		Backoff: cfg.Backoff,
		Logger:  logger,
		Metrics: m,
	})

	clientConfig := client.Config{
		BaseURL:         cfg.BaseURL,
		SubscriptionKey: cfg.SubscriptionKey,
		TokenTimeout:    cfg.TokenTimeout,
		Backoff:         cfg.Backoff,
		Logger:          logger,
		Metrics:         m,
	}
	if err := clientConfig.Validate(); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}
	merchantClient := merchant.New(client.NewBaseClient(clientConfig, manager, transport))
	defer merchantClient.Close()

	token, err := oauth2.NewRetriever(manager).Get(cfg.TokenTimeout)
	if err != nil {
		logger.Error("Failed to obtain access token", err)
		return err
	}
	fmt.Println(token.Value)
	logger.Info("Access token obtained",
		logging.String("token", token.String()),
		logging.Duration("remaining", time.Until(token.ExpiresAt)),
	)

	if *paymentFile != "" {
		if err := postPayment(merchantClient, *paymentFile, *correlationID); err != nil {
			logger.Error("Payment failed", err)
			return err
		}
	}

	if *serveAddr != "" {
		return serve(*serveAddr, manager, breakers, backend.health, m, logger)
	}
	return nil
}

// tokenBackend is the configured token store with what goes along with it.
// A Redis store is shared between processes and comes with a refresh lock.
type tokenBackend struct {
	store  oauth2.TokenStore
	locker locks.Locker
	// health is nil when the store has no connection to check
	health func() error
	close  func()
}

func newTokenStore(cfg *config.Config, logger logging.Logger) (*tokenBackend, error) {
	switch cfg.TokenStore {
	case config.TokenStoreMemory:
		return &tokenBackend{store: oauth2.NewMemoryTokenStore(), close: func() {}}, nil
	case config.TokenStoreRedis:
		rc, err := redis.NewClient(cfg.Redis())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		locker, err := locks.NewRedsyncLocker(rc, locks.WithPrefix("epayment:lock:"))
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to create refresh lock: %w", err)
		}
		logger.Info("Using Redis token store", logging.String("address", cfg.RedisAddress))
		return &tokenBackend{
			store:  oauth2.NewRedisTokenStore(rc, nil),
			locker: locker,
			health: rc.Health,
			close:  func() { _ = rc.Close() },
		}, nil
	default:
		return &tokenBackend{close: func() {}}, nil
	}
}

func postPayment(mc *merchant.Client, path, correlationID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read payment request: %w", err)
	}

	var request json.RawMessage
	if err := json.Unmarshal(data, &request); err != nil {
		return fmt.Errorf("payment request is not valid JSON: %w", err)
	}

	ctx := context.Background()
	outcome, err := async.Await(ctx, mc.PaymentSimple(ctx, request, correlationID))
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func serve(addr string, manager *oauth2.Manager, breakers *circuitbreaker.Registry, storeHealth func() error, m *metrics.Metrics, logger logging.Logger) error {
	router := mux.NewRouter()
	router.Use(middleware.Logging(logger))
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		healthy := true
		body := map[string]interface{}{
			"token_state": manager.State().String(),
			"breakers":    breakers.Stats(),
		}
		if _, ok := manager.Current(); !ok {
			healthy = false
		}
		if storeHealth != nil {
			body["token_store"] = "ok"
			if err := storeHealth(); err != nil {
				healthy = false
				body["token_store"] = err.Error()
			}
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", logging.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", err)
		return err
	}
	return nil
}
