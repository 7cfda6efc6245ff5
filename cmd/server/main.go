package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/parcelshare/ledger-engine/internal/keylock"
	"github.com/parcelshare/ledger-engine/internal/ledger"
	"github.com/parcelshare/ledger-engine/internal/metrics"
	"github.com/parcelshare/ledger-engine/internal/payment"
	"github.com/parcelshare/ledger-engine/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Payment gateway ---
	var gw payment.Gateway
	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		refreshURL := os.Getenv("STRIPE_ONBOARDING_REFRESH_URL")
		returnURL := os.Getenv("STRIPE_ONBOARDING_RETURN_URL")
		if refreshURL == "" || returnURL == "" {
			slog.Error("STRIPE_ONBOARDING_REFRESH_URL and STRIPE_ONBOARDING_RETURN_URL are required with STRIPE_SECRET_KEY")
			os.Exit(1)
		}
		gw = payment.NewStripeGateway(key, refreshURL, returnURL)
		slog.Info("Stripe gateway configured")
	} else {
		slog.Error("STRIPE_SECRET_KEY not set")
		os.Exit(1)
	}

	// Keyed locks shared between the ledger and payment services so cash
	// and share operations on the same user serialize.
	locks := keylock.NewMap()

	// --- WebSocket hub ---
	hub := ledger.NewHub()
	go hub.Run()

	// --- Services ---
	ledgerSvc := ledger.NewService(st, locks, hub)
	paymentSvc := payment.NewService(st, gw, locks)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", hub.HandleWS)

		// Property inventory management.
		r.Get("/properties", ledgerSvc.HandleListProperties)
		r.Post("/properties", ledgerSvc.HandleCreateProperty)
		r.Get("/properties/{propertyID}", ledgerSvc.HandleGetProperty)
		r.Put("/properties/{propertyID}/value", ledgerSvc.HandleUpdatePropertyValue)
		r.Put("/properties/{propertyID}/investments", ledgerSvc.HandleSetInvestments)
		r.Post("/properties/{propertyID}/revalue", ledgerSvc.HandleRevalueProperty)

		// Account bootstrap.
		r.Post("/accounts", ledgerSvc.HandleCreateAccount)

		// Investment operations.
		r.Post("/investments", ledgerSvc.HandleInvest)
		r.Post("/investments/sell", ledgerSvc.HandleSell)
		r.Post("/investments/sell/request", ledgerSvc.HandleRequestSell)
		r.Post("/investments/sell/approve", ledgerSvc.HandleApproveSell)
		r.Get("/investments/sell/pending", ledgerSvc.HandlePendingSells)

		// Per-user read paths.
		r.Get("/users/{userID}/positions", ledgerSvc.HandleGetPositions)
		r.Get("/users/{userID}/portfolio", ledgerSvc.HandleGetPortfolio)
		r.Get("/users/{userID}/payments", paymentSvc.HandleListPayments)

		// Cash operations.
		r.Post("/payments/deposit", paymentSvc.HandleDeposit)
		r.Post("/payments/withdraw", paymentSvc.HandleWithdraw)
		r.Post("/payments/refund", paymentSvc.HandleRefund)
		r.Post("/payments/webhook", paymentSvc.HandleWebhook)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
