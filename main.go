package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"stemAttendanceAPI/handlers"
	"stemAttendanceAPI/internal/cache"
	"stemAttendanceAPI/internal/config"
	"stemAttendanceAPI/internal/logger"
	"stemAttendanceAPI/internal/qr"
	"stemAttendanceAPI/internal/queue"
	"stemAttendanceAPI/internal/store"
	"stemAttendanceAPI/middleware"
	"stemAttendanceAPI/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dbPool, err := store.Connect(connectCtx, store.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		zl.Info("Closing database connection pool...")
		dbPool.Close()
	}()
	zl.Info("Successfully connected to database")

	if err := store.Migrate(dbPool); err != nil {
		zl.Fatal("Failed to apply migrations", zap.Error(err))
	}

	st := store.New(dbPool)

	tokenService := services.NewCheckInTokenService(st, st, qr.NewRenderer(cfg.QRImageSize), zl)
	verificationService := services.NewVerificationService(st, st, st, tokenService, zl)

	if cfg.Redis.Enabled() {
		rdb, err := cache.New(connectCtx, cfg.Redis)
		if err != nil {
			zl.Warn("Could not connect to Redis, eligibility cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			verificationService.SetEligibilityCache(cache.NewEligibilityCache(rdb, cfg.Redis.TTL))
			zl.Info("Eligibility cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	if cfg.RabbitMQ.Enabled() {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			zl.Warn("Could not connect to RabbitMQ, verification events disabled", zap.Error(err))
		} else {
			defer conn.Close()
			publisher, err := queue.NewPublisher(conn, cfg.RabbitMQ.Exchange, zl)
			if err != nil {
				zl.Warn("Could not open RabbitMQ channel, verification events disabled", zap.Error(err))
			} else {
				defer publisher.Close()
				verificationService.SetPublisher(publisher)
				zl.Info("Verification events enabled", zap.String("exchange", cfg.RabbitMQ.Exchange))
			}
		}
	}

	var authenticator middleware.Authenticator
	switch cfg.Auth.Provider {
	case config.AuthProviderClerk:
		clerk.SetKey(cfg.Auth.ClerkSecretKey)
		authenticator = middleware.NewClerkAuthenticator(st)
		zl.Info("Clerk initialized successfully")
	default:
		authenticator = middleware.NewJWTAuthenticator(cfg.Auth.JWTAccessSecret, st)
	}

	middleware.InitPrometheus()
	services.InitMetrics()

	attendanceHandler := handlers.NewAttendanceHandler(tokenService, verificationService, zl)

	r := mux.NewRouter()

	standardRouter := r.PathPrefix("/").Subrouter()

	rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, cfg.HTTP.TrustedProxies...)
	go rateLimiter.Cleanup(ctx)

	standardRouter.Use(rateLimiter.Middleware)
	standardRouter.Use(middleware.MonitorMiddleware)

	standardRouter.Handle("/metrics", middleware.BasicAuthMiddleware(cfg.Metrics.User, cfg.Metrics.Pass)(promhttp.Handler()))

	if cfg.Metrics.PprofSecret != "" {
		pprofMux := http.NewServeMux()
		pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
		pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		standardRouter.PathPrefix("/debug/pprof/").Handler(middleware.PprofSecurityMiddleware(cfg.Metrics.PprofSecret)(pprofMux))
	}

	standardRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "stem-attendance-api"}`))
	}).Methods("GET")

	// -------------------------------------------------------------------------
	// PROTECTED ROUTES (REQUIRE AUTH HEADER)
	// -------------------------------------------------------------------------
	protected := standardRouter.PathPrefix("/api/v1").Subrouter()
	protected.Use(middleware.AuthMiddleware(authenticator, zl))

	attendanceHandler.RegisterRoutes(protected)

	// CORS configuration
	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins(cfg.HTTP.AllowedOrigins),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Pprof-Secret"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := ":" + cfg.Port

	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zl.Info("Starting server", zap.String("addr", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("Error starting server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server shutdown error", zap.Error(err))
	}

	zl.Info("Server shutdown complete")
}
