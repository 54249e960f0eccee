package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/walletpay/gateway/internal/config"
	"github.com/walletpay/gateway/internal/database"
	"github.com/walletpay/gateway/internal/handlers"
	"github.com/walletpay/gateway/internal/hsm"
	"github.com/walletpay/gateway/internal/metrics"
	mW "github.com/walletpay/gateway/internal/middleware"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

// @title WalletPay Gateway API
// @version 1.0
// @description Wallet ledger and merchant payment settlement
// @BasePath /api/v1
// @schemes http https

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(viper.New(), ".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx := context.Background()

	db, err := database.InitDB(ctx, cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("database unavailable")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			logrus.WithError(err).Fatal("migration failed")
		}
	}

	redisClient := database.InitRedis(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	audit := hsm.NewAuditLogger(logrus.StandardLogger())
	var salt []byte
	if cfg.HSM.Salt != "" {
		salt = []byte(cfg.HSM.Salt)
	} else {
		logrus.Warn("HSM_SALT not set, stored merchant secrets will not survive a restart")
	}
	vault, err := hsm.InitHSM(hsm.Config{
		MasterKey:   cfg.HSM.MasterKey,
		Salt:        salt,
		AuditLogger: audit,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize HSM")
	}

	treasury, err := services.EnsureTreasury(ctx, db, cfg.Treasury.Email, models.Money(cfg.Treasury.OpeningBalance))
	if err != nil {
		logrus.WithError(err).Fatal("treasury unavailable")
	}

	m := metrics.New()

	// Services
	ledger := services.NewLedgerService(db)
	tokens := services.NewTokenSigner(cfg.Tokens)
	qr := services.NewQRService(cfg.Tokens.QRSecretKey, cfg.Tokens.QRTTL)
	fees := services.NewFeeCalculator(services.FeeScheduleFromConfig(cfg.Fees))
	accounts := services.NewAccountService(db, redisClient, vault, tokens, ledger, treasury, services.PINPolicy{
		MaxAttempts: cfg.RateLimit.PINMaxAttempts,
		Lockout:     cfg.RateLimit.PINLockout,
	})
	credentials := services.NewCredentialService(db, vault, ledger, accounts, treasury, models.Money(cfg.Keys.Cost))
	notifier := services.NewWebhookNotifier(credentials, m, cfg.Webhook.Timeout)
	payments := services.NewPaymentService(services.PaymentDeps{
		DB:       db,
		Ledger:   ledger,
		Fees:     fees,
		Tokens:   tokens,
		QR:       qr,
		Accounts: accounts,
		Notifier: notifier,
		Metrics:  m,
		Audit:    audit,
		Treasury: treasury,
		BaseURL:  cfg.Server.BaseURL,
	})

	reconciliation := services.NewReconciliationService(db, m)
	if err := reconciliation.Start(cfg.Reconciliation.Schedule); err != nil {
		logrus.WithError(err).Fatal("invalid reconciliation schedule")
	}

	// Middleware
	jwtAuth := mW.NewJWTAuth(cfg.JWT.SecretKey, time.Duration(cfg.JWT.ExpiryHours)*time.Hour, m)
	signatureAuth := mW.NewSignatureAuth(credentials, redisClient, cfg.Server.APIWindow, cfg.Server.MaxBodyLen, m)
	limiter := mW.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	stopCleanup := make(chan struct{})
	limiter.StartCleanup(time.Minute, stopCleanup)

	// Handlers
	paymentHandler := handlers.NewPaymentHandler(payments)
	qrHandler := handlers.NewQRHandler(payments)
	accountHandler := handlers.NewAccountHandler(accounts, jwtAuth, models.Money(cfg.Treasury.BonusAmount))
	keyHandler := handlers.NewKeyHandler(credentials)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.HeaderPublicKey, mW.HeaderSignature, mW.HeaderTimestamp},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	r.Use(mW.Metrics(m))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := map[string]string{"status": "healthy", "redis": "up"}
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			status["status"] = "degraded"
		}
		if redisClient == nil || redisClient.Ping(r.Context()).Err() != nil {
			status["redis"] = "down"
		}
		json.NewEncoder(w).Encode(status)
	})

	r.Handle("/metrics", m.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/openapi.yaml"),
	))
	r.Handle("/docs/*", http.StripPrefix("/docs/", mW.StaticFileServer("./api")))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated, so the limiter keys on the client address
		r.With(limiter.Handler).Post("/accounts", accountHandler.Register)

		// Merchant API: HMAC-signed requests
		r.Group(func(r chi.Router) {
			r.Use(signatureAuth.Middleware)
			r.Use(limiter.Handler)

			r.Post("/payments", paymentHandler.CreatePayment)
			r.Get("/payments/{paymentId}", paymentHandler.GetPayment)
		})

		// Wallet API: bearer token
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Use(limiter.Handler)

			r.Get("/pay/{token}", paymentHandler.ShowPayment)
			r.Post("/pay/{token}", paymentHandler.Pay)
			r.Post("/qr/verify", qrHandler.VerifyQR)
			r.Post("/transfers", paymentHandler.Transfer)

			r.Get("/account", accountHandler.GetAccount)
			r.Get("/account/history", accountHandler.History)
			r.Post("/account/pin", accountHandler.SetPIN)
			r.Post("/account/pin/reset-token", accountHandler.IssuePINResetToken)
			r.Post("/account/pin/reset", accountHandler.ResetPIN)

			r.Get("/keys", keyHandler.ListKeys)
			r.Post("/keys", keyHandler.PurchaseKey)
			r.Post("/keys/{id}/rotate", keyHandler.RotateKey)
			r.Put("/keys/{id}/webhook", keyHandler.UpdateWebhook)
			r.Delete("/keys/{id}", keyHandler.DeleteKey)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server forced to shutdown")
	}
	close(stopCleanup)
	reconciliation.Stop()
	notifier.Wait()

	logrus.Info("server stopped")
}
