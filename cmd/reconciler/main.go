package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/casafresca/subscription-reconciler/internal/activation"
	"github.com/casafresca/subscription-reconciler/internal/cache"
	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/database"
	"github.com/casafresca/subscription-reconciler/internal/duplicate"
	"github.com/casafresca/subscription-reconciler/internal/idempotency"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/matcher"
	"github.com/casafresca/subscription-reconciler/internal/notify"
	"github.com/casafresca/subscription-reconciler/internal/provider"
	"github.com/casafresca/subscription-reconciler/internal/store"
	"github.com/casafresca/subscription-reconciler/internal/sweeper"
	ws "github.com/casafresca/subscription-reconciler/internal/websocket"
)

func main() {
	log := logger.New("reconciler")

	cfg := config.Load()
	tuning, err := config.LoadTuning(cfg.TuningPath)
	if err != nil {
		log.Fatal("failed to load tuning", "path", cfg.TuningPath, "error", err)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	st := store.New(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatal("failed to ensure schema", "error", err)
	}
	cancel()

	// The result cache is an optimization; the engine runs without Redis.
	var resultCache idempotency.ResultStore
	redisClient, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Warn("redis unavailable, idempotency results served from database only", "error", err)
	} else {
		defer redisClient.Close()
		resultCache = redisClient
	}

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAccessToken, cfg.ProviderTimeout)
	notifier := notify.New(cfg.NotificationURL, log)

	hub := ws.NewHub(log)
	go hub.Run()

	// The guard's reactivation path calls back into the activator, which
	// is constructed after the coordinator the guard plugs into.
	var activator *activation.Activator
	guard := duplicate.New(st, func(ctx context.Context, subscriptionID, providerPaymentID, source string) error {
		sub, err := st.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		res, err := activator.Activate(ctx, activation.Target{
			ExternalReference: sub.ExternalReference,
			UserID:            sub.UserID,
			ProductID:         sub.ProductID,
			PayerEmail:        sub.Customer.Email,
			Source:            source,
		}, providerPaymentID)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("reactivation not completed for %s", subscriptionID)
		}
		return nil
	}, log)

	coordinator := idempotency.New(st, st, resultCache, guard, st, log)
	match := matcher.New(st, tuning.Matcher, log)
	activator = activation.New(match, providerClient, st, coordinator, notifier, hub, tuning.Lock, log)

	sw := sweeper.New(st, providerClient, activator, notifier, hub, tuning.Sweep, cfg.SweepBatchSize, log)
	lookback := time.Duration(cfg.SweepLookbackHours) * time.Hour
	runner := sweeper.NewRunner(sw, cfg.SweepInterval, lookback, cfg.SweepEnabled, log)
	runner.Start()

	handler := NewHandler(st, db, redisClient, activator, guard, runner, hub, lookback, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.Health).Methods("GET")
	r.HandleFunc("/status", handler.Status).Methods("GET")
	r.HandleFunc("/ws", hub.ServeWs).Methods("GET")
	r.HandleFunc("/ws/stats", handler.WsStats).Methods("GET")
	r.HandleFunc("/subscriptions", handler.CreateSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/return", handler.ReturnFlow).Methods("GET")
	r.HandleFunc("/subscriptions/{id}", handler.GetSubscription).Methods("GET")
	r.HandleFunc("/subscriptions/{id}", handler.DeleteSubscription).Methods("DELETE")
	r.HandleFunc("/subscriptions/{id}/billing", handler.GetBillingHistory).Methods("GET")
	r.HandleFunc("/subscriptions/{id}/reactivate", handler.Reactivate).Methods("POST")
	r.HandleFunc("/webhooks/payments", handler.PaymentWebhook).Methods("POST")
	r.HandleFunc("/internal/sync/run", handler.RunSweep).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("reconciler listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", "error", err)
	}

	log.Info("server exiting")
}
