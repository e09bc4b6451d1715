package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticket-service/config"
	"ticket-service/internal/api"
	"ticket-service/internal/broker"
	"ticket-service/internal/notify"
	"ticket-service/internal/payment"
	"ticket-service/internal/redisclient"
	"ticket-service/internal/service"
	"ticket-service/internal/store"
	"ticket-service/internal/tokens"
	"ticket-service/internal/util"
	"ticket-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an env file loaded before the environment")
	migrate := pflag.Bool("migrate", false, "apply the embedded schema before serving")
	pflag.Parse()

	cfg := config.Load(*envFile)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting ticket service")

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if *migrate {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		log.Println("Migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	signer, err := tokens.NewTicketSigner(cfg.Security.TicketSigningSecret)
	if err != nil {
		log.Fatalf("Failed to create ticket signer: %v", err)
	}
	access, err := tokens.NewAccessIssuer(cfg.Security.AccessTokenSecret, cfg.Security.AccessTokenTTL)
	if err != nil {
		log.Fatalf("Failed to create access token issuer: %v", err)
	}
	provider, err := payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.AccessToken, cfg.Payment.Timeout)
	if err != nil {
		log.Fatalf("Failed to create payment client: %v", err)
	}
	verifier, err := payment.NewSignatureVerifier(cfg.Payment.WebhookSecret, payment.DefaultTolerance)
	if err != nil {
		log.Fatalf("Failed to create signature verifier: %v", err)
	}

	ledger := service.NewLedger(db)
	idempotency := service.NewIdempotency(db, redisClient, cfg.Business.IdempotencyTTL)
	fulfillment := service.NewFulfillment(db, service.NewIssuer(signer), eventPublisher)
	reservationService := service.NewReservationService(db, idempotency, fulfillment, provider, access, eventPublisher,
		service.ReservationConfig{
			MaxUnitsPerLine: cfg.Business.MaxUnitsPerLine,
			Currency:        cfg.Business.Currency,
			NotificationURL: cfg.Payment.NotificationURL,
			SuccessURL:      cfg.Payment.SuccessURL,
			FailureURL:      cfg.Payment.FailureURL,
			PendingURL:      cfg.Payment.PendingURL,
		})
	reconciler := service.NewReconciler(db, provider, verifier, fulfillment, eventPublisher, redisClient, cfg.Payment.Timeout)
	lookup := service.NewTicketLookup(db, access)
	redemption := service.NewRedemptionService(db, signer, cfg.Location())

	var mailer notify.Mailer = notify.NewLogMailer()
	if cfg.Notify.SMTPHost != "" {
		smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
			Timeout:  cfg.Notify.SMTPTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to create SMTP mailer: %v", err)
		}
		mailer = smtpMailer
	}
	notifier := notify.NewNotifier(db, db, access, mailer, notify.Config{
		TicketsURL:  cfg.Notify.TicketsURL,
		RetryDelay:  cfg.Notify.RetryDelay,
		MaxAttempts: cfg.Notify.MaxAttempts,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, notifier, cfg.Notify.RetryInterval)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = redisClient
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Ledger:      ledger,
		Reservation: reservationService,
		Reconciler:  reconciler,
		Lookup:      lookup,
		Redemption:  redemption,
	}, api.Options{
		AdminKeyHash: cfg.Security.AdminKeyHash,
		GateKeyHash:  cfg.Security.GateKeyHash,
		RateLimiter:  limiter,
		Window: redisclient.Window{
			Limit:  cfg.RateLimit.Requests,
			Length: cfg.RateLimit.Window,
		},
		Checks: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	notificationWorker.Stop()

	log.Println("Server exited")
}
