package main

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailfold/mailfold-backend/internal/activity"
	"github.com/mailfold/mailfold-backend/internal/config"
	"github.com/mailfold/mailfold-backend/internal/database"
	"github.com/mailfold/mailfold-backend/internal/directory"
	"github.com/mailfold/mailfold-backend/internal/dkim"
	"github.com/mailfold/mailfold-backend/internal/events"
	"github.com/mailfold/mailfold-backend/internal/logger"
	"github.com/mailfold/mailfold-backend/internal/rebuild"
	"github.com/mailfold/mailfold-backend/internal/relay"
	"github.com/mailfold/mailfold-backend/internal/repository"
	smtpserver "github.com/mailfold/mailfold-backend/internal/smtp"
)

func main() {
	cfg, err := config.LoadWithValidation()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		log.Error("database migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	domainRepo := repository.NewDomainRepository(db)
	aliasRepo := repository.NewAliasRepository(db)
	activityRepo := repository.NewActivityRepository(db)

	hub := events.NewHub(log)
	go hub.Run()

	recorder := activity.NewRecorder(activityRepo, hub, log)
	resolver := directory.NewResolver(domainRepo, aliasRepo, log)
	rebuilder := rebuild.NewRebuilder(cfg.Hostname, log)
	signer := dkim.NewSigner(log)

	queue := relay.NewQueue()
	transport := relay.NewSMTPTransport(relay.SMTPTransportConfig{
		Host:      cfg.RelayHost,
		Port:      cfg.RelayPort,
		Mode:      relay.TLSMode(cfg.RelayTLSMode),
		Auth:      relay.AuthMethod(cfg.RelayAuthMethod),
		Username:  cfg.RelayUsername,
		Password:  cfg.RelayPassword,
		HelloName: cfg.Hostname,
	}, log)
	dispatcher := relay.NewDispatcher(queue, transport, recorder, relay.NewRealClock(), log, relay.DispatcherConfig{
		Workers:     cfg.RelayWorkers,
		MaxAttempts: cfg.RelayMaxAttempts,
		BackoffBase: cfg.RelayBackoffBase,
		BackoffMax:  cfg.RelayBackoffMax,
	})
	dispatcher.Start()

	backend := smtpserver.NewBackend(&smtpserver.BackendConfig{
		Resolver:   resolver,
		Rebuilder:  rebuilder,
		Signer:     signer,
		Queue:      queue,
		Recorder:   recorder,
		DomainRepo: domainRepo,
		Logger:     log,
	})
	server := smtpserver.NewServer(backend, &smtpserver.ServerConfig{
		Addr:           cfg.ListenAddr,
		Domain:         cfg.Hostname,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxRecipients:  cfg.MaxRecipients,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AllowInsecure:  cfg.AllowInsecure,
		TLSConfig:      loadTLSConfig(cfg, log),
	})

	go func() {
		log.Info("SMTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil {
			log.Error("SMTP server stopped", slog.Any("error", err))
		}
	}()

	eventsServer := &http.Server{
		Addr:              cfg.EventsAddr,
		Handler:           eventsMux(hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("event stream listening", slog.String("addr", cfg.EventsAddr))
		if err := eventsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("event stream stopped", slog.Any("error", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := server.Close(); err != nil {
		log.Error("SMTP server close failed", slog.Any("error", err))
	}
	eventsServer.Close()
	// Queued forwards run to a terminal state before exit.
	dispatcher.Stop()
	log.Info("server stopped")
}

func eventsMux(hub *events.Hub, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", events.Handler(hub, log))
	return mux
}

// loadTLSConfig loads the inbound TLS keypair when configured
func loadTLSConfig(cfg *config.Config, log *slog.Logger) *tls.Config {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		log.Error("failed to load TLS keypair, continuing without TLS", slog.Any("error", err))
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
