package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"gowa-dispatch/config"
	"gowa-dispatch/database"
	"gowa-dispatch/internal/broker"
	"gowa-dispatch/internal/handler"
	"gowa-dispatch/internal/helper"
	authMiddleware "gowa-dispatch/internal/middleware"
	"gowa-dispatch/internal/model"
	"gowa-dispatch/internal/service"
	"gowa-dispatch/internal/status"
	"gowa-dispatch/internal/wa"
	"gowa-dispatch/internal/ws"
)

func main() {
	cfg := config.Load()
	log := helper.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// database custom (session records)
	db, driver, err := database.OpenAppDB(ctx, cfg.DBConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect app DB")
	}
	defer db.Close()
	log.Info().Str("driver", driver).Msg("App DB connected successfully")

	if len(os.Args) > 1 && os.Args[1] == "--createschema" {
		if err := helper.InitCustomSchema(db, driver); err != nil {
			log.Fatal().Err(err).Msg("failed to create schema")
		}
		log.Info().Msg("✓ schema ready")
	}

	factory, err := wa.NewFactory(cfg.SessionStoreDir, cfg.DeviceName, helper.Component(log, "whatsmeow"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare session store dir")
	}

	// Event sinks: realtime hub always, AMQP and Redis when configured.
	hub := ws.NewHub(helper.Component(log, "ws"))
	go hub.Run(ctx)
	sinks := []model.EventSink{hub}

	if cfg.AMQPURL != "" {
		pub := broker.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, helper.Component(log, "amqp"))
		if err := pub.Connect(); err != nil {
			log.Warn().Err(err).Msg("⚠ AMQP publisher not connected, will retry per event")
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	statusWriter, err := status.NewWriter(cfg.RedisURL, helper.Component(log, "status"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	defer statusWriter.Close()
	if statusWriter.Enabled() {
		sinks = append(sinks, statusWriter)
	}

	bus := service.NewNotificationBus(
		model.NewWebhookRegistry(cfg.Webhooks),
		cfg.WebhookSecret,
		cfg.WebhookTimeout,
		helper.Component(log, "webhook"),
		sinks...,
	)

	manager := service.NewSessionManager(
		model.NewSQLSessionStore(db, driver),
		factory.New,
		factory,
		bus,
		service.ManagerConfig{
			CreateTimeout:       cfg.HandleCreateTimeout,
			RestorePollInterval: cfg.RestorePollInterval,
			RestorePollAttempts: cfg.RestorePollAttempts,
			StartupStagger:      cfg.StartupStagger,
		},
		helper.Component(log, "sessions"),
	)
	dispatcher := service.NewDispatcher(manager, helper.Component(log, "dispatch"))

	retention, err := service.NewRetentionScheduler(cfg.RetentionSweepSpec, manager, helper.Component(log, "retention"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}
	retention.Start()

	go func() {
		log.Info().Msg("Loading existing sessions...")
		n, err := manager.RestoreAllConnectedOnStartup(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("⚠ startup restore failed")
			return
		}
		log.Info().Int("restored", n).Msg("✓ startup restore finished")
	}()

	// Setup Echo
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.PUT,
			echo.PATCH,
			echo.DELETE,
			echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			authMiddleware.APIKeyHeader,
			authMiddleware.OwnerIDHeader,
		},
	}))
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitPerSecond),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: cfg.RateLimitWindow,
			},
		),
	}))

	e.GET("/", func(c echo.Context) error { // Health check
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "WhatsApp dispatch API is running",
			"data": map[string]interface{}{
				"activeSessions": len(manager.ListActive()),
				"wsClients":      hub.Clients(),
			},
		})
	})

	api := e.Group("/api", authMiddleware.Auth(authMiddleware.AuthConfig{
		APIKey:    cfg.APIKey,
		JWTSecret: cfg.JWTSecret,
	}))
	handler.New(manager, dispatcher, bus.Registry(), hub, handler.Options{
		DelayMin:           cfg.DispatchDelayMin,
		DelayMax:           cfg.DispatchDelayMax,
		DefaultCountryCode: cfg.DefaultCountryCode,
	}, helper.Component(log, "http")).Register(api)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	retention.Stop(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	manager.Shutdown()
	bus.Wait()
	bus.Close()
	log.Info().Msg("✓ bye")
}
