package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_notify/internal/api"
	"github.com/austindbirch/harbor_notify/internal/audience"
	"github.com/austindbirch/harbor_notify/internal/auth"
	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/engine"
	"github.com/austindbirch/harbor_notify/internal/events"
	"github.com/austindbirch/harbor_notify/internal/health"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, toml or json)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	logger := logging.New(cfg.App.Name)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(cfg.App.LogLevel)

	ctx := context.Background()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Plain().WithError(err).Fatal("failed to initialize tracing")
		}
		defer shutdown()
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer st.Close()
	logger.Plain().WithField("driver", cfg.DB.Driver).Info("store ready")

	// Audience directory: redis when configured, else the static list.
	var (
		directory audience.Directory = audience.StaticDirectory(cfg.Audience.StaticIDs)
		dirPinger health.Pinger
	)
	if cfg.Redis.Addr != "" {
		client, err := audience.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer client.Close()
		rd := audience.NewRedisDirectory(client, cfg.Redis.AudienceKey)
		directory, dirPinger = rd, rd
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NSQ.Enabled {
		prod, err := events.NewNSQProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		nsqPub := events.NewNSQPublisher(prod, events.Options{
			StatusTopic:   cfg.NSQ.StatusTopic,
			DLQTopic:      cfg.NSQ.DLQTopic,
			PublishStatus: cfg.NSQ.PublishStatus,
			PublishDLQ:    cfg.NSQ.PublishDLQ,
		}, logger)
		defer nsqPub.Stop()
		publisher = nsqPub
	}

	transport := delivery.NewWebhookTransport(
		cfg.Webhook.URL,
		cfg.Webhook.Secret,
		cfg.Webhook.SignatureHeader,
		cfg.Webhook.TimestampHeader,
		&http.Client{Timeout: cfg.Worker.AttemptTimeout},
	)

	m := metrics.New(cfg.App.MetricsPrefix)
	eng := engine.New(engine.Config{
		Delivery: delivery.Config{
			Workers:        cfg.Worker.Workers,
			QueueSize:      cfg.Worker.QueueSize,
			RatePerSec:     cfg.Worker.RatePerSec,
			Burst:          cfg.Worker.Burst,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			RetryBase:      cfg.Worker.RetryBase,
			RetryMax:       cfg.Worker.RetryMax,
			JitterPercent:  cfg.Worker.JitterPercent,
			AttemptTimeout: cfg.Worker.AttemptTimeout,
		},
		StatsWindow: cfg.Stats.Window,
		PruneTTL:    cfg.Tracker.PruneTTL,
		PruneSpec:   cfg.Tracker.PruneSpec,
	}, engine.Deps{
		Store:     st,
		Directory: directory,
		Transport: transport,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})

	reg := prometheus.NewRegistry()
	m.MustRegister(reg, eng)

	if err := eng.Start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("engine start failed")
	}
	if n, err := eng.Recover(ctx); err != nil {
		logger.Plain().WithError(err).Error("recovery incomplete")
	} else if n > 0 {
		logger.Plain().WithField("jobs", n).Info("recovered in-flight jobs")
	}

	var validator auth.Validator
	if cfg.Auth.Enabled {
		pemText, err := auth.LoadPublicKey(cfg.Auth.PublicKeyPath, cfg.Auth.PublicKeyPEM)
		if err != nil {
			logger.Plain().WithError(err).Fatal("load auth public key failed")
		}
		v, err := auth.NewJWTValidator(pemText, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
		validator = v
	}

	router := api.NewRouter(eng, api.Options{
		Validator: validator,
		Metrics:   m,
		Gatherer:  reg,
		DB:        st,
		Directory: dirPinger,
		Logger:    logger,
	})
	httpSrv := &http.Server{Addr: cfg.App.HTTPPort, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	// gRPC carries the standard health service for orchestrators.
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.App.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.App.GRPCPort).Info("gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go health.Watch(watchCtx, hs, 10*time.Second, st, dirPinger)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Plain().WithError(err).Warn("sd_notify ready failed")
	} else if ok {
		logger.Plain().Debug("notified systemd ready")
	}
	logger.Plain().Info("notifyd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down notifyd")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopWatch()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("HTTP shutdown incomplete")
	}
	grpcSrv.GracefulStop()
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("engine stop incomplete")
	}
	logger.Plain().Info("notifyd stopped")
}
