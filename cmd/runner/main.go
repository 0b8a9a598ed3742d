package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/Mirai3103/playground-runner/internal/admission"
	appConfig "github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/internal/core"
	"github.com/Mirai3103/playground-runner/internal/core/sandbox"
	natsClient "github.com/Mirai3103/playground-runner/internal/nats"
	"github.com/Mirai3103/playground-runner/internal/screen"
	"github.com/Mirai3103/playground-runner/internal/server"
	"github.com/Mirai3103/playground-runner/internal/session"
	"github.com/Mirai3103/playground-runner/internal/worker"
	"github.com/Mirai3103/playground-runner/internal/workspace"
)

func main() {
	flags := pflag.NewFlagSet("runner", pflag.ExitOnError)
	appConfig.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := appConfig.LoadConfig(flags)
	if err != nil {
		bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := newLogger(cfg.Log)
	logger.Info().
		Str("config", cfg.Source).
		Str("sandbox", cfg.Runner.SandboxType).
		Int("max_jobs", cfg.Runner.MaxConcurrentJobs).
		Msg("starting playground runner")

	wrapper, err := sandbox.NewWrapper(cfg.Runner, cfg.Interactive)
	if err != nil {
		logger.Fatal().Err(err).Msg("sandbox wrapper unavailable")
	}
	pipeline := sandbox.NewPipeline(cfg.Runner, wrapper, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaces := workspace.NewManager(afero.NewOsFs(), cfg.Runner.SandboxBaseDir, cfg.Runner.CleanupGrace(), &logger)
	if n, err := workspaces.Sweep(0); err != nil {
		logger.Warn().Err(err).Msg("startup sweep incomplete")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("removed leftover workspaces")
	}
	workspaces.StartSweeper(ctx,
		time.Duration(cfg.Runner.SweepIntervalMin)*time.Minute,
		time.Duration(cfg.Runner.SweepTTLMin)*time.Minute)

	screener := screen.New()
	batchQueue := admission.New("batch", cfg.Runner.MaxConcurrentJobs)
	sessionQueue := batchQueue
	if !cfg.Interactive.SharedAdmission {
		sessionQueue = admission.New("interactive", cfg.Interactive.MaxSessions)
	}

	runner := core.NewRunner(pipeline, screener, batchQueue, workspaces, cfg.Runner, &logger)
	sessions := session.NewManager(session.Adapt(pipeline), screener, sessionQueue, workspaces, cfg.Interactive, runner.Limits(), &logger)

	srv := server.New(cfg, &logger, server.Deps{Runner: runner, Sessions: sessions, Compiler: pipeline})

	var (
		nc         *nats.Conn
		sub        *nats.Subscription
		subscriber *natsClient.Subscriber
	)
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg.NATS.URL, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("error connecting to NATS")
		}
		publisher := natsClient.NewPublisher(nc, cfg.NATS.ResultSubject, &logger)
		jobHandler := worker.NewJobHandler(ctx, publisher, runner, &logger)
		subscriber = natsClient.NewSubscriber(nc, cfg.NATS.ExecuteSubject, cfg.NATS.QueueGroup, jobHandler, &logger)
		if sub, err = subscriber.SubscribeToSubmissions(); err != nil {
			logger.Fatal().Err(err).Msg("error setting up NATS subscription")
		}
		logger.Info().Str("subject", cfg.NATS.ExecuteSubject).Msg("listening for submissions on NATS")
	}

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("shutting down")

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error().Err(err).Msg("error unsubscribing")
		}
	}

	// Batch requests get the grace period to finish. Then every job still
	// running, interactive or not, is cancelled and its process group killed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancel()
	if err := sessions.Shutdown(cleanupCtx); err != nil {
		logger.Error().Err(err).Msg("sessions did not finish")
	}
	if err := runner.Wait(cleanupCtx); err != nil {
		logger.Error().Err(err).Msg("batch jobs did not finish")
	}
	if subscriber != nil {
		subscriber.Wait()
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Error().Err(err).Msg("error draining NATS connection")
		}
	}
	logger.Info().Msg("stopped")
}

func newLogger(lc appConfig.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if lc.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func connectNATS(url string, logger *zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("playground-runner"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Msg("connected to NATS server")
	return nc, nil
}
