// CordGuard
//
// Entry point: wires all components together and manages graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/cordguard/cordguard/internal/app"
	"github.com/cordguard/cordguard/internal/config"
	"github.com/cordguard/cordguard/internal/grpcserver"
	"github.com/cordguard/cordguard/internal/restapi"
	pb "github.com/cordguard/cordguard/proto"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CORDGUARD_CONFIG"), "path to YAML config file")
	logLevel := pflag.String("log-level", "", "override log level (debug, info, warn, error)")
	pflag.Parse()

	// ── Configuration ──
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		slog.Error("log level", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ── Structured logger ──
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting CordGuard",
		slog.String("store", cfg.Store.Driver),
		slog.String("public_url", cfg.PublicURL),
	)

	// ── Components ──
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	svc, err := app.Init(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		logger.Error("init", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ── gRPC server ──
	grpcSrv := grpc.NewServer()
	grpcImpl := grpcserver.NewServer(svc.Coordinator, logger.With(slog.String("component", "grpc")))
	pb.RegisterWorkerServiceServer(grpcSrv, grpcImpl)

	lis, err := net.Listen("tcp", cfg.Listen.GRPC)
	if err != nil {
		logger.Error("listen gRPC", slog.String("error", err.Error()))
		svc.Close()
		os.Exit(1)
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("addr", cfg.Listen.GRPC))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC serve", slog.String("error", err.Error()))
		}
	}()

	// ── REST API ──
	gin.SetMode(gin.ReleaseMode)
	handler := restapi.NewHandler(restapi.Deps{
		Worker:         grpcImpl,
		Intake:         svc.Intake,
		Objects:        svc.Objects,
		MaxUploadBytes: cfg.Intake.MaxUploadBytes,
		Checks: map[string]restapi.Check{
			"database": svc.Repo.Ping,
			"storage":  func(context.Context) error { return svc.Objects.Check() },
		},
		Gatherer: svc.Registry,
		Logger:   logger.With(slog.String("component", "http")),
	})

	httpSrv := &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.Listen.HTTP))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP serve", slog.String("error", err.Error()))
		}
	}()

	// ── Mission reaper (opt-in) ──
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	var reaperWG sync.WaitGroup
	if reaper := svc.Reaper(); reaper != nil {
		reaperWG.Add(1)
		go func() {
			defer reaperWG.Done()
			reaper.Run(reaperCtx)
		}()
	}

	// ── Graceful shutdown (SIGINT / SIGTERM) ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// 1. Stop accepting new HTTP requests.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", slog.String("error", err.Error()))
	}
	logger.Info("HTTP server stopped")

	// 2. Stop gRPC server gracefully.
	grpcSrv.GracefulStop()
	logger.Info("gRPC server stopped")

	// 3. Stop the reaper between passes.
	stopReaper()
	reaperWG.Wait()

	// 4. Drain the hash pool and release the store.
	if err := svc.Close(); err != nil {
		logger.Error("close", slog.String("error", err.Error()))
	}
	logger.Info("CordGuard shutdown complete")
}
