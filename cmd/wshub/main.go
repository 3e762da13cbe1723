package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/amoylab/wshub/internal/server"
	"github.com/amoylab/wshub/pkg/helper"
	"github.com/amoylab/wshub/pkg/logger"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/amoylab/wshub/pkg/utils"
	"github.com/amoylab/wshub/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wshub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wshub version %s\n", version.String())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Check the configuration file and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, path, err := config.LoadConfig[config.HubConfig](configPath)
			if err != nil {
				log.Fatalf("Failed to load configuration %s: %v", path, err)
			}
			if err := config.Validate(cfg); err != nil {
				log.Fatalf("Configuration %s is invalid: %v", path, err)
			}
			fmt.Printf("Configuration %s is valid\n", path)
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop a running hub",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _, err := config.LoadConfig[config.HubConfig](configPath)
			if err != nil {
				log.Fatalf("Failed to load configuration: %v", err)
			}
			pid := utils.NewPIDFile(helper.PIDPath(cfg.PID))
			if err := pid.Signal(syscall.SIGTERM); err != nil {
				log.Fatalf("Failed to stop wshub: %v", err)
			}
			fmt.Println("Sent SIGTERM to wshub")
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}

	rootCmd = &cobra.Command{
		Use:   "wshub",
		Short: "Multi-tenant websocket hub",
		Long:  `wshub routes events, rooms and broadcasts to websocket clients across a cluster of instances`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", cnst.HubYaml, "path to configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(stopCmd)
}

func run() {
	ctx := context.Background()

	cfg, cfgPath, err := config.LoadConfig[config.HubConfig](configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration %s: %v", cfgPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration %s: %v", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()
	lg.Info("Loaded configuration", zap.String("path", cfgPath), zap.String("version", version.String()))

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cnst.AppName
	}
	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			lg.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	pid := utils.NewPIDFile(helper.PIDPath(cfg.PID))
	if err := pid.Write(); err != nil {
		lg.Fatal("Failed to write PID file", zap.String("path", pid.Path()), zap.Error(err))
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			lg.Warn("Failed to remove PID file", zap.Error(err))
		}
	}()

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		lg.Fatal("Failed to initialize token verifier", zap.Error(err))
	}

	h, err := hub.New(ctx, cfg, lg, metrics.New(cfg.Metrics))
	if err != nil {
		lg.Fatal("Failed to initialize hub", zap.Error(err))
	}
	if err := h.Start(ctx); err != nil {
		lg.Fatal("Failed to start hub", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(h, verifier, lg)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			lg.Error("Server stopped", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		lg.Error("Failed to shut down http server", zap.Error(err))
	}
	if err := h.Shutdown(sctx); err != nil {
		lg.Error("Failed to shut down hub", zap.Error(err))
	}
	lg.Info("Hub stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
