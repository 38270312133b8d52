// Command chuantou-server runs the broker: the control-link listener, the
// per-client binary data channel, and every registered proxy's public
// listener (SPEC_FULL.md §1, §6).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chuantou/internal/server"
	"chuantou/pkg/config"
	"chuantou/pkg/logger"
)

func main() {
	configDir := flag.String("config", "./configs", "directory containing app/server/log.yaml")
	flag.Parse()

	if err := config.InitializeConfig(*configDir); err != nil {
		os.Stderr.WriteString("chuantou-server: load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Setup(); err != nil {
		os.Stderr.WriteString("chuantou-server: init logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg := config.GetServerConfig()
	srv := server.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("chuantou-server starting", map[string]any{
		"controlPort": cfg.ControlPort,
		"host":        cfg.Host,
	})

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("server exited", err)
	}
	logger.Info("chuantou-server stopped")
}
