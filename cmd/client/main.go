// Command chuantou-client runs one tunnel client: it authenticates to a
// broker, registers every configured proxy, and relays traffic to the local
// services they point at (SPEC_FULL.md §1, §4.4, §6).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chuantou/internal/client"
	"chuantou/pkg/config"
	"chuantou/pkg/logger"
)

func main() {
	configDir := flag.String("config", "./configs", "directory containing app/client/log.yaml")
	flag.Parse()

	if err := config.InitializeConfig(*configDir); err != nil {
		os.Stderr.WriteString("chuantou-client: load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Setup(); err != nil {
		os.Stderr.WriteString("chuantou-client: init logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg := config.GetClientConfig()
	if cfg.ServerURL == "" {
		logger.Fatal("client.server_url is required")
	}

	ctrl := client.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("chuantou-client starting", map[string]any{
		"serverUrl": cfg.ServerURL,
		"proxies":   len(cfg.Proxies),
	})

	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("client exited", err)
	}
	logger.Info("chuantou-client stopped")
}
