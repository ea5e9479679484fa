package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prxssh/stegocluster/internal/client"
	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/logging"
)

func main() {
	setupLogger()

	configPath := flag.String("config", "client.toml", "path to client configuration file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	config.InitClient(cfg)

	secrets, err := loadSecrets(cfg.RequestGenerator.SecretSourceGlob)
	if err != nil || len(secrets) == 0 {
		slog.Error("failed to load secret source files", "error", err, "glob", cfg.RequestGenerator.SecretSourceGlob)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := client.New(cfg, slog.Default())

	generateAndRun(ctx, coord, cfg, secrets)
}

// generateAndRun drives the synthetic request stream described by spec §6
// ("client configuration... request generator parameters"): a fixed total
// count, a random inter-request delay in [min, max), and secrets drawn
// round-robin from the configured glob.
func generateAndRun(ctx context.Context, coord *client.Coordinator, cfg config.ClientConfig, secrets [][]byte) {
	gen := cfg.RequestGenerator

	for i := 0; i < gen.Total; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		secret := secrets[i%len(secrets)]
		req := client.Request{RequestID: uint64(i + 1), Secret: secret}

		result := coord.Execute(ctx, req)
		if result.Err != nil {
			slog.Error("request failed", "requestId", req.RequestID, "error", result.Err)
		} else {
			slog.Info("request succeeded", "requestId", req.RequestID, "latency", result.Latency)
		}

		delay := randomDelay(gen.MinDelay, gen.MaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func loadSecrets(glob string) ([][]byte, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}

	secrets := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, b)
	}
	return secrets, nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
