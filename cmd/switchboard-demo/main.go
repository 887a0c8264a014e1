// Package main is a demonstration CLI for the switchboard library: it loads
// a deployment config, issues a handful of chat completions across session
// ids, and prints each deployment's resulting utilization.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	switchboard "github.com/opsflow/switchboard"
	"github.com/opsflow/switchboard/internal/config"
	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/switchboard.yaml", "path to configuration file")
	requests := flag.Int("requests", 12, "number of demo completions to issue")
	sessions := flag.Int("sessions", 3, "number of distinct session ids to cycle through")
	watch := flag.Bool("watch", false, "hot-reload the deployment list on config file changes")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	mgr, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Get()

	sb, err := switchboard.New(cfg.Deployments,
		switchboard.WithHealthcheckInterval(cfg.HealthcheckInterval),
		switchboard.WithRatelimitWindow(cfg.RatelimitWindow),
		switchboard.WithSessionCapacity(cfg.SessionCapacity),
		switchboard.WithMaxAttempts(cfg.MaxAttempts),
		switchboard.WithLogger(logger),
		switchboard.WithClientFactory(demoClientFactory),
	)
	if err != nil {
		logger.Error("failed to build switchboard", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		sb.WatchConfig(mgr)
		if err := mgr.Watch(ctx); err != nil {
			logger.Error("failed to watch configuration file", "error", err)
			os.Exit(1)
		}
	}
	defer func() { _ = mgr.Close() }()

	err = sb.Run(ctx, func(sb *switchboard.Switchboard) error {
		return runDemo(ctx, sb, logger, *requests, *sessions)
	})
	if err != nil {
		logger.Error("demo run failed", "error", err)
		os.Exit(1)
	}
}

func runDemo(ctx context.Context, sb *switchboard.Switchboard, logger *slog.Logger, numRequests, numSessions int) error {
	sessionIDs := make([]string, numSessions)
	for i := range sessionIDs {
		sessionIDs[i] = uuid.NewString()
	}

	for i := 0; i < numRequests; i++ {
		sessionID := sessionIDs[i%len(sessionIDs)]

		req := &switchboard.ChatRequest{
			Model: "gpt-4o",
			Messages: []switchboard.ChatMessage{
				{Role: "user", Content: []byte(fmt.Sprintf(`"demo message %d"`, i))},
			},
		}

		resp, err := sb.Create(ctx, req, sessionID)
		if err != nil {
			var failed *switchboard.AllDeploymentsFailedError
			if errors.As(err, &failed) {
				logger.Error("all deployments failed", "session", sessionID, "attempts", len(failed.Attempts))
				continue
			}
			logger.Error("completion failed", "session", sessionID, "error", err)
			continue
		}

		content := ""
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Role
		}
		logger.Info("completion succeeded", "session", sessionID, "model", resp.Model, "role", content)
	}

	for name, snap := range sb.Stats() {
		logger.Info("deployment snapshot",
			"deployment", name,
			"healthy", snap.Healthy,
			"utilization", snap.Utilization,
			"tpm_used", snap.TPMUsed,
			"rpm_used", snap.RPMUsed,
			"in_flight", snap.InFlight,
		)
	}

	return nil
}

// demoClientFactory builds a real Azure client when an API key is
// configured, and otherwise falls back to an in-memory echo client so the
// demo runs without live Azure credentials.
func demoClientFactory(cfg deployment.Config, logger *slog.Logger) (deployment.Client, error) {
	if cfg.APIKey != "" {
		return deployment.NewAzureClient(cfg, logger)
	}
	return deployment.NewClient(cfg, echoInferenceClient{name: cfg.Name}, logger), nil
}

// echoInferenceClient is a fake InferenceClient used by the demo when no
// Azure credentials are configured: it fabricates a response that echoes
// the last message's content, with a small simulated latency and usage.
type echoInferenceClient struct {
	name string
}

func (e echoInferenceClient) Do(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	select {
	case <-time.After(time.Duration(20+rand.Intn(80)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var last string
	if len(req.Messages) > 0 {
		last = strings.Trim(string(req.Messages[len(req.Messages)-1].Content), `"`)
	}

	return &types.ChatResponse{
		ID:      "demo-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{
			{
				Index:        0,
				FinishReason: "stop",
				Message: types.ChatMessage{
					Role:    "assistant",
					Content: []byte(fmt.Sprintf("%q", "echo: "+last)),
				},
			},
		},
		Usage: &types.Usage{
			PromptTokens:     len(req.Messages) * 8,
			CompletionTokens: 8,
			TotalTokens:      len(req.Messages)*8 + 8,
		},
	}, nil
}

func (e echoInferenceClient) DoStream(ctx context.Context, req *types.ChatRequest) (deployment.ChatStream, error) {
	return nil, fmt.Errorf("echo client: streaming not supported in demo mode")
}
