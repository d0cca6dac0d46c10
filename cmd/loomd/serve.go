package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/loom/internal/anthropic"
	"github.com/MikeSquared-Agency/loom/internal/api"
	"github.com/MikeSquared-Agency/loom/internal/broadcast"
	"github.com/MikeSquared-Agency/loom/internal/config"
	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/hermes"
	"github.com/MikeSquared-Agency/loom/internal/llm"
	"github.com/MikeSquared-Agency/loom/internal/metrics"
	"github.com/MikeSquared-Agency/loom/internal/session"
	"github.com/MikeSquared-Agency/loom/internal/speech"
)

const defaultPrompt = "You are a friendly conversational companion. Keep replies short and natural to say out loud."

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), config.Load())
	},
}

func serve(parent context.Context, cfg config.Config) error {
	logger, closeLog, err := config.SetupLogging(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("loom starting", "port", cfg.Port, "store", cfg.StoreBackend, "llm", cfg.LLMProvider)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	nodes, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// LLM
	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		return err
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	card, err := loadCard(cfg.CharacterCard)
	if err != nil {
		return err
	}

	m := metrics.New()
	mgr := session.NewManager(session.ManagerOptions{
		Store:       nodes,
		Backends:    backendFactory(cfg, gen, hermesClient, logger),
		Broadcaster: broadcast.NewPublisher(hermesClient, cfg.TreeChunkSize, logger),
		Metrics:     m,
		Logger:      logger,
		DefaultCard: card,
	})
	defer mgr.Close()

	if err := mgr.Subscribe(hermesClient); err != nil {
		return err
	}
	if err := hermesClient.Flush(ctx); err != nil {
		slog.Warn("subscriptions not confirmed", "error", err)
	}

	// HTTP API
	srv := api.NewServer(api.Options{
		Port:     cfg.Port,
		APIToken: cfg.APIToken,
		Sessions: mgr,
		Bus:      hermesClient,
		Metrics:  m,
		Logger:   logger,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	slog.Info("loom ready", "port", cfg.Port)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	// Stop sessions before the bus goes away so their last publishes land.
	mgr.Close()
	if err := hermesClient.Drain(); err != nil {
		slog.Warn("NATS drain", "error", err)
	}
	slog.Info("loom stopped")
	return nil
}

func newGenerator(cfg config.Config, logger *slog.Logger) (genjob.Generator, error) {
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required")
		}
		slog.Info("anthropic client ready", "model", cfg.AnthropicModel)
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required")
		}
		slog.Info("openai-compatible client ready", "base_url", cfg.OpenAIBaseURL, "model", cfg.LLMModel)
		return llm.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel, logger), nil
	default:
		return nil, errors.New("unknown LLM_PROVIDER " + cfg.LLMProvider)
	}
}

// backendFactory gives every session the shared generator and, with TTS on,
// a synthesizer in the session's voice playing onto the session's audio
// subject.
func backendFactory(cfg config.Config, gen genjob.Generator, bus speech.Publisher, logger *slog.Logger) session.BackendFactory {
	if !cfg.TTSEnabled {
		slog.Warn("TTS disabled, replies are text only")
		return func(string, string) genjob.Backends {
			return genjob.Backends{Generator: gen}
		}
	}

	apiKey := cfg.TTSAPIKey
	if apiKey == "" {
		apiKey = cfg.OpenAIAPIKey
	}
	synth := speech.NewOpenAISynthesizer(apiKey, cfg.TTSBaseURL, cfg.TTSModel, cfg.TTSVoice, logger)
	return func(sessionID, voice string) genjob.Backends {
		s := synth
		if voice != "" {
			s = synth.WithVoice(voice)
		}
		return genjob.Backends{
			Generator:   gen,
			Synthesizer: s,
			Sink:        speech.NewBusSink(bus, sessionID),
		}
	}
}

// loadCard reads the configured character card, falling back to a plain
// default prompt.
func loadCard(path string) (*session.CharacterCardLoaded, error) {
	if path == "" {
		return &session.CharacterCardLoaded{ID: "default", Prompt: defaultPrompt}, nil
	}
	c, err := config.LoadCard(path)
	if err != nil {
		return nil, err
	}
	slog.Info("character card loaded", "path", path, "name", c.Name)
	return &session.CharacterCardLoaded{
		ID:               c.ID,
		Name:             c.Name,
		Prompt:           c.Prompt,
		StartingMessages: c.StartingMessages,
		Voice:            c.Voice,
		BaseModel:        c.BaseModel,
		Intro:            c.Intro,
	}, nil
}

