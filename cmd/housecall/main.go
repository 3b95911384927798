package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/awilder/housecall/internal/config"
	"github.com/awilder/housecall/internal/db"
	"github.com/awilder/housecall/internal/geo"
	"github.com/awilder/housecall/internal/llm"
	claudellm "github.com/awilder/housecall/internal/llm/claude"
	ollamallm "github.com/awilder/housecall/internal/llm/ollama"
	"github.com/awilder/housecall/internal/logging"
	"github.com/awilder/housecall/internal/photostore/local"
	"github.com/awilder/housecall/internal/session"
	"github.com/awilder/housecall/internal/store"
	"github.com/awilder/housecall/internal/web"
)

func main() {
	cfg := config.Load()

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	conversationStore := store.NewConversationStore(database)
	messageStore := store.NewMessageStore(database)
	providerStore := store.NewProviderStore(database)

	model := newModelStreamer(cfg, logger)
	if model == nil {
		return
	}

	photos, err := local.NewLocalPhotoStore(cfg.PhotoPath)
	if err != nil {
		logger.Error("failed to initialize photo store", "error", err)
		return
	}

	sessions := session.NewManager(session.Deps{
		Conversations: conversationStore,
		Messages:      messageStore,
		Providers:     providerStore,
		Photos:        photos,
		Model:         model,
		Geo:           geo.NewClient(cfg.SearchURL, cfg.GeocodeURL, cfg.GeolocateURL),
		Logger:        logger,
	})

	server := web.NewServer(sessions, conversationStore, messageStore, providerStore, photos, logger)

	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
	}
}

func newModelStreamer(cfg *config.Config, logger *slog.Logger) llm.Streamer {
	if cfg.TestMode {
		logger.Info("using canned model backend (test mode)")
		return cannedStreamer{}
	}
	switch cfg.ModelBackend {
	case "ollama":
		logger.Info("using Ollama model backend", "model", cfg.OllamaModel)
		return ollamallm.NewOllamaStreamer(cfg.OllamaHost, cfg.OllamaModel)
	default:
		if cfg.ClaudeAPIKey == "" {
			logger.Error("CLAUDE_API_KEY is required when MODEL_BACKEND=claude")
			return nil
		}
		logger.Info("using Claude model backend", "model", cfg.ClaudeModel)
		return claudellm.NewClaudeStreamer(cfg.ClaudeAPIKey, cfg.ClaudeModel)
	}
}

// cannedStreamer replays a fixed diagnosis so the app can be exercised
// end-to-end without a model backend.
type cannedStreamer struct{}

func (cannedStreamer) Diagnose(_ context.Context, _ llm.Request) (<-chan llm.Delta, error) {
	chunks := []string{
		"<thought>Test mode: returning a fixed diagnosis.</thought>",
		`<json>{"message":"This is a canned response.","diagnosis":"Leaking shutoff valve",`,
		`"trade":"Plumber","action_required":"Replace the valve","estimated_cost":"$150-$250"}</json>`,
	}
	ch := make(chan llm.Delta, len(chunks))
	for _, c := range chunks {
		ch <- llm.Delta{Text: c}
	}
	close(ch)
	return ch, nil
}
