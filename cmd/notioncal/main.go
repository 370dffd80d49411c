package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/syncforge/notioncal/internal/engine"
	"github.com/syncforge/notioncal/internal/googlecal"
	"github.com/syncforge/notioncal/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	logger := buildLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := buildKVFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize kv backend: %v", err)
	}
	defer kv.Close()

	mapping, err := buildMappingFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to load field mapping: %v", err)
	}

	notionToken := strings.TrimSpace(os.Getenv("NOTIONCAL_NOTION_TOKEN"))
	if notionToken == "" {
		log.Fatal("NOTIONCAL_NOTION_TOKEN is required")
	}
	notion := engine.NewHTTPNotionClient(engine.NotionHTTPClientOptions{
		BaseURL:    os.Getenv("NOTIONCAL_NOTION_BASE_URL"),
		APIVersion: os.Getenv("NOTIONCAL_NOTION_API_VERSION"),
		UserAgent:  "notioncal/1.0",
		TokenProvider: func(ctx context.Context) (string, error) {
			return notionToken, nil
		},
	})

	calendar, err := googlecal.NewClient(ctx, googlecal.ClientOptions{
		CalendarID:   os.Getenv("NOTIONCAL_GOOGLE_CALENDAR_ID"),
		ClientID:     os.Getenv("NOTIONCAL_GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("NOTIONCAL_GOOGLE_CLIENT_SECRET"),
		TokenFile:    os.Getenv("NOTIONCAL_GOOGLE_TOKEN_FILE"),
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to build calendar client: %v", err)
	}

	eng, err := engine.NewEngine(engine.EngineOptions{
		Notion:         notion,
		Calendar:       calendar,
		KV:             kv,
		Mapping:        mapping,
		DatabaseID:     os.Getenv("NOTIONCAL_NOTION_DATABASE_ID"),
		DeletePolicy:   engine.DeletePolicy(os.Getenv("NOTIONCAL_DELETE_POLICY")),
		MaxAttempts:    intEnv("NOTIONCAL_SYNC_MAX_ATTEMPTS", 0),
		BaseDelay:      durationEnv("NOTIONCAL_SYNC_RETRY_DELAY", 0),
		MaxDelay:       durationEnv("NOTIONCAL_SYNC_MAX_RETRY_DELAY", 0),
		Workers:        intEnv("NOTIONCAL_WORKERS", 0),
		QueueCapacity:  intEnv("NOTIONCAL_QUEUE_CAPACITY", 0),
		LogCapacity:    intEnv("NOTIONCAL_LOG_CAPACITY", 0),
		MaxHistoryDays: intEnv("NOTIONCAL_MAX_HISTORY_DAYS", 0),
		HistoryBatch:   intEnv("NOTIONCAL_HISTORY_BATCH", 0),
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer eng.Close()

	if address := strings.TrimSpace(os.Getenv("NOTIONCAL_WEBHOOK_ADDRESS")); address != "" {
		registerWatchChannel(ctx, eng, calendar, address, logger)
	}

	server := httpapi.NewServer(eng, httpapi.ServerConfig{
		APIToken:            os.Getenv("NOTIONCAL_API_TOKEN"),
		NotionWebhookSecret: os.Getenv("NOTIONCAL_NOTION_WEBHOOK_SECRET"),
		RateLimitMax:        intEnv("NOTIONCAL_RATE_LIMIT_MAX", 0),
		RateLimitWindow:     durationEnv("NOTIONCAL_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:        int64Env("NOTIONCAL_MAX_BODY_BYTES", 0),
		Logger:              logger,
	})

	addr := os.Getenv("NOTIONCAL_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("notioncal listening", "addr", addr)
	if err := httpapi.ListenAndServe(ctx, addr, server, logger); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if raw := strings.TrimSpace(os.Getenv("NOTIONCAL_LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			log.Printf("invalid NOTIONCAL_LOG_LEVEL=%q, using info", raw)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("NOTIONCAL_LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildKVFromEnv selects the KV backend profile: "postgres" uses the DSN,
// anything else (including unset) is the in-memory backend.
func buildKVFromEnv() (engine.KV, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIONCAL_BACKEND_PROFILE")))
	switch profile {
	case "postgres":
		dsn := strings.TrimSpace(os.Getenv("NOTIONCAL_POSTGRES_DSN"))
		return engine.NewPostgresKV(dsn)
	case "", "memory":
		return engine.NewMemoryKV(), nil
	}
	log.Printf("unknown NOTIONCAL_BACKEND_PROFILE=%q, using memory", profile)
	return engine.NewMemoryKV(), nil
}

func buildMappingFromEnv(logger *slog.Logger) (engine.MappingSource, error) {
	path := strings.TrimSpace(os.Getenv("NOTIONCAL_MAPPING_FILE"))
	if path == "" {
		return engine.NewStaticMappingSource(engine.DefaultMapping()), nil
	}
	return engine.NewFileMappingSource(path, logger)
}

// registerWatchChannel opens a Google push channel pointing at this
// deployment's webhook address and records it with the engine.
func registerWatchChannel(ctx context.Context, eng *engine.Engine, calendar *googlecal.Client, address string, logger *slog.Logger) {
	channelID := strings.TrimSpace(os.Getenv("NOTIONCAL_GOOGLE_CHANNEL_ID"))
	if channelID == "" {
		channelID = "notioncal-" + strconv.FormatInt(time.Now().Unix(), 10)
	}
	channel, err := calendar.Watch(ctx, channelID, address, os.Getenv("NOTIONCAL_GOOGLE_CHANNEL_TOKEN"))
	if err != nil {
		logger.Warn("google watch channel registration failed", "error", err)
		return
	}
	if err := eng.RegisterWatchChannel(ctx, channel); err != nil {
		logger.Warn("watch channel bookkeeping failed", "error", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
