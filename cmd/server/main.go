package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/codec"
	"github.com/adi-253/Talkie/realtime/internal/config"
	"github.com/adi-253/Talkie/realtime/internal/dispatch"
	"github.com/adi-253/Talkie/realtime/internal/handlers"
	"github.com/adi-253/Talkie/realtime/internal/logging"
	"github.com/adi-253/Talkie/realtime/internal/metrics"
	"github.com/adi-253/Talkie/realtime/internal/pipeline"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/receipts"
	"github.com/adi-253/Talkie/realtime/internal/retention"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
	"github.com/adi-253/Talkie/realtime/internal/services"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/store/memory"
	"github.com/adi-253/Talkie/realtime/internal/store/pebblestore"
	"github.com/adi-253/Talkie/realtime/internal/store/postgres"
	"github.com/adi-253/Talkie/realtime/internal/typing"
	"github.com/adi-253/Talkie/realtime/internal/unread"
	"github.com/adi-253/Talkie/realtime/internal/upstream"
	"github.com/adi-253/Talkie/realtime/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}

// run wires the server and blocks until a shutdown signal. Every resource it
// opens is closed before it returns.
func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("reach redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	cdc, err := buildCodec(cfg.CodecKeys)
	if err != nil {
		return fmt.Errorf("build content codec: %w", err)
	}

	// Metrics registry, served on /metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize components
	clk := clock.Real{}
	var counter unread.Counter = unread.NewMemory()
	if rdb != nil {
		counter = unread.NewRedis(rdb)
	}
	registry := presence.New(cfg.PresenceGrace.Std(), m.UserStatus)
	roomManager := rooms.New(st, registry)
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassMessages:  {Max: cfg.Limits.MessagesPerMinute, Window: time.Minute},
		ratelimit.ClassTyping:    {Max: cfg.Limits.TypingPerMinute, Window: time.Minute},
		ratelimit.ClassReactions: {Max: cfg.Limits.ReactionsPerMinute, Window: time.Minute},
	}, clk)
	typingTracker := typing.New(roomManager, limiter, cfg.TypingTimeout.Std())
	security, moderator, notifier := buildUpstream(cfg, rdb)

	p := pipeline.New(pipeline.Deps{
		Store:     st,
		Codec:     cdc,
		Limiter:   limiter,
		Presence:  registry,
		Rooms:     roomManager,
		Typing:    typingTracker,
		Receipts:  receipts.New(st, counter, clk),
		Retention: retention.NewPolicy(cfg.EditWindow.Std(), cfg.DeleteWindow.Std()),
		Unread:    counter,
		Security:  security,
		Moderator: moderator,
		Notifier:  notifier,
		Metrics:   m,
		Clock:     clk,
	}, pipeline.Config{
		MaxTextLength:   cfg.MaxTextLength,
		UpstreamTimeout: cfg.Upstream.Timeout.Std(),
	})

	dispatcher := dispatch.New(p, m)
	hub := websocket.NewHub(registry, roomManager, typingTracker, dispatcher, m, websocket.Config{
		FrameRate:      rate.Limit(cfg.Limits.FramesPerSecond),
		FrameBurst:     cfg.Limits.FrameBurst,
		MaxMessageSize: cfg.MaxFrameSize.Int64(),
	})
	wsHandler := websocket.NewHandler(hub)

	conversationService := services.NewConversationService(st, p, counter, clk)
	cleanupService := services.NewCleanupService(
		cfg.CleanupCron,
		map[string]services.Pruner{"rate_windows": limiter},
		services.Gauges{
			"connections":  hub.ClientCount,
			"online_users": registry.OnlineUsers,
			"rooms":        roomManager.Groups,
		},
		m,
	)

	// Start background cleanup worker
	go cleanupService.Start()

	// Initialize handlers
	conversationHandler := handlers.NewConversationHandler(conversationService)
	messageHandler := handlers.NewMessageHandler(conversationService)
	health := handlers.NewHealth(hub.ClientCount)

	// Set up router with middleware
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	log.WithField("origins", cfg.CORSOrigins).Info("CORS allowed origins")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", websocket.UserHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check and metrics endpoints
	r.Get("/health", health.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Realtime endpoint
	r.Get("/ws", wsHandler.ServeWS)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.CreateConversation)
			r.Get("/{id}", conversationHandler.GetConversation)
			r.Post("/{id}/archive", conversationHandler.ArchiveConversation)
			r.Get("/{id}/unread", conversationHandler.Unread)
			// Message endpoints for polling fallback
			r.Get("/{id}/messages", messageHandler.GetMessages)
			r.Post("/{id}/messages", messageHandler.SendMessage)
		})
	})

	// Start server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":  srv.Addr,
			"store": cfg.Store.Driver,
			"push":  cfg.Upstream.PushDriver,
		}).Info("Talkie realtime starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.WithError(err).Error("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	hub.Shutdown()
	cleanupService.Stop()
	p.Wait()
	if err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// openStore selects the persistence backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePebble:
		return pebblestore.Open(cfg.Path)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.DSN)
	default:
		return memory.New(), nil
	}
}

// buildCodec parses the configured keyring. Without one an ephemeral key is
// generated, so stored text cannot be read after a restart.
func buildCodec(keyring string) (*codec.Codec, error) {
	if keyring != "" {
		keys, err := codec.ParseKeys(keyring)
		if err != nil {
			return nil, err
		}
		return codec.New(keys)
	}
	key, err := codec.GenerateKey("ephemeral")
	if err != nil {
		return nil, err
	}
	logging.Component("codec").Warn("CODEC_KEYS not set, using an ephemeral key")
	return codec.New([]codec.Key{key})
}

// buildUpstream returns HTTP adapters for configured collaborators and the
// permissive defaults for the rest.
func buildUpstream(cfg *config.Config, rdb *redis.Client) (upstream.SecurityChecker, upstream.Moderator, upstream.Notifier) {
	var (
		security  upstream.SecurityChecker = upstream.AllowAll{}
		moderator upstream.Moderator       = upstream.ApproveAll{}
		notifier  upstream.Notifier        = upstream.LogNotifier{}
	)
	timeout := cfg.Upstream.Timeout.Std()
	if cfg.Upstream.SecurityURL != "" {
		security = upstream.HTTPSecurityChecker{Client: upstream.NewClient(cfg.Upstream.SecurityURL, cfg.Upstream.APIKey, timeout)}
	}
	if cfg.Upstream.ModerationURL != "" {
		moderator = upstream.HTTPModerator{Client: upstream.NewClient(cfg.Upstream.ModerationURL, cfg.Upstream.APIKey, timeout)}
	}
	switch cfg.Upstream.PushDriver {
	case config.PushHTTP:
		notifier = upstream.HTTPNotifier{Client: upstream.NewClient(cfg.Upstream.PushURL, cfg.Upstream.APIKey, timeout)}
	case config.PushRedis:
		notifier = upstream.NewRedisNotifier(rdb)
	}
	return security, moderator, notifier
}
