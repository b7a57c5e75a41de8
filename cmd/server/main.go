package main

import (
	"context"
	"encoding/json"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"marketchat/internal/chat"
	"marketchat/internal/config"
	"marketchat/internal/db"
	"marketchat/internal/logging"
	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/realtime"
	"marketchat/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketchat: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the persistence the server runs on.
type stores struct {
	users   user.Store
	chat    chatStore
	closeFn func() error
}

// chatStore is satisfied by both *chat.Repository and *chat.MemoryStore.
type chatStore interface {
	realtime.Store
	chat.Store
}

func run() error {
	// 1. Config & Flags
	var addr, configPath string
	flagSet := pflag.NewFlagSet("marketchat", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "http service address (overrides ADDR)")
	flagSet.StringVar(&configPath, "config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env is fine; the environment may be set another way.
	envErr := godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer zap.ReplaceGlobals(logger)()
	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Persistence
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.closeFn()

	// 3. Backplane
	var backplane realtime.Backplane
	var redisBackplane *realtime.RedisBackplane
	if cfg.Backplane == config.BackplaneRedis {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		redisBackplane = realtime.NewRedisBackplane(redisClient, cfg.BackplaneChannel, logger)
		backplane = redisBackplane
	}

	// 4. Features
	userService := user.NewService(st.users, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)

	hub := realtime.NewHub(realtime.Options{
		Store:            st.chat,
		Auth:             userService,
		Logger:           logger,
		Backplane:        backplane,
		HandlerTimeout:   cfg.HandlerTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
	})
	if redisBackplane != nil {
		ready := make(chan struct{})
		go func() {
			if err := redisBackplane.Run(ctx, hub.Rooms().Deliver, ready); err != nil {
				logger.Error("backplane stopped", zap.Error(err))
				stop()
			}
		}()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wsHandler := realtime.NewHandler(ctx, hub, cfg.AllowedOrigins, logger)
	chatHandler := chat.NewHandler(st.chat, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		users, conns := hub.Registry().Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"users":       users,
			"connections": conns,
		})
	})

	// WebSocket: the token may come with the handshake or in an
	// authenticate event.
	r.Get("/ws", wsHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	// Internal Routes (other backend services)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.RequireServiceToken(cfg.InternalToken))
		r.Post("/internal/notifications", wsHandler.PostNotification)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Addr), zap.String("store", cfg.Store), zap.String("backplane", cfg.Backplane))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsHandler.Shutdown()
	return srv.Shutdown(shutdownCtx)
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		chatMem := chat.NewMemoryStore()
		userMem := user.NewMemoryStore()
		userMem.OnCreate = chatMem.AddUser
		logger.Warn("using in-memory store; data is lost on restart")
		return &stores{users: userMem, chat: chatMem, closeFn: func() error { return nil }}, nil
	}

	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	logger.Info("database schema initialized")

	return &stores{
		users:   user.NewRepository(database.Conn),
		chat:    chat.NewRepository(database.Conn, logger),
		closeFn: database.Close,
	}, nil
}
