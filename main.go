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

	"github.com/CrowderSoup/gym-cards/database"
	"github.com/CrowderSoup/gym-cards/handlers"
	"github.com/CrowderSoup/gym-cards/services"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gymcards: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := services.LoadConfig(args)
	if err != nil {
		return err
	}

	logger, err := services.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	var authService *services.AuthService
	if cfg.JWTSecret != "" {
		authService = services.NewAuthService(cfg.JWTSecret)
	}
	if cfg.IssueToken {
		token, err := authService.CreateJWT("gymcards")
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	// Initialize database
	db, err := database.InitDB(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	prefService := database.NewPreferenceService(db)

	// Initialize backend clients
	apiClient, err := services.NewAPIClient(cfg.BackendURL, cfg.CSRFToken, logger)
	if err != nil {
		return err
	}
	pushURL := cfg.PushURL
	if pushURL == "" {
		pushURL = apiClient.PushURL()
	}
	pushClient := services.NewPushClient(pushURL, apiClient.Jar(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize WebSocket hub and the sync loop
	hub := services.NewHub(logger)
	go hub.Run(ctx)

	syncer := services.NewSyncer(apiClient, pushClient, hub, services.SyncOptions{
		TickInterval: cfg.TickInterval,
		ResyncDelay:  cfg.ResyncDelay,
	}, logger)
	syncDone := make(chan error, 1)
	go func() {
		syncDone <- syncer.Run(ctx)
	}()

	// Setup router
	r := mux.NewRouter()
	r.Use(handlers.RequestLogger(logger))
	handlers.Routes(r,
		handlers.NewCardHandler(syncer, prefService, hub, logger),
		handlers.NewPreferenceHandler(prefService, logger),
		handlers.NewAuthMiddleware(authService),
	)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("View server starting",
			zap.String("addr", cfg.Addr),
			zap.String("backend", cfg.BackendURL),
			zap.String("push", pushURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown initiated")
	case err := <-serverErr:
		logger.Error("Server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down server", zap.Error(err))
	}
	<-syncDone
	logger.Info("Shutdown complete")
	return nil
}
