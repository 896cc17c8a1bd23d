package main

import (
	"careline/backend/internal/api/handler"
	"careline/backend/internal/auth"
	"careline/backend/internal/chathub"
	"careline/backend/internal/config"
	"careline/backend/internal/localization"
	"careline/backend/internal/logger"
	"careline/backend/internal/storage"
	"careline/backend/internal/storage/memstore"
	"careline/backend/internal/telegram"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
}

func setupStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Storage, storage.Presence, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn("using in-memory storage; data is lost on restart")
		st := memstore.New()
		return st, st, func() {}, nil
	}

	svc, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			log.Warn("closing storage", zap.Error(err))
		}
	}
	return svc, storage.NewRedisPresence(svc.Redis), closeFn, nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting careline backend", zap.String("env", cfg.Environment), zap.String("storage", cfg.Storage.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, presence, closeStorage, err := setupStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	if healed, err := store.ReconcileDanglingChats(ctx); err != nil {
		log.Warn("startup reconcile failed", zap.Error(err))
	} else if len(healed) > 0 {
		log.Info("cleared dangling chat references", zap.Strings("account_ids", healed))
	}

	hub := chathub.NewHub(presence, log)
	go hub.Run(ctx)

	if cfg.Telegram.Enabled() {
		bot, err := telegram.NewBotAPI(cfg.Telegram.BotToken, log)
		if err != nil {
			return err
		}
		localizer, err := localization.Default()
		if err != nil {
			return fmt.Errorf("failed to create localizer: %w", err)
		}
		notifier := telegram.NewNotifier(bot, cfg.Telegram.OnDutyChatID, store, localizer, cfg.Telegram.Language, log)
		go func() {
			if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("notifier stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("telegram notifier disabled")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	issuer := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	handler.NewHandler(hub, store, presence, issuer, log).Register(r)

	server := &http.Server{
		Addr:           cfg.HTTP.Addr,
		Handler:        r,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	<-hub.Done()
	return nil
}
