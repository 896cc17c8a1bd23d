package storage

import (
	"careline/backend/internal/config"
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to PostgreSQL and Redis and migrates the schema.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Service, error) {
	db, err := gorm.Open(postgres.Open(cfg.Storage.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := NewStorageService(db, rdb, log)
	if err := s.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database and redis connections established, migrations complete")
	return s, nil
}

// Close releases both connections.
func (s *Service) Close() error {
	var errs []error
	if sqlDB, err := s.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	errs = append(errs, s.Redis.Close())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
