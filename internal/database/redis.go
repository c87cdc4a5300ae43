package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/config"
)

// InitRedis returns nil when Redis is disabled or unreachable; callers fall
// back to in-process reservations.
func InitRedis(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) *redis.Client {
	if !cfg.Enabled {
		log.Info("redis disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis connection failed, continuing without redis")
		rdb.Close()
		return nil
	}

	log.WithField("addr", cfg.Addr()).Info("redis connection established")
	return rdb
}
