package database

import (
	"context"
	"net"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/config"
)

// InitRedis returns a client, or nil when Redis is unreachable. Callers treat
// a nil client as "no PIN lockout counter and no replay guard".
func InitRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Warn("[REDIS] connection failed, continuing without Redis")
		rdb.Close()
		return nil
	}

	logrus.Info("[REDIS] connection established")
	return rdb
}
