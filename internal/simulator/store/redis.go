package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/taoyao-code/iot-relay-client/internal/config"
)

const (
	// lastValueKeyPrefix Redis Key 前缀
	lastValueKeyPrefix = "relaysim:lastvalue"

	// lastValueTTL 最近值过期时间；设备长时间静默后视为无最近值
	lastValueTTL = 24 * time.Hour
)

// Redis 最近值存储的 Redis 实现
type Redis struct {
	client *redis.Client
}

// NewRedis 创建 Redis 存储并验证连通性
func NewRedis(cfg cfgpkg.RedisConfig) (*Redis, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: rdb}, nil
}

// redisKey 组合存储键
func redisKey(key Key) string {
	if key.TelemetryKey != "" {
		return fmt.Sprintf("%s:%s:%s:%s", lastValueKeyPrefix, key.Type, key.DeviceID, key.TelemetryKey)
	}
	return fmt.Sprintf("%s:%s:%s", lastValueKeyPrefix, key.Type, key.DeviceID)
}

// Set 写入最近值（JSON 序列化，带 TTL）
func (r *Redis) Set(ctx context.Context, key Key, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal last value: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(key), data, lastValueTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get 读取最近值
func (r *Redis) Get(ctx context.Context, key Key) (Entry, bool, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal last value: %w", err)
	}
	return entry, true, nil
}

// Close 关闭 Redis 连接
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
