// Package store 提供模拟器的最近值存储：内存与 Redis 两种实现
package store

import (
	"context"

	"github.com/taoyao-code/iot-relay-client/internal/relay"
)

// Key 最近值存储键；与物理订阅键同构但不含会话
type Key struct {
	Type         relay.SubscriptionType
	DeviceID     string
	TelemetryKey string
}

// Entry 一条最近值记录
type Entry struct {
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// LastValueStore 最近值存储接口，支持内存和Redis两种实现
type LastValueStore interface {
	// Set 写入最近值
	Set(ctx context.Context, key Key, entry Entry) error

	// Get 读取最近值；不存在时第二返回值为 false
	Get(ctx context.Context, key Key) (Entry, bool, error)

	// Close 释放底层资源
	Close() error
}
