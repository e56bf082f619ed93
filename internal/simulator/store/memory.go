package store

import (
	"context"
	"sync"
)

// Memory 最近值存储的内存实现（默认）
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]Entry)}
}

// Set 写入最近值
func (m *Memory) Set(_ context.Context, key Key, entry Entry) error {
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Get 读取最近值
func (m *Memory) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Close 内存实现无资源可释放
func (m *Memory) Close() error { return nil }
