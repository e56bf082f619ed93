package relay

import "sync"

// SubscriptionRecord 一条本地订阅记录：订阅者、物理订阅键与数据回调
type SubscriptionRecord struct {
	SubscriberID string
	Descriptor   Descriptor
	OnData       DataCallback
}

// SubscriptionRegistry 订阅注册表：维护 订阅者 -> 订阅记录 的本地簿记，
// 并按值相等对每个唯一 Descriptor 推导引用计数。
// 注册表不感知网关：是否需要远端订阅/退订由协调器在变更前读取计数决定。
type SubscriptionRegistry struct {
	mu      sync.RWMutex
	records map[string][]*SubscriptionRecord
}

// NewSubscriptionRegistry 创建空注册表
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{records: make(map[string][]*SubscriptionRecord)}
}

// ReferenceCount 全部订阅者中 Descriptor 值相等的记录总数
func (r *SubscriptionRegistry) ReferenceCount(d Descriptor) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, recs := range r.records {
		for _, rec := range recs {
			if rec.Descriptor == d {
				n++
			}
		}
	}
	return n
}

// Add 追加一条记录；纯本地状态变更，不会失败
func (r *SubscriptionRegistry) Add(subscriberID string, d Descriptor, onData DataCallback) {
	r.mu.Lock()
	r.records[subscriberID] = append(r.records[subscriberID], &SubscriptionRecord{
		SubscriberID: subscriberID,
		Descriptor:   d,
		OnData:       onData,
	})
	r.mu.Unlock()
}

// Remove 删除该订阅者下恰好一条匹配记录；无匹配时为空操作
func (r *SubscriptionRegistry) Remove(subscriberID string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.records[subscriberID]
	for i, rec := range recs {
		if rec.Descriptor == d {
			recs = append(recs[:i], recs[i+1:]...)
			if len(recs) == 0 {
				delete(r.records, subscriberID)
			} else {
				r.records[subscriberID] = recs
			}
			return
		}
	}
}

// Has 该订阅者是否存在匹配记录
func (r *SubscriptionRegistry) Has(subscriberID string, d Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records[subscriberID] {
		if rec.Descriptor == d {
			return true
		}
	}
	return false
}

// ListForSubscriber 按设备聚合该订阅者的订阅：deviceId -> 遥测字段列表
// 非遥测类型对应空列表
func (r *SubscriptionRegistry) ListForSubscriber(subscriberID string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for _, rec := range r.records[subscriberID] {
		keys, ok := out[rec.Descriptor.DeviceID]
		if !ok {
			keys = []string{}
		}
		if rec.Descriptor.Type == TypeTelemetry {
			keys = append(keys, rec.Descriptor.TelemetryKey)
		}
		out[rec.Descriptor.DeviceID] = keys
	}
	return out
}

// RecordsForSubscriber 该订阅者的记录快照
func (r *SubscriptionRegistry) RecordsForSubscriber(subscriberID string) []SubscriptionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionRecord, 0, len(r.records[subscriberID]))
	for _, rec := range r.records[subscriberID] {
		out = append(out, *rec)
	}
	return out
}

// RemoveAllForSubscriber 无条件清除该订阅者的全部记录
func (r *SubscriptionRegistry) RemoveAllForSubscriber(subscriberID string) {
	r.mu.Lock()
	delete(r.records, subscriberID)
	r.mu.Unlock()
}

// SubscriberIDs 当前持有记录的全部订阅者
func (r *SubscriptionRegistry) SubscriberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	return out
}

// Snapshot 全量记录快照，供路由器在不持锁的情况下遍历
func (r *SubscriptionRegistry) Snapshot() []SubscriptionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SubscriptionRecord
	for _, recs := range r.records {
		for _, rec := range recs {
			out = append(out, *rec)
		}
	}
	return out
}

// Reset 丢弃全部记录（重连时使用）
func (r *SubscriptionRegistry) Reset() {
	r.mu.Lock()
	r.records = make(map[string][]*SubscriptionRecord)
	r.mu.Unlock()
}
