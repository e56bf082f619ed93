package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-relay-client/internal/metrics"
)

// descriptorKey 按描述符线性化操作的键；不含会话，跨会话的同名操作一并串行
type descriptorKey struct {
	Type         SubscriptionType
	DeviceID     string
	TelemetryKey string
}

// CoordinatorOptions 协调器装配参数
type CoordinatorOptions struct {
	Gateway    Gateway
	NewChannel ChannelFactory
	Lifecycle  LifecycleConfig
	Logger     *zap.Logger
	Metrics    *metrics.ClientMetrics

	// OnStatus 连接状态回调
	OnStatus StatusCallback
	// OnSession 会话建立回调；宿主应在此重建所需订阅
	OnSession SessionCallback
}

// Coordinator 订阅协调器：对上提供订阅/退订/授权/方法调用，对下驱动
// 授权缓存、订阅注册表与远端网关，并把通道下行消息路由到订阅者回调。
type Coordinator struct {
	gateway   Gateway
	lifecycle *ConnectionLifecycle
	grants    *GrantCache
	registry  *SubscriptionRegistry
	logger    *zap.Logger
	appm      *metrics.ClientMetrics

	// locksMu 保护 locks；每个描述符一把互斥锁，串行化同键的订阅/退订，
	// 防止乱序完成破坏引用计数
	locksMu sync.Mutex
	locks   map[descriptorKey]*sync.Mutex
}

// NewCoordinator 创建协调器并装配生命周期；调用 Connect 后开始工作
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		gateway:  opts.Gateway,
		grants:   NewGrantCache(),
		registry: NewSubscriptionRegistry(),
		logger:   logger,
		appm:     opts.Metrics,
		locks:    make(map[descriptorKey]*sync.Mutex),
	}
	c.lifecycle = NewConnectionLifecycle(opts.Lifecycle, opts.Gateway, opts.NewChannel, logger, opts.Metrics)
	c.lifecycle.SetCallbacks(opts.OnStatus, opts.OnSession, c.resetSessionState, c.OnData)
	return c
}

// Connect 发起首次连接
func (c *Coordinator) Connect() {
	c.lifecycle.Connect()
}

// Disconnect 本地主动断开，不自动重连
func (c *Coordinator) Disconnect() {
	c.lifecycle.Disconnect()
}

// Destroy 销毁协调器：关闭通道并停止一切重试
func (c *Coordinator) Destroy() {
	c.lifecycle.Destroy()
}

// SessionID 当前会话标识；未连接时为空串
func (c *Coordinator) SessionID() string {
	return c.lifecycle.SessionID()
}

// IsConnected 通道是否已连接
func (c *Coordinator) IsConnected() bool {
	return c.lifecycle.IsConnected()
}

// resetSessionState 重连时整体清除会话级状态：授权缓存与订阅注册表
// 原子地作废，前一会话的任何记录不再参与计数或收到数据
func (c *Coordinator) resetSessionState() {
	c.grants.Reset()
	c.registry.Reset()
	if c.appm != nil {
		c.appm.SubscriptionGauge.Set(0)
	}
	c.logger.Info("session-scoped state wiped on reconnect")
}

// lockDescriptor 取同键互斥锁（惰性创建）
func (c *Coordinator) lockDescriptor(req SubscriptionRequest) *sync.Mutex {
	key := descriptorKey{Type: req.Type, DeviceID: req.DeviceID, TelemetryKey: req.TelemetryKey}
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	return mu
}

// ensureGrant 授权检查：走缓存，必要时发起远端授权请求并上报指标
func (c *Coordinator) ensureGrant(ctx context.Context, key GrantKey) error {
	if c.grants.Has(key) {
		if c.appm != nil {
			c.appm.GrantCacheHitTotal.Inc()
		}
		return nil
	}
	err := c.grants.EnsureGrant(ctx, key, c.gateway.RequestGrant)
	if c.appm != nil {
		result := GrantGranted
		var ge *GrantError
		if errors.As(err, &ge) {
			result = ge.Result
		}
		c.appm.GrantRequestTotal.WithLabelValues(string(result)).Inc()
	}
	return err
}

// Subscribe 注册一条本地订阅：
//  1. 无会话立即失败（前置条件错误）；
//  2. 确保授权，拒绝即中止，注册表不变；
//  3. 同步拉取最近值并先行投递，后到的订阅者立刻看到当前状态；
//  4. 变更前引用计数为 0 才发起远端订阅（0→1 规则）；
//  5. 远端调用全部成功后才写入注册表。
//
// 任一远端调用失败返回 *SubscriptionError 且不写记录；执行期间会话被
// 重建则按过期丢弃，返回 ErrSessionChanged。
func (c *Coordinator) Subscribe(ctx context.Context, subscriberID string, req SubscriptionRequest, onData DataCallback) error {
	if err := req.Validate(); err != nil {
		return err
	}
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}

	mu := c.lockDescriptor(req)
	mu.Lock()
	defer mu.Unlock()

	desc := req.descriptor(sessionID)
	if err := c.ensureGrant(ctx, req.grantKey(sessionID)); err != nil {
		return err
	}

	lv, err := c.gateway.LastValue(ctx, desc)
	if err != nil {
		return &SubscriptionError{Descriptor: desc, Op: "last value", Err: err}
	}
	if lv != nil && onData != nil {
		onData(lv.DeviceID, lv.Data, lv.Timestamp)
	}

	// 先读后写：远端订阅与否取决于变更前的计数
	if c.registry.ReferenceCount(desc) == 0 {
		if err := c.gateway.Subscribe(ctx, desc); err != nil {
			return &SubscriptionError{Descriptor: desc, Op: "subscribe", Err: err}
		}
		if c.appm != nil {
			c.appm.RemoteCallTotal.WithLabelValues("subscribe").Inc()
		}
	}

	// 远端调用期间会话可能已重建，过期结果不落地
	if c.lifecycle.SessionID() != sessionID {
		return ErrSessionChanged
	}
	c.registry.Add(subscriberID, desc, onData)
	if c.appm != nil {
		c.appm.SubscriptionGauge.Set(float64(len(c.registry.Snapshot())))
	}
	return nil
}

// Unsubscribe 注销一条本地订阅。移除前引用计数恰为 1 时先发起远端退订，
// 远端失败则注册表保持原状供调用方重试（1→0 规则）。
func (c *Coordinator) Unsubscribe(ctx context.Context, subscriberID string, req SubscriptionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}

	mu := c.lockDescriptor(req)
	mu.Lock()
	defer mu.Unlock()

	desc := req.descriptor(sessionID)
	if err := c.ensureGrant(ctx, req.grantKey(sessionID)); err != nil {
		return err
	}

	if c.registry.ReferenceCount(desc) == 1 {
		if err := c.gateway.Unsubscribe(ctx, desc); err != nil {
			return &SubscriptionError{Descriptor: desc, Op: "unsubscribe", Err: err}
		}
		if c.appm != nil {
			c.appm.RemoteCallTotal.WithLabelValues("unsubscribe").Inc()
		}
	}

	if c.lifecycle.SessionID() != sessionID {
		return ErrSessionChanged
	}
	c.registry.Remove(subscriberID, desc)
	if c.appm != nil {
		c.appm.SubscriptionGauge.Set(float64(len(c.registry.Snapshot())))
	}
	return nil
}

// UnsubscribeAll 全量拆除：遍历每个订阅者的每条记录逐一退订，
// 收集失败后一并返回（整体销毁前使用）
func (c *Coordinator) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, subscriberID := range c.registry.SubscriberIDs() {
		for _, rec := range c.registry.RecordsForSubscriber(subscriberID) {
			if err := c.Unsubscribe(ctx, subscriberID, requestFromDescriptor(rec.Descriptor)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RemoveSubscriberID 清理单个订阅者：逐条退订，单条失败只记日志不中断，
// 最后无条件清空该订阅者的本地记录。重复调用为空操作。
func (c *Coordinator) RemoveSubscriberID(ctx context.Context, subscriberID string) {
	for _, rec := range c.registry.RecordsForSubscriber(subscriberID) {
		if err := c.Unsubscribe(ctx, subscriberID, requestFromDescriptor(rec.Descriptor)); err != nil {
			c.logger.Warn("unsubscribe during subscriber cleanup failed",
				zap.String("subscriber_id", subscriberID),
				zap.String("device_id", rec.Descriptor.DeviceID),
				zap.String("type", string(rec.Descriptor.Type)),
				zap.Error(err),
			)
		}
	}
	c.registry.RemoveAllForSubscriber(subscriberID)
	if c.appm != nil {
		c.appm.SubscriptionGauge.Set(float64(len(c.registry.Snapshot())))
	}
}

// requestFromDescriptor 由已注册描述符还原订阅请求
func requestFromDescriptor(d Descriptor) SubscriptionRequest {
	return SubscriptionRequest{Type: d.Type, DeviceID: d.DeviceID, TelemetryKey: d.TelemetryKey}
}

// HasSubscription 该订阅者是否已注册此订阅
func (c *Coordinator) HasSubscription(subscriberID string, req SubscriptionRequest) bool {
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return false
	}
	return c.registry.Has(subscriberID, req.descriptor(sessionID))
}

// SubscriberIDSubscriptions 该订阅者的订阅概览：deviceId -> 遥测字段列表
func (c *Coordinator) SubscriberIDSubscriptions(subscriberID string) map[string][]string {
	return c.registry.ListForSubscriber(subscriberID)
}

// Grant 一次性授权请求；只在缓存留痕，不产生订阅状态
func (c *Coordinator) Grant(ctx context.Context, action GrantAction, deviceID string) error {
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	return c.ensureGrant(ctx, GrantKey{Action: action, DeviceID: deviceID, SessionID: sessionID})
}

// InvokeDirectMethod 授权后调用设备直接方法
func (c *Coordinator) InvokeDirectMethod(ctx context.Context, deviceID string, req DirectMethodRequest) (json.RawMessage, error) {
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return nil, ErrNoSession
	}
	key := GrantKey{Action: ActionInvokeDirectMethod, DeviceID: deviceID, SessionID: sessionID}
	if err := c.ensureGrant(ctx, key); err != nil {
		return nil, err
	}
	return c.gateway.InvokeDirectMethod(ctx, deviceID, req)
}

// PatchDesiredProperties 授权后下发期望属性补丁
func (c *Coordinator) PatchDesiredProperties(ctx context.Context, deviceID string, patch map[string]any) error {
	sessionID := c.lifecycle.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	key := GrantKey{Action: ActionPatchDesiredProperties, DeviceID: deviceID, SessionID: sessionID}
	if err := c.ensureGrant(ctx, key); err != nil {
		return err
	}
	return c.gateway.PatchDesiredProperties(ctx, deviceID, patch)
}

// OnData 通道下行入口：对注册表快照路由并投递，单个回调异常不影响其余投递
func (c *Coordinator) OnData(msg *Message) {
	deliveries := Route(msg, c.registry.Snapshot())
	if c.appm != nil {
		if len(deliveries) == 0 {
			c.appm.MessagesDropped.Inc()
		}
		for _, d := range deliveries {
			c.appm.MessagesRoutedTotal.WithLabelValues(string(d.Type)).Inc()
		}
	}
	Dispatch(c.logger, deliveries)
}
