package relay

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-relay-client/internal/metrics"
)

// lifecycleState 连接状态机状态
type lifecycleState int

const (
	stateDisconnected lifecycleState = iota
	stateConnecting
	stateConnected
)

func (s lifecycleState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	}
	return "disconnected"
}

// LifecycleConfig 连接生命周期配置
type LifecycleConfig struct {
	// WebsocketURL 实时通道地址（ws:// 或 wss://），会话标识以查询参数附加
	WebsocketURL string
	// RetryInterval 固定重试间隔；重试无上限，直到 Destroy
	RetryInterval time.Duration
	// ConnectTimeout 单次会话申请/建连的超时
	ConnectTimeout time.Duration
}

func (c *LifecycleConfig) withDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// ConnectionLifecycle 连接生命周期状态机：
// Disconnected → Connecting → Connected，外加重连（曾连接过的再次 Connecting）。
// 会话标识由其独占持有，每次成功重连更换；任意时刻最多一个重试定时器。
type ConnectionLifecycle struct {
	cfg        LifecycleConfig
	gateway    Gateway
	newChannel ChannelFactory
	logger     *zap.Logger
	appm       *metrics.ClientMetrics

	// onStatus 连接状态回调
	onStatus StatusCallback
	// onSession 会话建立回调；重连时在 onReset 之后触发
	onSession SessionCallback
	// onReset 重连时清理会话级状态（授权缓存、订阅注册表）
	onReset func()
	// onData 下行数据入口
	onData func(msg *Message)

	mu           sync.Mutex
	state        lifecycleState
	sessionID    string
	hadConnected bool
	channel      Channel
	retryTimer   *time.Timer
	destroyed    bool
	// generation 在断开、销毁时递增；跨越异步边界的回调凭代号丢弃过期结果
	generation uint64
}

// NewConnectionLifecycle 创建生命周期状态机（未启动，调用 Connect 发起首连）
func NewConnectionLifecycle(
	cfg LifecycleConfig,
	gateway Gateway,
	newChannel ChannelFactory,
	logger *zap.Logger,
	appm *metrics.ClientMetrics,
) *ConnectionLifecycle {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionLifecycle{
		cfg:        cfg,
		gateway:    gateway,
		newChannel: newChannel,
		logger:     logger,
		appm:       appm,
	}
}

// SetCallbacks 安装宿主回调；必须在 Connect 之前调用
func (l *ConnectionLifecycle) SetCallbacks(onStatus StatusCallback, onSession SessionCallback, onReset func(), onData func(msg *Message)) {
	l.onStatus = onStatus
	l.onSession = onSession
	l.onReset = onReset
	l.onData = onData
}

// SessionID 当前会话标识；未连接时为空串
func (l *ConnectionLifecycle) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateConnected {
		return ""
	}
	return l.sessionID
}

// IsConnected 通道是否处于已连接状态
func (l *ConnectionLifecycle) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateConnected
}

// RetryPending 是否存在待触发的重试定时器（测试用）
func (l *ConnectionLifecycle) RetryPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryTimer != nil
}

// Connect 发起连接：申请会话、打开实时通道。失败走固定间隔重试，
// 成功后由通道 OnConnect 事件完成到 Connected 的迁移。
func (l *ConnectionLifecycle) Connect() {
	l.mu.Lock()
	if l.destroyed || l.state != stateDisconnected {
		l.mu.Unlock()
		return
	}
	l.state = stateConnecting
	l.cancelRetryLocked()
	gen := l.generation
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	defer cancel()

	sessionID, err := l.gateway.CreateSession(ctx)
	if err != nil {
		l.logger.Warn("session creation failed", zap.Error(err))
		l.failAttempt(gen, StatusOffline)
		return
	}

	l.mu.Lock()
	if l.destroyed || gen != l.generation {
		l.mu.Unlock()
		return
	}
	ch := l.newChannel(ChannelEvents{
		OnConnect:      func() { l.handleConnect(gen, sessionID) },
		OnConnectError: func(err error) { l.handleConnectError(gen, err) },
		OnDisconnect:   func(clientInitiated bool, reason string) { l.handleDisconnect(gen, clientInitiated, reason) },
		OnData:         l.handleData,
	})
	l.channel = ch
	l.mu.Unlock()

	if err := ch.Open(ctx, l.channelURL(sessionID)); err != nil {
		l.logger.Warn("realtime channel open failed", zap.Error(err))
		l.handleConnectError(gen, err)
	}
}

// channelURL 在通道地址上附加会话标识
func (l *ConnectionLifecycle) channelURL(sessionID string) string {
	u, err := url.Parse(l.cfg.WebsocketURL)
	if err != nil {
		return l.cfg.WebsocketURL + "?sessionId=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// failAttempt 本次尝试失败：回到 Disconnected 并安排重试
func (l *ConnectionLifecycle) failAttempt(gen uint64, status ConnectionStatus) {
	l.mu.Lock()
	if l.destroyed || gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.state = stateDisconnected
	l.channel = nil
	l.generation++
	l.scheduleRetryLocked()
	l.mu.Unlock()

	l.emitStatus(status)
}

// handleConnect 通道建立成功：迁移至 Connected。
// 若此前连接过，整体清除会话级状态后再通知宿主新会话已建立。
func (l *ConnectionLifecycle) handleConnect(gen uint64, sessionID string) {
	l.mu.Lock()
	if l.destroyed || gen != l.generation {
		l.mu.Unlock()
		return
	}
	reconnect := l.hadConnected
	l.state = stateConnected
	l.sessionID = sessionID
	l.hadConnected = true
	l.cancelRetryLocked()
	l.mu.Unlock()

	l.gateway.SetSession(sessionID)
	if reconnect {
		if l.onReset != nil {
			l.onReset()
		}
		if l.appm != nil {
			l.appm.ReconnectTotal.Inc()
		}
	}
	if l.appm != nil {
		l.appm.ConnectionUp.Set(1)
	}
	l.logger.Info("relay session established",
		zap.String("session_id", sessionID),
		zap.Bool("reconnect", reconnect),
	)
	if l.onSession != nil {
		l.onSession(sessionID)
	}
	l.emitStatus(StatusConnected)
}

// handleConnectError 通道建连失败：回到 Disconnected 并安排重试
func (l *ConnectionLifecycle) handleConnectError(gen uint64, err error) {
	l.logger.Warn("realtime channel connect error", zap.Error(err))
	l.failAttempt(gen, StatusServerUnavailable)
}

// handleDisconnect 通道断开。本地主动关闭不再重连；
// 服务端/网络断开丢弃通道句柄并安排重试。
func (l *ConnectionLifecycle) handleDisconnect(gen uint64, clientInitiated bool, reason string) {
	l.mu.Lock()
	if l.destroyed || gen != l.generation {
		l.mu.Unlock()
		return
	}
	l.generation++
	l.state = stateDisconnected
	l.sessionID = ""
	l.channel = nil
	if !clientInitiated {
		l.scheduleRetryLocked()
	}
	l.mu.Unlock()

	l.gateway.ClearSession()
	if l.appm != nil {
		l.appm.ConnectionUp.Set(0)
	}
	l.logger.Info("realtime channel disconnected",
		zap.Bool("client_initiated", clientInitiated),
		zap.String("reason", reason),
	)
	if clientInitiated {
		l.emitStatus(StatusClientDisconnected)
	} else {
		l.emitStatus(StatusServerDisconnected)
	}
}

// handleData 下行数据入口；未连接状态下的残留消息直接丢弃
func (l *ConnectionLifecycle) handleData(msg *Message) {
	l.mu.Lock()
	connected := l.state == stateConnected && !l.destroyed
	l.mu.Unlock()
	if !connected || l.onData == nil {
		return
	}
	l.onData(msg)
}

// Disconnect 本地主动断开；不触发自动重连
func (l *ConnectionLifecycle) Disconnect() {
	l.mu.Lock()
	ch := l.channel
	l.cancelRetryLocked()
	l.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// Destroy 终态：关闭通道、取消全部定时器，此后不再自动重连
func (l *ConnectionLifecycle) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	l.generation++
	l.state = stateDisconnected
	l.sessionID = ""
	ch := l.channel
	l.channel = nil
	l.cancelRetryLocked()
	l.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	l.gateway.ClearSession()
	if l.appm != nil {
		l.appm.ConnectionUp.Set(0)
	}
	l.logger.Info("connection lifecycle destroyed")
}

// scheduleRetryLocked 安排一次重试；总是先取消已挂起的定时器，
// 保证任意时刻至多一个定时器存活。调用方需持有 l.mu。
func (l *ConnectionLifecycle) scheduleRetryLocked() {
	if l.destroyed {
		return
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.retryTimer = time.AfterFunc(l.cfg.RetryInterval, func() {
		l.mu.Lock()
		l.retryTimer = nil
		l.mu.Unlock()
		l.Connect()
	})
}

// cancelRetryLocked 取消挂起的重试定时器。调用方需持有 l.mu。
func (l *ConnectionLifecycle) cancelRetryLocked() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

func (l *ConnectionLifecycle) emitStatus(status ConnectionStatus) {
	if l.onStatus != nil {
		l.onStatus(status, status.Description())
	}
}
