package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-relay-client/internal/config"
	"github.com/taoyao-code/iot-relay-client/internal/relay"
	"github.com/taoyao-code/iot-relay-client/internal/simulator/store"
)

// Server 中继模拟器：REST 面 + websocket 推送
type Server struct {
	cfg      cfgpkg.SimulatorConfig
	fixtures *Fixtures
	store    store.LastValueStore
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	// twins 设备孪生文档（desired/reported），补丁在其上合并
	twins map[string]map[string]any
}

// New 创建模拟器；fixtures 为空时使用内置剧本，lvs 为空时使用内存存储
func New(cfg cfgpkg.SimulatorConfig, fixtures *Fixtures, lvs store.LastValueStore, logger *zap.Logger) *Server {
	if fixtures == nil {
		fixtures = DefaultFixtures()
	}
	if lvs == nil {
		lvs = store.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		fixtures: fixtures,
		store:    lvs,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		twins:    make(map[string]map[string]any),
	}
	for _, d := range fixtures.Devices {
		if d.Twin != nil {
			s.twins[d.DeviceID] = d.Twin
		}
	}
	return s
}

// Router 构建 gin 路由：健康检查、指标与中继 REST/websocket 面
func (s *Server) Router(metricsPath string, metricsHandler http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if metricsHandler != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	limiter := NewRateLimiter(s.cfg.RatePerSec, s.cfg.RateBurst)
	authed := r.Group("/")
	authed.Use(RateLimit(limiter))
	authed.Use(APIKeyAuth(s.cfg.Auth, s.logger))

	authed.POST("/session", s.handleCreateSession)
	authed.POST("/grants", s.handleGrant)
	authed.PUT("/subscriptions", s.handleSubscribe)
	authed.DELETE("/subscriptions", s.handleUnsubscribe)
	authed.GET("/lastValue", s.handleLastValue)
	authed.POST("/devices/:deviceId/methods/:method", s.handleDirectMethod)
	authed.PATCH("/devices/:deviceId/twin/desired", s.handlePatchDesired)
	authed.GET("/ws", s.handleWebsocket)

	return r
}

// sessionFromHeader 解析并校验会话凭证
func (s *Server) sessionFromHeader(c *gin.Context) (*session, bool) {
	id := c.GetHeader("X-Session-Id")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return nil, false
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown session"})
		return nil, false
	}
	return sess, true
}

// handleCreateSession 签发新会话
func (s *Server) handleCreateSession(c *gin.Context) {
	id := uuid.NewString()
	sess := newSession(id)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.logger.Info("session created", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"sessionId": id})
}

// grantRequest 授权请求体
type grantRequest struct {
	Action   relay.GrantAction `json:"action" binding:"required"`
	DeviceID string            `json:"deviceId" binding:"required"`
}

// handleGrant 授权判定：命中拒绝规则返回 forbidden，其余一律放行
func (s *Server) handleGrant(c *gin.Context) {
	if _, ok := s.sessionFromHeader(c); !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.fixtures.Denied(req.Action, req.DeviceID) {
		c.JSON(http.StatusOK, gin.H{"result": relay.GrantForbidden})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": relay.GrantGranted})
}

// subscriptionRequest 订阅/退订请求体
type subscriptionRequest struct {
	Type         relay.SubscriptionType `json:"type" binding:"required"`
	DeviceID     string                 `json:"deviceId" binding:"required"`
	TelemetryKey string                 `json:"telemetryKey"`
}

func (r subscriptionRequest) key() subscriptionKey {
	return subscriptionKey{Type: r.Type, DeviceID: r.DeviceID, TelemetryKey: r.TelemetryKey}
}

// handleSubscribe 登记物理订阅（幂等）
func (s *Server) handleSubscribe(c *gin.Context) {
	sess, ok := s.sessionFromHeader(c)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess.subscribe(req.key())
	c.Status(http.StatusNoContent)
}

// handleUnsubscribe 注销物理订阅（幂等）
func (s *Server) handleUnsubscribe(c *gin.Context) {
	sess, ok := s.sessionFromHeader(c)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess.unsubscribe(req.key())
	c.Status(http.StatusNoContent)
}

// handleLastValue 最近值查询；无记录返回 204
func (s *Server) handleLastValue(c *gin.Context) {
	if _, ok := s.sessionFromHeader(c); !ok {
		return
	}
	key := store.Key{
		Type:         relay.SubscriptionType(c.Query("type")),
		DeviceID:     c.Query("deviceId"),
		TelemetryKey: c.Query("telemetryKey"),
	}
	entry, found, err := s.store.Get(c.Request.Context(), key)
	if err != nil {
		s.logger.Error("last value lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, relay.LastValue{
		DeviceID:  key.DeviceID,
		Data:      entry.Data,
		Timestamp: entry.Timestamp,
	})
}

// handleDirectMethod 按剧本应答直接方法；未声明的方法返回 404
func (s *Server) handleDirectMethod(c *gin.Context) {
	if _, ok := s.sessionFromHeader(c); !ok {
		return
	}
	deviceID := c.Param("deviceId")
	method := c.Param("method")
	device, ok := s.fixtures.Device(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	resp, ok := device.Methods[method]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown method"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handlePatchDesired 合并期望属性补丁并向孪生订阅者推送新文档
func (s *Server) handlePatchDesired(c *gin.Context) {
	if _, ok := s.sessionFromHeader(c); !ok {
		return
	}
	deviceID := c.Param("deviceId")
	if _, ok := s.fixtures.Device(deviceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	twin := s.twins[deviceID]
	if twin == nil {
		twin = make(map[string]any)
		s.twins[deviceID] = twin
	}
	desired, _ := twin["desired"].(map[string]any)
	if desired == nil {
		desired = make(map[string]any)
	}
	for k, v := range patch {
		desired[k] = v
	}
	twin["desired"] = desired
	s.mu.Unlock()

	s.EmitTwin(deviceID)
	c.Status(http.StatusNoContent)
}

// handleWebsocket 将会话升级为实时连接
func (s *Server) handleWebsocket(c *gin.Context) {
	id := c.Query("sessionId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionId"})
		return
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown session"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	old := sess.attach(conn)
	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("realtime connection attached", zap.String("session_id", id))

	// 客户端不上行业务数据；读循环只为感知断开与应答 ping
	go func() {
		defer func() {
			sess.detach(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// push 将消息推送给所有订阅了该设备此类数据的会话
func (s *Server) push(t relay.SubscriptionType, deviceID string, msg *relay.Message) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.subscribedToDevice(t, deviceID) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.send(msg); err != nil {
			s.logger.Warn("push failed",
				zap.String("session_id", sess.id),
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
}

// EmitTelemetry 推送一帧遥测并更新最近值
func (s *Server) EmitTelemetry(deviceID string, fields map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ctx := context.Background()
	for k, v := range fields {
		key := store.Key{Type: relay.TypeTelemetry, DeviceID: deviceID, TelemetryKey: k}
		if err := s.store.Set(ctx, key, store.Entry{Data: map[string]any{k: v}, Timestamp: now}); err != nil {
			s.logger.Warn("last value update failed", zap.Error(err))
		}
	}
	s.push(relay.TypeTelemetry, deviceID, &relay.Message{
		DeviceID:  deviceID,
		Telemetry: fields,
		Timestamp: now,
	})
}

// EmitConnectionState 推送设备上下线并更新最近值
func (s *Server) EmitConnectionState(deviceID string, online bool) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := store.Key{Type: relay.TypeConnectionState, DeviceID: deviceID}
	if err := s.store.Set(context.Background(), key, store.Entry{Data: online, Timestamp: now}); err != nil {
		s.logger.Warn("last value update failed", zap.Error(err))
	}
	s.push(relay.TypeConnectionState, deviceID, &relay.Message{
		DeviceID:        deviceID,
		ConnectionState: &online,
		Timestamp:       now,
	})
}

// EmitTwin 推送当前孪生文档并更新最近值
func (s *Server) EmitTwin(deviceID string) {
	s.mu.RLock()
	twin := s.twins[deviceID]
	s.mu.RUnlock()
	doc, err := json.Marshal(twin)
	if err != nil {
		s.logger.Warn("twin marshal failed", zap.Error(err))
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := store.Key{Type: relay.TypeDeviceTwin, DeviceID: deviceID}
	if err := s.store.Set(context.Background(), key, store.Entry{Data: twin, Timestamp: now}); err != nil {
		s.logger.Warn("last value update failed", zap.Error(err))
	}
	s.push(relay.TypeDeviceTwin, deviceID, &relay.Message{
		DeviceID:   deviceID,
		DeviceTwin: doc,
		Timestamp:  now,
	})
}

// EmitD2C 推送一条设备上行原始消息
func (s *Server) EmitD2C(deviceID string, body json.RawMessage) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := store.Key{Type: relay.TypeD2CMessages, DeviceID: deviceID}
	if err := s.store.Set(context.Background(), key, store.Entry{Data: body, Timestamp: now}); err != nil {
		s.logger.Warn("last value update failed", zap.Error(err))
	}
	s.push(relay.TypeD2CMessages, deviceID, &relay.Message{
		DeviceID:  deviceID,
		Message:   body,
		Timestamp: now,
	})
}

// DropSession 注销会话并断开其实时连接（测试模拟服务端断连）
func (s *Server) DropSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	conn := sess.conn
	sess.conn = nil
	sess.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info("session dropped", zap.String("session_id", sessionID))
}

// SessionCount 当前会话数（测试用）
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close 释放底层存储
func (s *Server) Close() error {
	return s.store.Close()
}
