package simulator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taoyao-code/iot-relay-client/internal/relay"
)

// subscriptionKey 会话内的物理订阅键
type subscriptionKey struct {
	Type         relay.SubscriptionType
	DeviceID     string
	TelemetryKey string
}

// session 一个已签发的会话：订阅簿记与可选的实时连接
type session struct {
	id        string
	createdAt time.Time

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[subscriptionKey]struct{}
}

func newSession(id string) *session {
	return &session{
		id:        id,
		createdAt: time.Now(),
		subs:      make(map[subscriptionKey]struct{}),
	}
}

// subscribe 登记订阅（幂等）
func (s *session) subscribe(key subscriptionKey) {
	s.mu.Lock()
	s.subs[key] = struct{}{}
	s.mu.Unlock()
}

// unsubscribe 注销订阅（幂等）
func (s *session) unsubscribe(key subscriptionKey) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

// subscribedToDevice 是否订阅了该设备的指定类型（遥测忽略字段维度）
func (s *session) subscribedToDevice(t relay.SubscriptionType, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.subs {
		if key.Type == t && key.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// attach 绑定实时连接；返回被替换的旧连接（若有）
func (s *session) attach(conn *websocket.Conn) *websocket.Conn {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	return old
}

// detach 解除实时连接绑定；仅当当前绑定正是该连接时生效
func (s *session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// send 向会话连接写一条 JSON 消息；无连接时静默丢弃
func (s *session) send(msg *relay.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
