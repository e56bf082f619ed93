// Package channel 实现基于 gorilla/websocket 的实时通道。
// 每次连接尝试使用一个新实例：Open 拨号并启动接收循环，Close 本地关闭。
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-relay-client/internal/relay"
)

const (
	// pongWait 未收到 pong 的最长等待；超时视为连接丢失
	pongWait = 60 * time.Second
	// pingPeriod ping 发送间隔，须小于 pongWait
	pingPeriod = 25 * time.Second
	// writeWait 控制帧写超时
	writeWait = 10 * time.Second
)

// WebsocketChannel 实时通道的 websocket 实现；实现 relay.Channel
type WebsocketChannel struct {
	events relay.ChannelEvents
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool // 本地主动关闭标记，用于区分断开原因
	done   chan struct{}
}

var _ relay.Channel = (*WebsocketChannel)(nil)

// NewWebsocketChannel 创建通道实例
func NewWebsocketChannel(events relay.ChannelEvents, logger *zap.Logger) *WebsocketChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketChannel{
		events: events,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Factory 返回 relay.ChannelFactory，供生命周期按次构造通道
func Factory(logger *zap.Logger) relay.ChannelFactory {
	return func(events relay.ChannelEvents) relay.Channel {
		return NewWebsocketChannel(events, logger)
	}
}

// Open 拨号建连。成功后触发 OnConnect 并启动接收与心跳循环；
// 拨号失败返回错误，由生命周期归入建连失败处理。
func (c *WebsocketChannel) Open(ctx context.Context, url string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if c.events.OnConnect != nil {
		c.events.OnConnect()
	}

	go c.pingLoop(conn)
	go c.readLoop(conn)
	return nil
}

// readLoop 接收循环：逐帧解码为 relay.Message 并上抛；
// 读错误结束循环并按断开原因上报
func (c *WebsocketChannel) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			clientInitiated := c.closed
			c.conn = nil
			c.mu.Unlock()
			if c.events.OnDisconnect != nil {
				c.events.OnDisconnect(clientInitiated, err.Error())
			}
			return
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed channel message dropped", zap.Error(err))
			continue
		}
		if c.events.OnData != nil {
			c.events.OnData(&msg)
		}
	}
}

// pingLoop 心跳循环：周期发送 ping，连接关闭时退出
func (c *WebsocketChannel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close 本地主动关闭；随后接收循环以 clientInitiated 上报断开
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
	return conn.Close()
}
