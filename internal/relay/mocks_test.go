package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockGateway 模拟网关用于测试
type mockGateway struct {
	mu sync.Mutex

	CreateSessionFunc func(ctx context.Context) (string, error)
	RequestGrantFunc  func(ctx context.Context, key GrantKey) (GrantResult, error)
	SubscribeFunc     func(ctx context.Context, d Descriptor) error
	UnsubscribeFunc   func(ctx context.Context, d Descriptor) error
	LastValueFunc     func(ctx context.Context, d Descriptor) (*LastValue, error)

	sessionSeq       int
	session          string
	grantCalls       []GrantKey
	subscribeCalls   []Descriptor
	unsubscribeCalls []Descriptor
}

func (g *mockGateway) CreateSession(ctx context.Context) (string, error) {
	if g.CreateSessionFunc != nil {
		return g.CreateSessionFunc(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionSeq++
	return fmt.Sprintf("session-%d", g.sessionSeq), nil
}

func (g *mockGateway) SetSession(sessionID string) {
	g.mu.Lock()
	g.session = sessionID
	g.mu.Unlock()
}

func (g *mockGateway) ClearSession() { g.SetSession("") }

func (g *mockGateway) Session() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *mockGateway) RequestGrant(ctx context.Context, key GrantKey) (GrantResult, error) {
	g.mu.Lock()
	g.grantCalls = append(g.grantCalls, key)
	g.mu.Unlock()
	if g.RequestGrantFunc != nil {
		return g.RequestGrantFunc(ctx, key)
	}
	return GrantGranted, nil
}

func (g *mockGateway) GrantCalls() []GrantKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GrantKey(nil), g.grantCalls...)
}

func (g *mockGateway) Subscribe(ctx context.Context, d Descriptor) error {
	g.mu.Lock()
	g.subscribeCalls = append(g.subscribeCalls, d)
	g.mu.Unlock()
	if g.SubscribeFunc != nil {
		return g.SubscribeFunc(ctx, d)
	}
	return nil
}

func (g *mockGateway) SubscribeCalls() []Descriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Descriptor(nil), g.subscribeCalls...)
}

func (g *mockGateway) Unsubscribe(ctx context.Context, d Descriptor) error {
	g.mu.Lock()
	g.unsubscribeCalls = append(g.unsubscribeCalls, d)
	g.mu.Unlock()
	if g.UnsubscribeFunc != nil {
		return g.UnsubscribeFunc(ctx, d)
	}
	return nil
}

func (g *mockGateway) UnsubscribeCalls() []Descriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Descriptor(nil), g.unsubscribeCalls...)
}

func (g *mockGateway) LastValue(ctx context.Context, d Descriptor) (*LastValue, error) {
	if g.LastValueFunc != nil {
		return g.LastValueFunc(ctx, d)
	}
	return nil, nil
}

func (g *mockGateway) InvokeDirectMethod(ctx context.Context, deviceID string, req DirectMethodRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (g *mockGateway) PatchDesiredProperties(ctx context.Context, deviceID string, patch map[string]any) error {
	return nil
}

// mockChannel 模拟实时通道：Open 成功即同步触发 OnConnect
type mockChannel struct {
	events  ChannelEvents
	openErr error

	mu     sync.Mutex
	closed bool
	url    string
}

func (c *mockChannel) Open(_ context.Context, url string) error {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	if c.events.OnConnect != nil {
		c.events.OnConnect()
	}
	return nil
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(true, "closed by client")
	}
	return nil
}

// channelControl 掌控每次连接尝试创建的通道，供测试注入事件
type channelControl struct {
	mu      sync.Mutex
	current *mockChannel
	openErr error
}

func (cc *channelControl) factory() ChannelFactory {
	return func(events ChannelEvents) Channel {
		cc.mu.Lock()
		defer cc.mu.Unlock()
		ch := &mockChannel{events: events, openErr: cc.openErr}
		cc.current = ch
		return ch
	}
}

func (cc *channelControl) channel() *mockChannel {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.current
}

func (cc *channelControl) setOpenErr(err error) {
	cc.mu.Lock()
	cc.openErr = err
	cc.mu.Unlock()
}

// dropFromServer 模拟服务端断开当前通道
func (cc *channelControl) dropFromServer() {
	ch := cc.channel()
	if ch != nil && ch.events.OnDisconnect != nil {
		ch.events.OnDisconnect(false, "connection reset by peer")
	}
}

// pushData 模拟通道下行一条消息
func (cc *channelControl) pushData(msg *Message) {
	ch := cc.channel()
	if ch != nil && ch.events.OnData != nil {
		ch.events.OnData(msg)
	}
}
