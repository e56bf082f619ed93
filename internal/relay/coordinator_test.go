package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T, gw *mockGateway, cc *channelControl) *Coordinator {
	t.Helper()
	c := NewCoordinator(CoordinatorOptions{
		Gateway:    gw,
		NewChannel: cc.factory(),
		Lifecycle: LifecycleConfig{
			WebsocketURL:  "ws://simulator/ws",
			RetryInterval: 20 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	t.Cleanup(c.Destroy)
	return c
}

func telemetryReq(deviceID, key string) SubscriptionRequest {
	return SubscriptionRequest{Type: TypeTelemetry, DeviceID: deviceID, TelemetryKey: key}
}

func TestCoordinator_NoSessionGuard(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	ctx := context.Background()

	// 未连接时任何远端操作立即失败，且不触碰网关
	err := c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "temperature"), nil)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "widget-a", telemetryReq("device-1", "temperature")), ErrNoSession)
	assert.ErrorIs(t, c.Grant(ctx, ActionInvokeDirectMethod, "device-1"), ErrNoSession)
	_, err = c.InvokeDirectMethod(ctx, "device-1", DirectMethodRequest{MethodName: "reboot"})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.PatchDesiredProperties(ctx, "device-1", map[string]any{"interval": 30}), ErrNoSession)

	assert.Empty(t, gw.GrantCalls())
	assert.Empty(t, gw.SubscribeCalls())
}

func TestCoordinator_RefcountDedup(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	require.Equal(t, "session-1", c.SessionID())
	ctx := context.Background()

	req := telemetryReq("device-1", "temperature")

	// 三个订阅者共享同一物理订阅：仅 0→1 时远端订阅一次
	for _, id := range []string{"widget-a", "widget-b", "widget-c"} {
		require.NoError(t, c.Subscribe(ctx, id, req, nil))
	}
	assert.Len(t, gw.SubscribeCalls(), 1)
	assert.True(t, c.HasSubscription("widget-b", req))

	// 非末位退订不触发远端调用
	require.NoError(t, c.Unsubscribe(ctx, "widget-a", req))
	require.NoError(t, c.Unsubscribe(ctx, "widget-b", req))
	assert.Empty(t, gw.UnsubscribeCalls())

	// 末位退订（1→0）才远端退订
	require.NoError(t, c.Unsubscribe(ctx, "widget-c", req))
	require.Len(t, gw.UnsubscribeCalls(), 1)
	assert.Equal(t, req.descriptor("session-1"), gw.UnsubscribeCalls()[0])
	assert.False(t, c.HasSubscription("widget-c", req))
}

func TestCoordinator_GrantCachedPerActionAndDevice(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	// 同设备不同遥测字段共用一个授权键，只授权一次
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "temperature"), nil))
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "humidity"), nil))
	assert.Len(t, gw.GrantCalls(), 1)

	// 不同动作或不同设备需要各自授权
	require.NoError(t, c.Subscribe(ctx, "widget-a", SubscriptionRequest{Type: TypeConnectionState, DeviceID: "device-1"}, nil))
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-2", "temperature"), nil))
	assert.Len(t, gw.GrantCalls(), 3)
}

func TestCoordinator_GrantDeniedAbortsSubscribe(t *testing.T) {
	gw := &mockGateway{}
	gw.RequestGrantFunc = func(ctx context.Context, key GrantKey) (GrantResult, error) {
		return GrantForbidden, nil
	}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	req := telemetryReq("device-1", "temperature")
	err := c.Subscribe(ctx, "widget-a", req, nil)

	var ge *GrantError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, GrantForbidden, ge.Result)
	// 拒绝中止整个操作：无远端订阅，注册表不变
	assert.Empty(t, gw.SubscribeCalls())
	assert.False(t, c.HasSubscription("widget-a", req))
}

func TestCoordinator_SubscribeFailureLeavesRegistryUnchanged(t *testing.T) {
	gw := &mockGateway{}
	boom := errors.New("503 service unavailable")
	gw.SubscribeFunc = func(ctx context.Context, d Descriptor) error { return boom }
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	req := telemetryReq("device-1", "temperature")
	err := c.Subscribe(ctx, "widget-a", req, nil)

	var se *SubscriptionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "subscribe", se.Op)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.HasSubscription("widget-a", req))

	// 远端恢复后重试成功
	gw.SubscribeFunc = nil
	require.NoError(t, c.Subscribe(ctx, "widget-a", req, nil))
	assert.True(t, c.HasSubscription("widget-a", req))
}

func TestCoordinator_UnsubscribeFailureKeepsRecord(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	req := telemetryReq("device-1", "temperature")
	require.NoError(t, c.Subscribe(ctx, "widget-a", req, nil))

	boom := errors.New("504 gateway timeout")
	gw.UnsubscribeFunc = func(ctx context.Context, d Descriptor) error { return boom }

	err := c.Unsubscribe(ctx, "widget-a", req)
	var se *SubscriptionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "unsubscribe", se.Op)
	// 远端失败时本地记录保持原状，调用方可重试
	assert.True(t, c.HasSubscription("widget-a", req))

	gw.UnsubscribeFunc = nil
	require.NoError(t, c.Unsubscribe(ctx, "widget-a", req))
	assert.False(t, c.HasSubscription("widget-a", req))
}

func TestCoordinator_LastValueDeliveredBeforeRegistration(t *testing.T) {
	gw := &mockGateway{}
	gw.LastValueFunc = func(ctx context.Context, d Descriptor) (*LastValue, error) {
		return &LastValue{DeviceID: d.DeviceID, Data: map[string]any{"temperature": 21.5}, Timestamp: "2026-08-27T10:00:00Z"}, nil
	}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()

	var got any
	require.NoError(t, c.Subscribe(context.Background(), "widget-a", telemetryReq("device-1", "temperature"),
		func(deviceID string, data any, timestamp string) {
			got = data
		}))
	assert.Equal(t, map[string]any{"temperature": 21.5}, got)
}

func TestCoordinator_RoutesChannelData(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	var mu sync.Mutex
	var got any
	onData := func(deviceID string, data any, timestamp string) {
		mu.Lock()
		got = data
		mu.Unlock()
	}
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "a"), onData))
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "c"), onData))

	cc.pushData(&Message{
		DeviceID:  "device-1",
		Telemetry: map[string]any{"a": 1, "b": 2, "c": 3},
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, got)
}

func TestCoordinator_ReconnectWipesSessionState(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	req := telemetryReq("device-1", "temperature")
	require.NoError(t, c.Subscribe(ctx, "widget-a", req, nil))
	require.Len(t, gw.GrantCalls(), 1)

	cc.dropFromServer()
	require.Eventually(t, func() bool {
		return c.SessionID() == "session-2"
	}, 2*time.Second, 10*time.Millisecond)

	// 旧会话的订阅与授权整体作废
	assert.False(t, c.HasSubscription("widget-a", req))
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-a"))

	// 重新订阅需在新会话下重新授权、重新远端订阅
	require.NoError(t, c.Subscribe(ctx, "widget-a", req, nil))
	grants := gw.GrantCalls()
	require.Len(t, grants, 2)
	assert.Equal(t, "session-2", grants[1].SessionID)
	subs := gw.SubscribeCalls()
	require.Len(t, subs, 2)
	assert.Equal(t, "session-2", subs[1].SessionID)
}

func TestCoordinator_SessionChangedDuringSubscribe(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)

	// 远端订阅执行期间会话被服务端断开：过期结果不落地
	gw.SubscribeFunc = func(ctx context.Context, d Descriptor) error {
		cc.dropFromServer()
		return nil
	}
	c.Connect()

	req := telemetryReq("device-1", "temperature")
	err := c.Subscribe(context.Background(), "widget-a", req, nil)
	assert.ErrorIs(t, err, ErrSessionChanged)
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-a"))
}

func TestCoordinator_RemoveSubscriberIDIdempotent(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "temperature"), nil))
	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "humidity"), nil))
	require.NoError(t, c.Subscribe(ctx, "widget-b", telemetryReq("device-1", "temperature"), nil))

	c.RemoveSubscriberID(ctx, "widget-a")
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-a"))
	// widget-b 仍持有引用，temperature 不被远端退订；humidity 归零被退订
	unsubs := gw.UnsubscribeCalls()
	require.Len(t, unsubs, 1)
	assert.Equal(t, "humidity", unsubs[0].TelemetryKey)
	assert.True(t, c.HasSubscription("widget-b", telemetryReq("device-1", "temperature")))

	// 重复清理为空操作
	c.RemoveSubscriberID(ctx, "widget-a")
	assert.Len(t, gw.UnsubscribeCalls(), 1)
}

func TestCoordinator_RemoveSubscriberIDClearsLocalOnRemoteFailure(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "temperature"), nil))
	gw.UnsubscribeFunc = func(ctx context.Context, d Descriptor) error {
		return errors.New("503 service unavailable")
	}

	// 远端退订失败只记日志，本地记录仍被清空
	c.RemoveSubscriberID(ctx, "widget-a")
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-a"))
	assert.False(t, c.HasSubscription("widget-a", telemetryReq("device-1", "temperature")))
}

func TestCoordinator_UnsubscribeAll(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "widget-a", telemetryReq("device-1", "temperature"), nil))
	require.NoError(t, c.Subscribe(ctx, "widget-b", telemetryReq("device-2", "pressure"), nil))

	require.NoError(t, c.UnsubscribeAll(ctx))
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-a"))
	assert.Empty(t, c.SubscriberIDSubscriptions("widget-b"))
	assert.Len(t, gw.UnsubscribeCalls(), 2)
}

func TestCoordinator_ValidateRejectsMalformedRequests(t *testing.T) {
	gw := &mockGateway{}
	cc := &channelControl{}
	c := newTestCoordinator(t, gw, cc)
	c.Connect()
	ctx := context.Background()

	cases := []SubscriptionRequest{
		// 遥测缺字段
		{Type: TypeTelemetry, DeviceID: "device-1"},
		// 非遥测类型带遥测字段
		{Type: TypeConnectionState, DeviceID: "device-1", TelemetryKey: "temperature"},
		// 未知类型
		{Type: "bogus", DeviceID: "device-1"},
		// 空设备
		{Type: TypeTelemetry, DeviceID: "", TelemetryKey: "temperature"},
	}
	for _, req := range cases {
		assert.Error(t, c.Subscribe(ctx, "widget-a", req, nil))
	}
	assert.Empty(t, gw.GrantCalls())
}
