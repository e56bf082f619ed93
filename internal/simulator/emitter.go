package simulator

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Emitter 按剧本周期性驱动设备上报
type Emitter struct {
	server *Server
	logger *zap.Logger
}

// NewEmitter 创建驱动器
func NewEmitter(server *Server, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{server: server, logger: logger}
}

// Run 启动全部设备的上报循环，ctx 取消后停止
func (e *Emitter) Run(ctx context.Context) {
	for i := range e.server.fixtures.Devices {
		device := &e.server.fixtures.Devices[i]
		go e.runDevice(ctx, device)
	}
}

// runDevice 单设备循环：先上报上线状态，随后按间隔推送遥测
func (e *Emitter) runDevice(ctx context.Context, device *DeviceFixture) {
	e.server.EmitConnectionState(device.DeviceID, device.ConnectionState)
	if device.Twin != nil {
		e.server.EmitTwin(device.DeviceID)
	}
	if len(device.Telemetry) == 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(device.EmitInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.server.EmitTelemetry(device.DeviceID, drift(device.Telemetry))
		}
	}
}

// drift 数值字段做小幅随机游走，模拟真实遥测；其余字段原样透传
func drift(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch n := v.(type) {
		case float64:
			out[k] = n * (1 + (rand.Float64()-0.5)/20)
		case int:
			out[k] = float64(n) * (1 + (rand.Float64()-0.5)/20)
		default:
			out[k] = v
		}
	}
	return out
}
