// Package relay 实现中继客户端核心：授权缓存、订阅注册表、消息路由与连接生命周期
package relay

import (
	"encoding/json"
	"fmt"
)

// SubscriptionType 订阅类型
type SubscriptionType string

const (
	TypeTelemetry       SubscriptionType = "telemetry"
	TypeConnectionState SubscriptionType = "connectionState"
	TypeD2CMessages     SubscriptionType = "d2cMessages"
	TypeDeviceTwin      SubscriptionType = "deviceTwin"
)

// GrantAction 授权动作类型
type GrantAction string

const (
	ActionSubscribeTelemetry       GrantAction = "subscribeToTelemetry"
	ActionSubscribeConnectionState GrantAction = "subscribeToConnectionState"
	ActionSubscribeDeviceTwin      GrantAction = "subscribeToDeviceTwin"
	ActionSubscribeD2CMessages     GrantAction = "subscribeToD2CMessages"
	ActionPatchDesiredProperties   GrantAction = "patchDesiredProperties"
	ActionInvokeDirectMethod       GrantAction = "invokeDirectMethod"
)

// grantActionFor 订阅类型对应的授权动作
func grantActionFor(t SubscriptionType) GrantAction {
	switch t {
	case TypeTelemetry:
		return ActionSubscribeTelemetry
	case TypeConnectionState:
		return ActionSubscribeConnectionState
	case TypeDeviceTwin:
		return ActionSubscribeDeviceTwin
	case TypeD2CMessages:
		return ActionSubscribeD2CMessages
	}
	return ""
}

// Descriptor 物理订阅键：后端按 (类型, 设备, 会话, 遥测字段) 去重
// 多个本地订阅者可共享同一个 Descriptor
type Descriptor struct {
	Type         SubscriptionType `json:"type"`
	DeviceID     string           `json:"deviceId"`
	SessionID    string           `json:"sessionId"`
	TelemetryKey string           `json:"telemetryKey,omitempty"`
}

// GrantKey 授权缓存键：同一会话内相同动作与设备只需授权一次
type GrantKey struct {
	Action    GrantAction `json:"action"`
	DeviceID  string      `json:"deviceId"`
	SessionID string      `json:"sessionId"`
}

// SubscriptionRequest 调用方发起订阅时的请求（不含会话，由协调器补全）
// Type 为 telemetry 时必须携带 TelemetryKey
type SubscriptionRequest struct {
	Type         SubscriptionType
	DeviceID     string
	TelemetryKey string
}

// Validate 校验请求完整性
func (r SubscriptionRequest) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("subscription request: empty deviceId")
	}
	switch r.Type {
	case TypeTelemetry:
		if r.TelemetryKey == "" {
			return fmt.Errorf("subscription request: telemetry requires telemetryKey")
		}
	case TypeConnectionState, TypeD2CMessages, TypeDeviceTwin:
		if r.TelemetryKey != "" {
			return fmt.Errorf("subscription request: telemetryKey only valid for telemetry, got %s", r.Type)
		}
	default:
		return fmt.Errorf("subscription request: unknown type %q", r.Type)
	}
	return nil
}

// descriptor 补全会话后得到物理订阅键
func (r SubscriptionRequest) descriptor(sessionID string) Descriptor {
	return Descriptor{
		Type:         r.Type,
		DeviceID:     r.DeviceID,
		SessionID:    sessionID,
		TelemetryKey: r.TelemetryKey,
	}
}

// grantKey 补全会话后得到授权键
func (r SubscriptionRequest) grantKey(sessionID string) GrantKey {
	return GrantKey{
		Action:    grantActionFor(r.Type),
		DeviceID:  r.DeviceID,
		SessionID: sessionID,
	}
}

// Message 通道下行的数据消息，按非空字段判定消息种类
type Message struct {
	DeviceID        string          `json:"deviceId"`
	Telemetry       map[string]any  `json:"telemetry,omitempty"`
	ConnectionState *bool           `json:"connectionState,omitempty"`
	DeviceTwin      json.RawMessage `json:"deviceTwin,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// kindMatches 判断消息实际种类与订阅类型是否一致；不一致的投递直接跳过
func (m *Message) kindMatches(t SubscriptionType) bool {
	switch t {
	case TypeTelemetry:
		return m.Telemetry != nil
	case TypeConnectionState:
		return m.ConnectionState != nil
	case TypeDeviceTwin:
		return len(m.DeviceTwin) > 0
	case TypeD2CMessages:
		return len(m.Message) > 0
	}
	return false
}

// LastValue 网关查询到的最近一次数据
type LastValue struct {
	DeviceID  string `json:"deviceId"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// GrantResult 授权请求的判定结果
type GrantResult string

const (
	GrantGranted      GrantResult = "granted"
	GrantUnauthorized GrantResult = "unauthorized"
	GrantForbidden    GrantResult = "forbidden"
	GrantErrored      GrantResult = "error"
)

// ConnectionStatus 连接状态枚举，通过状态回调对外暴露
type ConnectionStatus string

const (
	StatusConnected          ConnectionStatus = "connected"
	StatusOffline            ConnectionStatus = "offline"
	StatusServerUnavailable  ConnectionStatus = "server_unavailable"
	StatusClientDisconnected ConnectionStatus = "client_disconnected"
	StatusServerDisconnected ConnectionStatus = "server_disconnected"
)

// Description 人类可读的状态描述
func (s ConnectionStatus) Description() string {
	switch s {
	case StatusConnected:
		return "Connected to the relay service."
	case StatusOffline:
		return "Could not reach the relay service to create a session."
	case StatusServerUnavailable:
		return "Session created but the realtime channel could not be established."
	case StatusClientDisconnected:
		return "Connection closed by the client."
	case StatusServerDisconnected:
		return "Connection closed by the server or lost."
	}
	return "Unknown connection status."
}

// DataCallback 订阅数据回调
type DataCallback func(deviceID string, data any, timestamp string)

// StatusCallback 连接状态回调
type StatusCallback func(status ConnectionStatus, description string)

// SessionCallback 会话建立回调；宿主应在此重新发起所需订阅
type SessionCallback func(sessionID string)
