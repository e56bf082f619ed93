package relay

import (
	"context"
	"encoding/json"
)

// DirectMethodRequest 直接方法调用参数
type DirectMethodRequest struct {
	MethodName             string          `json:"methodName"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	ResponseTimeoutSeconds int             `json:"responseTimeoutInSeconds,omitempty"`
	ConnectTimeoutSeconds  int             `json:"connectTimeoutInSeconds,omitempty"`
}

// Gateway 中继网关的 HTTP 面。除 CreateSession 外的调用都以当前会话为凭证，
// 会话未建立时实现必须快速失败返回 ErrNoSession。
type Gateway interface {
	// CreateSession 申请新会话标识
	CreateSession(ctx context.Context) (string, error)
	// SetSession 设置后续调用携带的会话凭证
	SetSession(sessionID string)
	// ClearSession 清除会话凭证
	ClearSession()

	// RequestGrant 发起授权请求
	RequestGrant(ctx context.Context, key GrantKey) (GrantResult, error)
	// Subscribe 建立物理订阅（幂等）
	Subscribe(ctx context.Context, d Descriptor) error
	// Unsubscribe 拆除物理订阅（幂等）
	Unsubscribe(ctx context.Context, d Descriptor) error
	// LastValue 查询最近一次数据
	LastValue(ctx context.Context, d Descriptor) (*LastValue, error)
	// InvokeDirectMethod 调用设备直接方法
	InvokeDirectMethod(ctx context.Context, deviceID string, req DirectMethodRequest) (json.RawMessage, error)
	// PatchDesiredProperties 下发期望属性补丁
	PatchDesiredProperties(ctx context.Context, deviceID string, patch map[string]any) error
}
