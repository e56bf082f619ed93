package relay

import (
	"errors"
	"fmt"
)

// ErrNoSession 尚未建立会话时调用远端操作
var ErrNoSession = errors.New("relay: no active session")

// ErrSessionChanged 操作执行期间会话已被重建，结果按过期丢弃
var ErrSessionChanged = errors.New("relay: session changed during operation")

// ErrDestroyed 协调器已销毁
var ErrDestroyed = errors.New("relay: coordinator destroyed")

// GrantError 授权被拒绝或授权请求出错；操作中止，不做重试
type GrantError struct {
	Key    GrantKey
	Result GrantResult
	Err    error
}

func (e *GrantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: grant %s for device %s failed: %v", e.Key.Action, e.Key.DeviceID, e.Err)
	}
	return fmt.Sprintf("relay: grant %s for device %s denied: %s", e.Key.Action, e.Key.DeviceID, e.Result)
}

func (e *GrantError) Unwrap() error { return e.Err }

// SubscriptionError 授权通过后远端订阅/退订调用失败；注册表保持原状，调用方可重试
type SubscriptionError struct {
	Descriptor Descriptor
	Op         string
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("relay: %s %s/%s failed: %v", e.Op, e.Descriptor.Type, e.Descriptor.DeviceID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
