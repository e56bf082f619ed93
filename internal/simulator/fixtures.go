// Package simulator 实现中继服务模拟器：会话签发、授权判定、订阅簿记、
// 实时推送与最近值应答，供本地开发与端到端测试使用
package simulator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/iot-relay-client/internal/relay"
)

// Duration yaml 可解析的时长（"2s" 形式）
type Duration time.Duration

// UnmarshalYAML 按 time.ParseDuration 解析
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DeviceFixture 脚本化设备：声明遥测字段、上线状态、孪生文档与方法应答
type DeviceFixture struct {
	DeviceID        string                    `yaml:"deviceId"`
	EmitInterval    Duration                  `yaml:"emitInterval"`
	Telemetry       map[string]any            `yaml:"telemetry"`
	ConnectionState bool                      `yaml:"connectionState"`
	Twin            map[string]any            `yaml:"twin"`
	Methods         map[string]map[string]any `yaml:"methods"`
}

// GrantDenyRule 授权拒绝规则；命中时返回 forbidden
type GrantDenyRule struct {
	Action   relay.GrantAction `yaml:"action"`
	DeviceID string            `yaml:"deviceId"`
}

// Fixtures 模拟器剧本
type Fixtures struct {
	Devices []DeviceFixture `yaml:"devices"`
	Grants  struct {
		Deny []GrantDenyRule `yaml:"deny"`
	} `yaml:"grants"`
}

// DefaultFixtures 返回内置剧本：两台周期上报的设备
func DefaultFixtures() *Fixtures {
	return &Fixtures{
		Devices: []DeviceFixture{
			{
				DeviceID:        "simulated-device-1",
				EmitInterval:    Duration(2 * time.Second),
				Telemetry:       map[string]any{"temperature": 21.5, "humidity": 40.0},
				ConnectionState: true,
				Twin:            map[string]any{"reported": map[string]any{"firmware": "1.0.0"}},
				Methods:         map[string]map[string]any{"reboot": {"status": "ok"}},
			},
			{
				DeviceID:        "simulated-device-2",
				EmitInterval:    Duration(5 * time.Second),
				Telemetry:       map[string]any{"pressure": 101.3},
				ConnectionState: true,
			},
		},
	}
}

// LoadFixtures 从 YAML 文件加载剧本
func LoadFixtures(path string) (*Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("unmarshal fixtures: %w", err)
	}
	for i := range f.Devices {
		if f.Devices[i].DeviceID == "" {
			return nil, fmt.Errorf("fixtures: device %d has empty deviceId", i)
		}
		if f.Devices[i].EmitInterval <= 0 {
			f.Devices[i].EmitInterval = Duration(2 * time.Second)
		}
	}
	return &f, nil
}

// Device 按设备标识查找剧本设备
func (f *Fixtures) Device(deviceID string) (*DeviceFixture, bool) {
	for i := range f.Devices {
		if f.Devices[i].DeviceID == deviceID {
			return &f.Devices[i], true
		}
	}
	return nil, false
}

// Denied 授权请求是否命中拒绝规则
func (f *Fixtures) Denied(action relay.GrantAction, deviceID string) bool {
	for _, rule := range f.Grants.Deny {
		if rule.Action == action && rule.DeviceID == deviceID {
			return true
		}
	}
	return false
}
