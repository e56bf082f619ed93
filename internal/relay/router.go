package relay

import (
	"go.uber.org/zap"
)

// Delivery 路由结果：一条待投递的数据及其目标回调
type Delivery struct {
	SubscriberID string
	Type         SubscriptionType
	DeviceID     string
	Data         any
	Timestamp    string
	onData       DataCallback
}

// Route 对一条下行消息计算全部应投递的目标。路由只读不改状态：
//   - 仅匹配 deviceId 相同的记录；
//   - 消息实际种类与订阅类型不符的记录静默跳过；
//   - 遥测记录按订阅者聚合，载荷裁剪为该订阅者显式订阅过的字段，
//     消息中多余的遥测字段一律丢弃（回调取该订阅者首条遥测记录的回调）；
//   - 其余类型原样透传载荷。
func Route(msg *Message, records []SubscriptionRecord) []Delivery {
	if msg == nil || msg.DeviceID == "" {
		return nil
	}

	var out []Delivery
	// 遥测聚合：subscriberID -> 输出槽位
	telemetryIdx := make(map[string]int)

	for _, rec := range records {
		if rec.Descriptor.DeviceID != msg.DeviceID {
			continue
		}
		if !msg.kindMatches(rec.Descriptor.Type) {
			continue
		}
		switch rec.Descriptor.Type {
		case TypeTelemetry:
			i, ok := telemetryIdx[rec.SubscriberID]
			if !ok {
				out = append(out, Delivery{
					SubscriberID: rec.SubscriberID,
					Type:         TypeTelemetry,
					DeviceID:     msg.DeviceID,
					Data:         map[string]any{},
					Timestamp:    msg.Timestamp,
					onData:       rec.OnData,
				})
				i = len(out) - 1
				telemetryIdx[rec.SubscriberID] = i
			}
			if v, present := msg.Telemetry[rec.Descriptor.TelemetryKey]; present {
				out[i].Data.(map[string]any)[rec.Descriptor.TelemetryKey] = v
			}
		case TypeConnectionState:
			out = append(out, Delivery{
				SubscriberID: rec.SubscriberID,
				Type:         TypeConnectionState,
				DeviceID:     msg.DeviceID,
				Data:         *msg.ConnectionState,
				Timestamp:    msg.Timestamp,
				onData:       rec.OnData,
			})
		case TypeDeviceTwin:
			out = append(out, Delivery{
				SubscriberID: rec.SubscriberID,
				Type:         TypeDeviceTwin,
				DeviceID:     msg.DeviceID,
				Data:         msg.DeviceTwin,
				Timestamp:    msg.Timestamp,
				onData:       rec.OnData,
			})
		case TypeD2CMessages:
			out = append(out, Delivery{
				SubscriberID: rec.SubscriberID,
				Type:         TypeD2CMessages,
				DeviceID:     msg.DeviceID,
				Data:         msg.Message,
				Timestamp:    msg.Timestamp,
				onData:       rec.OnData,
			})
		}
	}
	return out
}

// Dispatch 逐条执行投递回调。单个回调 panic 不得阻断其余投递，
// 统一 recover 并记录日志。
func Dispatch(logger *zap.Logger, deliveries []Delivery) {
	for _, d := range deliveries {
		invoke(logger, d)
	}
}

func invoke(logger *zap.Logger, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("subscriber callback panicked",
				zap.String("subscriber_id", d.SubscriberID),
				zap.String("device_id", d.DeviceID),
				zap.String("type", string(d.Type)),
				zap.Any("panic", rec),
			)
		}
	}()
	if d.onData == nil {
		return
	}
	d.onData(d.DeviceID, d.Data, d.Timestamp)
}
