package relay

import "context"

// ChannelEvents 实时通道事件回调集合，由生命周期在每次连接尝试前装配
type ChannelEvents struct {
	// OnConnect 通道建立成功
	OnConnect func()
	// OnConnectError 通道建立失败（传输层错误）
	OnConnectError func(err error)
	// OnDisconnect 通道断开；clientInitiated 区分本地主动关闭与服务端/网络断开
	OnDisconnect func(clientInitiated bool, reason string)
	// OnData 下行数据消息
	OnData func(msg *Message)
}

// Channel 实时通道抽象；每次连接尝试使用一个新实例
type Channel interface {
	// Open 建立到 url 的连接并启动接收；建连成功触发 OnConnect
	Open(ctx context.Context, url string) error
	// Close 本地主动关闭
	Close() error
}

// ChannelFactory 通道构造函数，注入事件回调
type ChannelFactory func(events ChannelEvents) Channel
