// Package metrics 提供 Prometheus 注册表与客户端业务指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ClientMetrics 中继客户端业务指标
type ClientMetrics struct {
	GrantRequestTotal   *prometheus.CounterVec // labels: result=granted|unauthorized|forbidden|error
	GrantCacheHitTotal  prometheus.Counter     // 授权缓存命中计数
	RemoteCallTotal     *prometheus.CounterVec // labels: op=subscribe|unsubscribe
	MessagesRoutedTotal *prometheus.CounterVec // labels: type
	MessagesDropped     prometheus.Counter     // 无匹配订阅被丢弃的消息
	ReconnectTotal      prometheus.Counter     // 重连成功次数
	ConnectionUp        prometheus.Gauge       // 当前连接状态 0/1
	SubscriptionGauge   prometheus.Gauge       // 当前本地订阅记录数
}

// NewClientMetrics 注册并返回客户端指标
func NewClientMetrics(reg *prometheus.Registry) *ClientMetrics {
	m := &ClientMetrics{
		GrantRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_grant_request_total",
			Help: "Grant requests issued to the gateway by result.",
		}, []string{"result"}),
		GrantCacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_grant_cache_hit_total",
			Help: "Grant requests answered from the local cache.",
		}),
		RemoteCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_remote_call_total",
			Help: "Physical subscribe/unsubscribe calls issued to the gateway.",
		}, []string{"op"}),
		MessagesRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Inbound messages delivered to subscriber callbacks by type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Inbound messages with no matching subscription.",
		}),
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnect_total",
			Help: "Successful reconnects after a lost connection.",
		}),
		ConnectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connection_up",
			Help: "Whether the realtime channel is currently connected.",
		}),
		SubscriptionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscription_records",
			Help: "Current number of local subscription records.",
		}),
	}
	reg.MustRegister(
		m.GrantRequestTotal, m.GrantCacheHitTotal, m.RemoteCallTotal,
		m.MessagesRoutedTotal, m.MessagesDropped, m.ReconnectTotal,
		m.ConnectionUp, m.SubscriptionGauge,
	)
	return m
}
