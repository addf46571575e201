// internal/service/metrics.go
// Prometheus 指标，由图表服务的 /metrics 端点暴露。
package service

import "github.com/prometheus/client_golang/prometheus"

var (
	// 网关请求按结果分类 (ok / rate_limited / unavailable / error)
	MtxGatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_gateway_requests_total",
			Help: "Gateway REST requests by outcome",
		},
		[]string{"outcome"},
	)

	// 推流重连次数
	MtxFeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_feed_reconnects_total",
			Help: "Feed reconnect attempts",
		},
		[]string{"symbol", "interval"},
	)

	// 因乱序/重复而被丢弃的已收盘 K 线
	MtxFeedDroppedFinals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_feed_dropped_finals_total",
			Help: "Out-of-order or duplicate final candles dropped by the feed",
		},
		[]string{"symbol", "interval"},
	)

	// 策略评估按结果分类 (open_long / open_short / donothing / error)
	MtxEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_evaluations_total",
			Help: "Strategy evaluations by result",
		},
		[]string{"strategy", "result"},
	)

	// 产生的下单指令
	MtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order instructions by mode and side",
		},
		[]string{"mode", "side"},
	)

	// 账户权益快照
	MtxEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity_usd",
			Help: "Account equity snapshot in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MtxGatewayRequests,
		MtxFeedReconnects,
		MtxFeedDroppedFinals,
		MtxEvaluations,
		MtxOrders,
		MtxEquity,
	)
}
