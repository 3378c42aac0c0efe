// Package metrics содержит prometheus-метрики сервиса кредитов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal считает обработанные HTTP-запросы.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabeeb_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPRequestDuration измеряет длительность обработки HTTP-запросов.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabeeb_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// CodesGeneratedTotal считает выпущенные коды активации.
	CodesGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabeeb_codes_generated_total",
			Help: "Total number of redemption codes generated",
		},
	)

	// CodesRedeemedTotal считает успешно активированные коды.
	CodesRedeemedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabeeb_codes_redeemed_total",
			Help: "Total number of redemption codes redeemed",
		},
	)

	// PurchasesTotal считает успешные покупки доступа по типам ресурсов.
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabeeb_purchases_total",
			Help: "Total number of successful resource purchases",
		},
		[]string{"resource_kind"},
	)

	// VideoMinutesConsumedTotal считает списанные минуты просмотра.
	VideoMinutesConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabeeb_video_minutes_consumed_total",
			Help: "Total number of video minutes consumed",
		},
	)

	// InsufficientCreditsTotal считает отказы из-за нехватки кредитов.
	InsufficientCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabeeb_insufficient_credits_total",
			Help: "Total number of operations rejected for insufficient credits",
		},
		[]string{"reason"},
	)
)
