// Package metrics holds the prometheus collectors for the feed.
//
// Collectors are registered on the default registry at init, so cmd/server only
// has to mount promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_stream_state",
		Help: "Current stream connection state (0 disconnected, 1 connecting, 2 open, 3 closing)",
	})
	StreamDialTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_stream_dial_total",
		Help: "Stream dial attempts, partitioned by result",
	}, []string{"result"}) // ok/error
	StreamReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_stream_reconnect_total",
		Help: "Stream connections opened after a previous connection was lost",
	})
	PongSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_stream_pong_sent_total",
		Help: "Keep-alive pong frames sent in reply to exchange pings",
	})
	ControlFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_control_frames_total",
		Help: "Control frames sent, partitioned by method",
	}, []string{"method"}) // SUBSCRIBE/UNSUBSCRIBE

	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_active_channels",
		Help: "Channels with at least one subscriber",
	})
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_active_subscribers",
		Help: "Registered bar subscribers across all channels",
	})
	BarsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_bars_emitted_total",
		Help: "Bars delivered to subscriber callbacks",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_events_dropped_total",
		Help: "Inbound events dropped, partitioned by reason",
	}, []string{"why"}) // no_channel/out_of_order/unknown_frame/decode

	RESTDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feed_rest_request_duration_seconds",
		Help:    "Duration of exchange REST requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms -> ~40s
	}, []string{"endpoint", "result"})
)

// ObserveREST records one REST request.
func ObserveREST(endpoint string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RESTDuration.WithLabelValues(endpoint, result).Observe(time.Since(start).Seconds())
}

// Drop counts a dropped inbound event.
func Drop(why string) {
	DroppedTotal.WithLabelValues(why).Inc()
}
