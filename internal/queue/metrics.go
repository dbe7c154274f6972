package queue

import (
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carrierdesk"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queued messages by status",
		},
		[]string{"status"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Total dispatch outcomes by channel",
		},
		[]string{"channel", "status"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time to send one message through the transport",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	queueFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Total messages fetched by dispatcher runs (before send attempt)",
		},
	)

	rateLimitBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rate_limit_blocks_total",
			Help:      "Dispatcher runs blocked by a channel rate limit",
		},
		[]string{"channel", "reason"},
	)

	statusCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "status_callbacks_total",
			Help:      "Delivery-status callbacks processed by result",
		},
		[]string{"status"},
	)

	digestFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "digest_flushes_total",
			Help:      "Digest summary sends by channel",
		},
		[]string{"channel"},
	)

	digestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "digest_messages_total",
			Help:      "Messages rolled up into digests by channel",
		},
		[]string{"channel"},
	)

	channelWindowSent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "channel_window_sent",
			Help:      "Sends in the trailing window per channel",
		},
		[]string{"channel", "window"},
	)

	channelInterSendDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "channel_avg_inter_send_delay_seconds",
			Help:      "Average delay between sends over the trailing hour",
		},
		[]string{"channel"},
	)
)

func recordMessageSent(channel, status string) {
	messagesProcessed.WithLabelValues(channel, status).Inc()
}

func recordSendDuration(channel string, d time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func recordQueueFetched(count int) {
	queueFetched.Add(float64(count))
}

func recordRateLimited(channel, reason string) {
	rateLimitBlocks.WithLabelValues(channel, reason).Inc()
}

func recordStatusCallback(status string) {
	statusCallbacks.WithLabelValues(status).Inc()
}

func recordDigestFlush(channel string, messages int) {
	digestFlushes.WithLabelValues(channel).Inc()
	digestMessages.WithLabelValues(channel).Add(float64(messages))
}

// RecordQueueStats updates queue size gauges.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues(string(domain.StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(domain.StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(domain.StatusDelivered)).Set(float64(stats.Delivered))
	queueSize.WithLabelValues(string(domain.StatusRead)).Set(float64(stats.Read))
	queueSize.WithLabelValues(string(domain.StatusFailed)).Set(float64(stats.Failed))
}

// RecordWindowState updates the per-channel rate window gauges.
func RecordWindowState(state WindowState) {
	channelWindowSent.WithLabelValues(string(state.Channel), "1m").Set(float64(state.SentLastMinute))
	channelWindowSent.WithLabelValues(string(state.Channel), "1h").Set(float64(state.SentLastHour))
	channelInterSendDelay.WithLabelValues(string(state.Channel)).Set(state.AverageInterSendDelay.Seconds())
}
