package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 收件箱运行指标
// 所有方法对 nil 接收者安全，未启用指标时可直接传 nil
type Metrics struct {
	MessagesSent      prometheus.Counter
	DuplicateSends    prometheus.Counter
	ReadReceipts      prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	ActiveSubscribers prometheus.Gauge
	QueueOverflows    prometheus.Counter
	ResetRequired     prometheus.Counter
	IndexRebuilds     prometheus.Counter
	IndexErrors       prometheus.Counter
	LockTimeouts      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New 创建并注册指标
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "messages_sent_total",
			Help:      "Messages accepted by send.",
		}),
		DuplicateSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "duplicate_sends_total",
			Help:      "Sends resolved to an existing message by client token.",
		}),
		ReadReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "read_receipts_total",
			Help:      "Non-empty mark_read batches.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "events_published_total",
			Help:      "Events appended to viewer streams.",
		}, []string{"kind"}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inbox",
			Name:      "active_subscriptions",
			Help:      "Subscriptions not yet closed.",
		}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "queue_overflows_total",
			Help:      "Subscriptions disconnected because their queue was full.",
		}),
		ResetRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "reset_required_total",
			Help:      "Resumes whose token fell outside the retention buffer.",
		}),
		IndexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "index_rebuilds_total",
			Help:      "Conversation summaries recomputed from the message store.",
		}),
		IndexErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "index_errors_total",
			Help:      "Conversation index cache failures.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "lock_timeouts_total",
			Help:      "Operations rejected as busy.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.MessagesSent,
		m.DuplicateSends,
		m.ReadReceipts,
		m.EventsPublished,
		m.ActiveSubscribers,
		m.QueueOverflows,
		m.ResetRequired,
		m.IndexRebuilds,
		m.IndexErrors,
		m.LockTimeouts,
	)
	return m
}

// Handler 指标导出 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicateSends.Inc()
	}
}

func (m *Metrics) IncReadReceipt() {
	if m != nil {
		m.ReadReceipts.Inc()
	}
}

func (m *Metrics) IncEvent(kind string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SubscriberOpened() {
	if m != nil {
		m.ActiveSubscribers.Inc()
	}
}

func (m *Metrics) SubscriberClosed() {
	if m != nil {
		m.ActiveSubscribers.Dec()
	}
}

func (m *Metrics) IncOverflow() {
	if m != nil {
		m.QueueOverflows.Inc()
	}
}

func (m *Metrics) IncResetRequired() {
	if m != nil {
		m.ResetRequired.Inc()
	}
}

func (m *Metrics) IncRebuild() {
	if m != nil {
		m.IndexRebuilds.Inc()
	}
}

func (m *Metrics) IncIndexError() {
	if m != nil {
		m.IndexErrors.Inc()
	}
}

func (m *Metrics) IncLockTimeout() {
	if m != nil {
		m.LockTimeouts.Inc()
	}
}
