package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	BidsProcessed   *prometheus.CounterVec
	BidsEnqueued    *prometheus.CounterVec
	Redeliveries    *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	LockAcquired    prometheus.Counter
	LockRetries     prometheus.Counter
	LockTimeouts    prometheus.Counter
	CacheRequests   *prometheus.CounterVec
	FanoutMessages  *prometheus.CounterVec
	LocalObservers  prometheus.Gauge
	ProcessDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BidsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidding_bids_processed_total",
				Help: "Bid requests that reached a terminal status, by outcome",
			},
			[]string{"outcome"},
		),
		BidsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidding_bids_enqueued_total",
				Help: "Bid requests accepted onto a queue",
			},
			[]string{"auction_id"},
		),
		Redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidding_redeliveries_total",
				Help: "Requests pushed back to the head of their queue, by cause",
			},
			[]string{"cause"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bidding_queue_depth",
				Help: "Pending requests per auction queue",
			},
			[]string{"auction_id"},
		),
		LockAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidding_lock_acquired_total",
			Help: "Auction locks acquired",
		}),
		LockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidding_lock_retries_total",
			Help: "Failed lock attempts that were retried",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidding_lock_timeouts_total",
			Help: "Lock acquisitions that exhausted their attempts",
		}),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidding_cache_requests_total",
				Help: "Read-through cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		FanoutMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidding_fanout_messages_total",
				Help: "Fanout bus messages by direction",
			},
			[]string{"direction"},
		),
		LocalObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bidding_local_observers",
			Help: "Observers attached to this process",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidding_process_duration_seconds",
			Help:    "Time from dequeue to terminal status",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BidsProcessed, m.BidsEnqueued, m.Redeliveries, m.QueueDepth,
			m.LockAcquired, m.LockRetries, m.LockTimeouts,
			m.CacheRequests, m.FanoutMessages, m.LocalObservers, m.ProcessDuration,
		)
	}
	return m
}

func (m *Metrics) BidProcessed(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.BidsProcessed.WithLabelValues(outcome).Inc()
	m.ProcessDuration.Observe(seconds)
}

func (m *Metrics) BidEnqueued(auctionID string) {
	if m == nil {
		return
	}
	m.BidsEnqueued.WithLabelValues(auctionID).Inc()
}

func (m *Metrics) Redelivered(cause string) {
	if m == nil {
		return
	}
	m.Redeliveries.WithLabelValues(cause).Inc()
}

func (m *Metrics) SetQueueDepth(auctionID string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(auctionID).Set(float64(depth))
}

func (m *Metrics) LockResult(retries int, acquired bool) {
	if m == nil {
		return
	}
	m.LockRetries.Add(float64(retries))
	if acquired {
		m.LockAcquired.Inc()
	} else {
		m.LockTimeouts.Inc()
	}
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) Fanout(direction string) {
	if m == nil {
		return
	}
	m.FanoutMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserversChanged(delta int) {
	if m == nil {
		return
	}
	m.LocalObservers.Add(float64(delta))
}

// Handler exposes the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
