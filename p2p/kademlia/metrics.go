package kademlia

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LumeraProtocol/ledgernode/pkg/errors"
)

// outcome labels of rpc_calls_total
const (
	rpcResultOK        = "ok"
	rpcResultTimeout   = "timeout"
	rpcResultViolation = "violation"
	rpcResultAbandoned = "abandoned"
	rpcResultError     = "error"
)

func rpcResult(err error) string {
	switch {
	case err == nil:
		return rpcResultOK
	case errors.Is(err, ErrTimeout):
		return rpcResultTimeout
	case errors.Is(err, ErrProtocolViolation):
		return rpcResultViolation
	case isAbandoned(err):
		return rpcResultAbandoned
	default:
		return rpcResultError
	}
}

type StoreSuccessPoint struct {
	Time        time.Time `json:"time"`
	Requests    int       `json:"requests"`
	Successful  int       `json:"successful"`
	SuccessRate float64   `json:"success_rate"`
}

type LookupPoint struct {
	Time     time.Time     `json:"time"`
	Kind     string        `json:"kind"`
	Rounds   int           `json:"rounds"`
	Found    bool          `json:"found"`
	Duration time.Duration `json:"duration"`
}

type DHTMetricsSnapshot struct {
	// rolling windows
	StoreSuccessRecent []StoreSuccessPoint `json:"store_success_recent"`
	LookupRecent       []LookupPoint       `json:"lookup_recent"`

	// counters
	RPCSent          int64 `json:"rpc_sent"`
	RPCFailed        int64 `json:"rpc_failed"`
	RequestsHandled  int64 `json:"requests_handled"`
	DatagramsDropped int64 `json:"datagrams_dropped"`
	Evictions        int64 `json:"evictions"`
	Republished      int64 `json:"republished"`
}

// DHTMetrics keeps the in-process view used by Stats and exports the same
// signals to a per-DHT prometheus registry.
type DHTMetrics struct {
	mu sync.Mutex

	// bounded windows (most recent first)
	storeSuccess []StoreSuccessPoint
	lookups      []LookupPoint
	maxWindow    int

	rpcSent          atomic.Int64
	rpcFailed        atomic.Int64
	requestsHandled  atomic.Int64
	datagramsDropped atomic.Int64
	evictions        atomic.Int64
	republished      atomic.Int64

	registry    *prometheus.Registry
	rpcCalls    *prometheus.CounterVec
	rpcHandled  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	crawlRounds *prometheus.HistogramVec
}

func newDHTMetrics(contacts func() int, values func() int) *DHTMetrics {
	m := &DHTMetrics{
		maxWindow: 48,
		registry:  prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dht",
			Name:      "rpc_calls_total",
			Help:      "Outbound RPCs by message type and result.",
		}, []string{"type", "result"}),
		rpcHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dht",
			Name:      "rpc_handled_total",
			Help:      "Inbound requests handled by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dht",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped by reason.",
		}, []string{"reason"}),
		crawlRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dht",
			Name:      "crawl_rounds",
			Help:      "Rounds needed by a crawl to converge.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.rpcCalls, m.rpcHandled, m.dropped, m.crawlRounds)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dht",
		Name:      "routing_table_contacts",
		Help:      "Contacts currently in the routing table.",
	}, func() float64 { return float64(contacts()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dht",
		Name:      "stored_values",
		Help:      "Values held in the local store.",
	}, func() float64 { return float64(values()) }))
	return m
}

// Registry exposes the prometheus registry of this DHT.
func (m *DHTMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *DHTMetrics) RecordCall(t MessageType, err error) {
	m.rpcSent.Add(1)
	result := rpcResult(err)
	if result != rpcResultOK {
		m.rpcFailed.Add(1)
	}
	m.rpcCalls.WithLabelValues(t.String(), result).Inc()
}

func (m *DHTMetrics) IncHandled(t MessageType) {
	m.requestsHandled.Add(1)
	m.rpcHandled.WithLabelValues(t.String()).Inc()
}

func (m *DHTMetrics) IncDropped(reason string) {
	m.datagramsDropped.Add(1)
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *DHTMetrics) IncEviction()    { m.evictions.Add(1) }
func (m *DHTMetrics) IncRepublished() { m.republished.Add(1) }

func (m *DHTMetrics) RecordStoreSuccess(req, succ int) {
	rate := 0.0
	if req > 0 {
		rate = (float64(succ) / float64(req)) * 100.0
	}
	m.mu.Lock()
	m.storeSuccess = append([]StoreSuccessPoint{{
		Time:        time.Now().UTC(),
		Requests:    req,
		Successful:  succ,
		SuccessRate: rate,
	}}, m.storeSuccess...)
	if len(m.storeSuccess) > m.maxWindow {
		m.storeSuccess = m.storeSuccess[:m.maxWindow]
	}
	m.mu.Unlock()
}

func (m *DHTMetrics) RecordLookup(kind string, rounds int, found bool, dur time.Duration) {
	m.crawlRounds.WithLabelValues(kind).Observe(float64(rounds))
	m.mu.Lock()
	m.lookups = append([]LookupPoint{{
		Time:     time.Now().UTC(),
		Kind:     kind,
		Rounds:   rounds,
		Found:    found,
		Duration: dur,
	}}, m.lookups...)
	if len(m.lookups) > m.maxWindow {
		m.lookups = m.lookups[:m.maxWindow]
	}
	m.mu.Unlock()
}

func (m *DHTMetrics) Snapshot() DHTMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	// shallow copies of bounded windows
	return DHTMetricsSnapshot{
		StoreSuccessRecent: append([]StoreSuccessPoint(nil), m.storeSuccess...),
		LookupRecent:       append([]LookupPoint(nil), m.lookups...),
		RPCSent:            m.rpcSent.Load(),
		RPCFailed:          m.rpcFailed.Load(),
		RequestsHandled:    m.requestsHandled.Load(),
		DatagramsDropped:   m.datagramsDropped.Load(),
		Evictions:          m.evictions.Load(),
		Republished:        m.republished.Load(),
	}
}
