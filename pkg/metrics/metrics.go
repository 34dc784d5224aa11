package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "devnode"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	// Transport label values
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"

	RateLimiter = "rate_limiter"
	ForkCache   = "fork_cache"
	Gateway     = "gateway"
	Chain       = "chain"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from several nodes scraped by one Prometheus.
type Labels struct {
	EVMChainID  uint64 // EVM chain ID (e.g., 43114 for C-Chain mainnet)
	Environment string // Deployment environment (e.g., "ci", "development")
	Flavor      string // Network flavor (e.g., "ethereum", "avalanche")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.EVMChainID != 0 {
		labels["evm_chain_id"] = strconv.FormatUint(l.EVMChainID, 10)
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Flavor != "" {
		labels["flavor"] = l.Flavor
	}
	return labels
}

type Metrics struct {
	errors *prometheus.CounterVec

	// Upstream (fork source) RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge

	// Rate limiter state
	rateLimitDecisions *prometheus.CounterVec
	rateLimitEstimate  prometheus.Gauge
	rateLimitLimit     prometheus.Gauge

	// Fork response cache
	cacheLookups *prometheus.CounterVec

	// Gateway metrics
	connectionsOpen  *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	pendingResponses prometheus.Gauge

	// Local chain metrics
	head          prometheus.Gauge
	blocksMined   prometheus.Counter
	subscriptions prometheus.Gauge
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., evm_chain_id), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	// Wrap the registerer with constant labels if any are provided
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

// newMetrics is the internal constructor that creates and registers all metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total fork source RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Fork source RPC call duration in seconds",
			// Buckets cover typical RPC latencies: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Number of fork source RPC calls currently in progress",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RateLimiter,
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by outcome (allowed/throttled)",
		}, []string{"outcome"}),
		rateLimitEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RateLimiter,
			Name:      "estimate",
			Help:      "Weighted request estimate for the current window",
		}),
		rateLimitLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RateLimiter,
			Name:      "limit",
			Help:      "Configured requests per window (0 means unlimited)",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ForkCache,
			Name:      "lookups_total",
			Help:      "Fork response cache lookups by result (hit/miss)",
		}, []string{"result"}),
		connectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Gateway,
			Name:      "connections_open",
			Help:      "Number of open client connections by transport",
		}, []string{"transport"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Gateway,
			Name:      "requests_total",
			Help:      "Total JSON-RPC requests by transport and status",
		}, []string{"transport", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Gateway,
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request dispatch duration by transport",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"transport"}),
		pendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Gateway,
			Name:      "pending_responses",
			Help:      "Responses admitted to an ordered queue and not yet delivered",
		}),
		head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Chain,
			Name:      "head",
			Help:      "Number of the latest local block",
		}),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Chain,
			Name:      "blocks_mined_total",
			Help:      "Total number of blocks mined on top of the fork",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Chain,
			Name:      "subscriptions",
			Help:      "Number of active newHeads subscriptions",
		}),
	}

	err := errors.Join(
		reg.Register(m.errors),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.rateLimitDecisions),
		reg.Register(m.rateLimitEstimate),
		reg.Register(m.rateLimitLimit),
		reg.Register(m.cacheLookups),
		reg.Register(m.connectionsOpen),
		reg.Register(m.requests),
		reg.Register(m.requestDuration),
		reg.Register(m.pendingResponses),
		reg.Register(m.head),
		reg.Register(m.blocksMined),
		reg.Register(m.subscriptions),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for non-RPC errors (RPC errors are tracked via rpcCalls{status="error"}).
const (
	ErrTypeParse         = "parse"
	ErrTypeWrite         = "write"
	ErrTypeNotify        = "notify"
	ErrTypeDoubleResolve = "double_resolve"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordRateLimitDecision records whether a fork request was admitted right away.
func (m *Metrics) RecordRateLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "throttled"
	}
	m.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

// UpdateRateLimiterUsage exports the limiter's current estimate and limit.
func (m *Metrics) UpdateRateLimiterUsage(estimate float64, limit uint64) {
	if m == nil {
		return
	}
	m.rateLimitEstimate.Set(estimate)
	m.rateLimitLimit.Set(float64(limit))
}

// RecordCacheLookup records a fork response cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IncConnections increments the open connections gauge for transport.
func (m *Metrics) IncConnections(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(transport).Inc()
}

// DecConnections decrements the open connections gauge for transport.
func (m *Metrics) DecConnections(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(transport).Dec()
}

// RecordRequest records a dispatched JSON-RPC request. A non-nil err is a request
// answered with an error object.
func (m *Metrics) RecordRequest(transport string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.requests.WithLabelValues(transport, status).Inc()
	m.requestDuration.WithLabelValues(transport).Observe(durationSeconds)
}

// AddPendingResponses adjusts the pending responses gauge by delta.
func (m *Metrics) AddPendingResponses(delta int) {
	if m == nil {
		return
	}
	m.pendingResponses.Add(float64(delta))
}

// RecordMinedBlock records a locally mined block.
func (m *Metrics) RecordMinedBlock(number uint64) {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
	m.head.Set(float64(number))
}

// SetHead sets the local head gauge.
func (m *Metrics) SetHead(number uint64) {
	if m == nil {
		return
	}
	m.head.Set(float64(number))
}

// SetSubscriptions sets the active subscriptions gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
