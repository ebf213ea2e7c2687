// Package metrics exports prepare/fetch/serve telemetry to Prometheus. All
// Observer methods are nil-safe so components can run without metrics.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prepare results.
const (
	PrepareHit     = "hit"
	PrepareJoined  = "joined"
	PrepareMiss    = "miss"
	PrepareInvalid = "invalid"
)

// Observer 汇总缓存子系统的 Prometheus 指标。
type Observer struct {
	prepares      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	redirects     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchedBytes  *prometheus.CounterVec
	servedBytes   *prometheus.CounterVec
	responses     *prometheus.CounterVec
}

// NewObserver 注册全部指标；重复注册时复用已存在的 collector。
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "songcache"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		prepares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prepare_total",
			Help:      "Prepare requests by outcome (hit, joined, miss, invalid).",
		}, []string{"backend", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Concluded fetch chains by terminal outcome.",
		}, []string{"backend", "outcome"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_redirects_total",
			Help:      "Redirect responses followed while fetching.",
		}, []string{"backend"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Fetch restarts after transport failures.",
		}, []string{"backend"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of a fetch chain including redirects and retries.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend"}),
		fetchedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes committed to the cache.",
		}, []string{"backend"}),
		servedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_bytes_total",
			Help:      "Bytes written to clients by the content server.",
		}, []string{"backend"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_responses_total",
			Help:      "Content server responses by status code.",
		}, []string{"backend", "status"}),
	}

	vecs := []**prometheus.CounterVec{&o.prepares, &o.fetches, &o.redirects, &o.retries, &o.fetchedBytes, &o.servedBytes, &o.responses}
	for _, vec := range vecs {
		if err := reg.Register(*vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					*vec = existing
					continue
				}
			}
			return nil, fmt.Errorf("register counter: %w", err)
		}
	}
	if err := reg.Register(o.fetchDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register histogram: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("register histogram: %w", err)
		}
		o.fetchDuration = existing
	}
	return o, nil
}

// RecordPrepare counts one Prepare call.
func (o *Observer) RecordPrepare(backend, result string) {
	if o == nil {
		return
	}
	o.prepares.WithLabelValues(backend, result).Inc()
}

// RecordRedirect counts one followed redirect.
func (o *Observer) RecordRedirect(backend string) {
	if o == nil {
		return
	}
	o.redirects.WithLabelValues(backend).Inc()
}

// RecordRetry counts one restart after a transport failure.
func (o *Observer) RecordRetry(backend string) {
	if o == nil {
		return
	}
	o.retries.WithLabelValues(backend).Inc()
}

// RecordFetch 记录一次完整 fetch 链的结果、耗时与提交字节数。
func (o *Observer) RecordFetch(backend, outcome string, duration time.Duration, size int64) {
	if o == nil {
		return
	}
	o.fetches.WithLabelValues(backend, outcome).Inc()
	o.fetchDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if size > 0 {
		o.fetchedBytes.WithLabelValues(backend).Add(float64(size))
	}
}

// RecordServe 记录 content server 的响应状态与写出字节数。
func (o *Observer) RecordServe(backend string, status int, written int64) {
	if o == nil {
		return
	}
	o.responses.WithLabelValues(backend, fmt.Sprintf("%d", status)).Inc()
	if written > 0 {
		o.servedBytes.WithLabelValues(backend).Add(float64(written))
	}
}
