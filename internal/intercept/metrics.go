package intercept

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// Metrics 拦截管线的 Prometheus 指标
type Metrics struct {
	requests      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	inflight      *prometheus.GaugeVec
}

// RegisterMetrics 注册到指定 Registerer，启动时调用一次
func RegisterMetrics(reg prometheus.Registerer) error {
	m := getMetrics()
	for _, c := range []prometheus.Collector{m.requests, m.fetchDuration, m.inflight} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func getMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			requests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cdpmock",
					Subsystem: "intercept",
					Name:      "requests_total",
					Help:      "Paused requests by interception outcome",
				},
				[]string{"outcome", "mode"},
			),
			fetchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "cdpmock",
					Subsystem: "intercept",
					Name:      "fetch_duration_seconds",
					Help:      "Time spent re-issuing matched requests",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			inflight: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "cdpmock",
					Subsystem: "intercept",
					Name:      "inflight",
					Help:      "Re-issued requests currently tracked, per session",
				},
				[]string{"session"},
			),
		}
	})
	return metrics
}
