package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsgate_active_sessions", Help: "Sessions holding an admission slot"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_sessions_total", Help: "Closed sessions by reason"}, []string{"reason"})
	AdmissionRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_admission_rejected_total", Help: "Upgrades refused at the session ceiling"})
	RateLimitedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_ratelimited_total", Help: "Upgrades refused by the per-IP rate limiter"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_errors_total", Help: "Errors by type"}, []string{"type"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_relay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsgate_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	DialDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsgate_dial_duration_seconds", Help: "Destination connect latency", Buckets: prometheus.DefBuckets})
)
