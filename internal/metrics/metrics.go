// Package metrics holds the Prometheus counters of the bridge.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Messages counts controller messages by message type.
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_homekit_messages_total",
			Help: "Controller messages by type.",
		},
		[]string{"type"},
	)

	// Writes counts outbound attribute writes by result (ok|error).
	Writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_homekit_writes_total",
			Help: "Attribute writes by result.",
		},
		[]string{"result"},
	)

	// SetSkipped counts HomeKit SETs dropped because the cached value already matched.
	SetSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbee_homekit_set_skipped_total",
		Help: "HomeKit SET requests skipped because the cached value already matched.",
	})

	// ReportsMirrored counts device reports pushed into a HomeKit characteristic.
	ReportsMirrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbee_homekit_reports_mirrored_total",
		Help: "Device state reports mirrored into HomeKit.",
	})

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zigbee_homekit_http_requests_total",
			Help: "Status API requests by pattern, method and status.",
		},
		[]string{"pattern", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(Messages, Writes, SetSkipped, ReportsMirrored, requests)
}

// WriteResult returns the Writes label for err.
func WriteResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts requests handled by next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		requests.WithLabelValues(pattern, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /ws.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
