package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connections     prometheus.Gauge
	rooms           prometheus.Gauge
	frames          *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	persists        *prometheus.CounterVec
	fanout          *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydoc_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaydoc_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaydoc_ws_connections",
			Help: "Open websocket connections.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaydoc_rooms_active",
			Help: "Projects with at least one connected peer.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydoc_frames_total",
			Help: "Websocket frames by direction and message kind.",
		}, []string{"direction", "kind"}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydoc_script_pushes_total",
			Help: "Out-of-band script pushes by result.",
		}, []string{"result"}),
		persists: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydoc_room_persists_total",
			Help: "Room snapshots written to the script store by result.",
		}, []string{"result"}),
		fanout: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydoc_fanout_messages_total",
			Help: "Frames exchanged with other relay nodes.",
		}, []string{"direction"}),
	}
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
