package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/mosaicnetworks/ddp/src/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service exposes the counters of a DDP server over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	server      *server.Server
	registry    *prometheus.Registry
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, srv *server.Server, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		server:      srv,
		registry:    prometheus.NewRegistry(),
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerMetrics()
	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering DDP status handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// registerMetrics exports server.Stats. The values are read when scraped.
func (s *Service) registerMetrics() {
	gauge := func(name, help string, value func(server.Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ddp",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(s.server.Stats()))
		})
	}
	counter := func(name, help string, value func(server.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "ddp",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(s.server.Stats()))
		})
	}

	s.registry.MustRegister(
		gauge("sessions", "Connected sessions.",
			func(st server.Stats) int64 { return st.Sessions }),
		gauge("subscriptions", "Running subscriptions.",
			func(st server.Stats) int64 { return st.Subscriptions }),
		counter("sessions_total", "Sessions registered since start.",
			func(st server.Stats) uint64 { return st.TotalSessions }),
		counter("messages_in_total", "Messages received.",
			func(st server.Stats) uint64 { return st.MessagesIn }),
		counter("messages_out_total", "Messages sent.",
			func(st server.Stats) uint64 { return st.MessagesOut }),
		counter("methods_total", "Method calls.",
			func(st server.Stats) uint64 { return st.Methods }),
		counter("method_errors_total", "Method calls that returned an error.",
			func(st server.Stats) uint64 { return st.MethodErrors }),
	)
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the handler serving /stats and /metrics.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving DDP status")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.server.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}
