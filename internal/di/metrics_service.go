package di

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/clipforge/ingestgate/internal/metrics"
)

// MetricsService owns the Prometheus registry and the optional /metrics
// endpoint.
type MetricsService struct {
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	server *http.Server
}

// Serve starts the /metrics endpoint when a listen address is configured.
// Returns immediately; the server runs until Shutdown.
func (m *MetricsService) Serve(listen string) {
	if listen == "" || m.server != nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", listen).Msg("metrics endpoint failed")
		}
	}()
	log.Info().Str("listen", listen).Msg("metrics endpoint started")
}

// Shutdown implements do.Shutdowner, stopping the metrics endpoint.
func (m *MetricsService) Shutdown() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// NewMetrics builds the instrumentation surface and starts the endpoint when
// configured.
func NewMetrics(i do.Injector) (*MetricsService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	svc := &MetricsService{
		Metrics:  metrics.New(registry),
		Registry: registry,
	}
	if listen, ok := cfgSvc.Get().Metrics.GetListenOption().Get(); ok {
		svc.Serve(listen)
	}
	return svc, nil
}
