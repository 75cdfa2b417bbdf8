package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Server exposes the registered views on /metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewExporter returns an http handler serving every opencensus view plus the
// go runtime and process collectors.
func NewExporter(namespace string) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	exporter, err := ocprom.NewExporter(ocprom.Options{
		Namespace: namespace,
		Registry:  registry,
		OnError: func(err error) {
			log.Errorw("prometheus exporter failed", "err", err)
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create prometheus exporter")
	}
	return exporter, nil
}

// Listen binds addr and starts serving metrics in the background.
func Listen(addr, namespace string) (*Server, error) {
	handler, err := NewExporter(namespace)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server stopped", "err", err)
		}
	}()
	log.Infow("serving metrics", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops the server.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
