package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ServeMetrics serves the default prometheus registry on addr under
// /metrics until ctx is done. The returned function blocks until the
// server has shut down.
func ServeMetrics(ctx context.Context, addr string) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Handler: mux}

	l := logrus.WithField("metrics_addr", lis.Addr().String())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.
				WithError(err).
				Error("error Serve()ing metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			l.
				WithError(err).
				Error("error shutting down metrics server")
		}
	}()
	l.Info("serving metrics")

	return func() { <-done }, nil
}
