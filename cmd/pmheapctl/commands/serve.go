package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/marmos91/pmheap/internal/logger"
	"github.com/marmos91/pmheap/pkg/metrics"
	promstats "github.com/marmos91/pmheap/pkg/metrics/prometheus"
	"github.com/marmos91/pmheap/pkg/pool"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve allocator metrics over HTTP",
	Long: `Open the configured pool, boot the heap with Prometheus statistics and
expose them over HTTP:

  /metrics   Prometheus exposition
  /healthz   liveness; verifies the mapping is still valid

The heap stays booted for the lifetime of the server so gauges reflect the
pool's run occupancy discovered at boot.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "Listen address (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Metrics.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	metrics.InitRegistry()

	p, err := pool.Open(cfg.Pool.Path)
	if err != nil {
		return err
	}
	defer p.Close()

	h, err := bootHeap(cfg, p, promstats.NewHeapStats())
	if err != nil {
		return err
	}
	defer h.Cleanup()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := p.Check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr, "pool", cfg.Pool.Path)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
	case sig := <-sigc:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return nil
}
