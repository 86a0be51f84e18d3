package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/baaaht/dispatch/internal/lifecycle"
	"github.com/baaaht/dispatch/pkg/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the canonical router with its metrics and stats endpoints",
		Long: `Serve bootstraps the canonical router and keeps it running until SIGINT or
SIGTERM. When metrics are enabled, Prometheus metrics are served on the
configured path; routing statistics are always served on /stats.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if address != "" {
				rootCfg.Metrics.Address = address
			}

			result, err := lifecycle.Bootstrap(ctx, lifecycle.BootstrapConfig{
				Config:  rootCfg,
				Logger:  rootLog,
				Version: lifecycle.DefaultVersion,
			})
			if err != nil {
				return err
			}

			listener, err := net.Listen("tcp", rootCfg.Metrics.Address)
			if err != nil {
				_ = result.Router.Stop(ctx)
				_ = result.ShutdownTracing(ctx)
				return err
			}

			srv := &http.Server{
				Handler:           newServeMux(result.Router, rootCfg.Metrics.Enabled, rootCfg.Metrics.Path),
				ReadHeaderTimeout: 5 * time.Second,
			}

			sm := lifecycle.NewShutdownManager(result.Router, rootCfg.Router.ShutdownTimeout, rootLog)
			sm.AddHook(srv.Shutdown)
			sm.AddHook(result.ShutdownTracing)
			sm.Start()
			defer sm.Stop()

			serveErr := make(chan error, 1)
			go func() {
				if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			rootLog.Info("Dispatch serving",
				"address", listener.Addr().String(),
				"metrics", rootCfg.Metrics.Enabled,
				"version", result.Version)

			if err := awaitShutdown(serveErr, sm); err != nil {
				return err
			}

			rootLog.Info("Dispatch stopped", "reason", sm.Reason())
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Listen address (default: metrics.address from config)")
	return cmd
}

// shutdowner is the part of lifecycle.ShutdownManager serve waits on
type shutdowner interface {
	Shutdown(ctx context.Context, reason string) error
	Done() <-chan struct{}
}

// awaitShutdown blocks until the shutdown manager has finished. A server that
// fails on its own triggers the shutdown and its error is returned. A server
// closed by the shutdown hooks returns before the remaining hooks finish, so
// Done is still awaited.
func awaitShutdown(serveErr <-chan error, sm shutdowner) error {
	select {
	case err := <-serveErr:
		if err != nil {
			_ = sm.Shutdown(context.Background(), "http server failed")
			<-sm.Done()
			return err
		}
		<-sm.Done()
	case <-sm.Done():
	}
	return nil
}

// newServeMux wires the stats endpoint and, when enabled, the Prometheus handler
func newServeMux(r *router.Router, metrics bool, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	if metrics {
		mux.Handle(metricsPath, promhttp.Handler())
	}
	mux.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Statistics())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if r.State() != router.StateRunning {
			http.Error(w, r.State().String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
