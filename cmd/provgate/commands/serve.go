package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/recon"
	"github.com/provgate/provgate/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var reconEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator as a long-lived service",
		Long: `Run the orchestrator until interrupted.

On startup, requests stranded mid-flight by a previous shutdown are
resumed. While running, the service sweeps expired approval workflows,
reconciles targets on a schedule, and serves Prometheus metrics and a
health endpoint.`,
		Example: `  # Run with the default config
  provgate serve

  # Reconcile every 15 minutes
  provgate serve --recon-interval 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			log := a.logger.NewComponentLogger("serve")

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.tracer.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("tracer shutdown")
				}
			}()

			events := telemetry.NewEventPublisher(a.tcfg.Events)
			defer events.Close()
			events.Subscribe(func(e telemetry.Event) {
				log.WithField("type", e.Type).WithField("request_id", e.RequestID).Info(e.Message)
			})

			// Pick up requests stranded by the previous shutdown before
			// accepting new work.
			if err := a.saga.Resume(ctx); err != nil {
				return fmt.Errorf("resuming in-flight requests: %w", err)
			}

			go a.workflow.RunSweeper(ctx, a.cfg.Workflow.SweepInterval)
			go runReconLoop(ctx, a, events, reconEvery)

			var srv *http.Server
			if a.tcfg.Metrics.ListenAddr != "" {
				srv = startHTTP(a, log)
			}
			log.Infof("provgate serving (metrics on %s)", a.tcfg.Metrics.ListenAddr)

			<-ctx.Done()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("http shutdown")
				}
			}
			log.Info("provgate stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&reconEvery, "recon-interval", 0, "periodic incremental reconciliation interval (0 disables)")
	return cmd
}

func runReconLoop(ctx context.Context, a *app, events *telemetry.EventPublisher, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := a.recon.RunAll(ctx, recon.ModeIncremental)
			if err != nil {
				a.logger.WithError(err).Warn("scheduled reconciliation failed")
				continue
			}
			for _, job := range jobs {
				level := "info"
				if job.Found > 0 {
					level = "warning"
				}
				events.Publish(telemetry.Event{
					Type:    "recon.finished",
					Target:  job.Target,
					Level:   level,
					Message: fmt.Sprintf("reconciled %s: %d checked, %d discrepancies", job.Target, job.Checked, job.Found),
				})
			}
		}
	}
}

func startHTTP(a *app, log *telemetry.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/admin/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		engaged := r.URL.Query().Get("release") == ""
		a.saga.SetEmergencyStop(r.Context(), engaged, "operator", r.URL.Query().Get("reason"))
		w.WriteHeader(http.StatusOK)
		if engaged {
			fmt.Fprintln(w, "stop engaged")
			return
		}
		fmt.Fprintln(w, "stop released")
	})

	srv := &http.Server{
		Addr:              a.tcfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}
