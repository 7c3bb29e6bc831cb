// Command fleetd runs the fleet-manager control plane: it reconciles
// declared streams to running optical-flow workers, brokers their MQTT
// frame traffic to live subscribers, ingests Alertmanager webhooks, and
// serves the Control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/fleetd/internal/api"
	"github.com/flowmesh/fleetd/internal/broker"
	"github.com/flowmesh/fleetd/internal/clock"
	"github.com/flowmesh/fleetd/internal/config"
	"github.com/flowmesh/fleetd/internal/hub"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/metrics"
	"github.com/flowmesh/fleetd/internal/reconciler"
	"github.com/flowmesh/fleetd/internal/runtime"
	"github.com/flowmesh/fleetd/internal/runtime/dockerdrv"
	"github.com/flowmesh/fleetd/internal/runtime/poddrv"
	"github.com/flowmesh/fleetd/internal/settings"
	"github.com/flowmesh/fleetd/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON())
	log.Info("fleetd starting", "version", version, "runtime_driver", cfg.RuntimeDriver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	driver, err := newDriver(cfg)
	if err != nil {
		log.Error("failed to create runtime driver", "error", err)
		os.Exit(1)
	}

	rec := reconciler.New(db, driver, cfg, log, clock.Real{})
	h := hub.New()
	mgr := settings.New(db, rec)
	br := broker.New(cfg, log, h, rec, db)

	srv := api.NewServer(api.Dependencies{
		Streams:    db,
		Lifecycle:  rec,
		WorkerLogs: driver,
		Settings:   mgr,
		Alerts:     db,
		Hub:        h,
		Log:        log,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := rec.Run(gctx); err != nil {
			log.Error("reconciler exited with error", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := br.Run(gctx); err != nil {
			log.Error("frame broker exited with error", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		addr := net.JoinHostPort("", cfg.WebPort)
		log.Info("control API listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API server error", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	if cfg.MetricsTextfilePath != "" {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := metrics.WriteTextfile(cfg.MetricsTextfilePath); err != nil {
						log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfilePath, "error", err)
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			return metricsServer.Shutdown(shutCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fleetd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("fleetd shutdown complete")
}

// newDriver selects and constructs the runtime.Driver named by
// cfg.RuntimeDriver. cfg.Validate rejects any other value before this is
// ever called.
func newDriver(cfg *config.Config) (runtime.Driver, error) {
	switch cfg.RuntimeDriver {
	case config.RuntimeDocker:
		var tlsCfg *dockerdrv.TLSConfig
		if cfg.DockerTLSCACert != "" && cfg.DockerTLSClientCert != "" && cfg.DockerTLSClientKey != "" {
			tlsCfg = &dockerdrv.TLSConfig{
				CACert:     cfg.DockerTLSCACert,
				ClientCert: cfg.DockerTLSClientCert,
				ClientKey:  cfg.DockerTLSClientKey,
			}
		}
		return dockerdrv.New(cfg.DockerSock, tlsCfg)
	case config.RuntimeKubernetes:
		return poddrv.New(cfg.KubeNamespace, cfg.KubeKubeconfig)
	default:
		return nil, fmt.Errorf("unknown runtime driver %q", cfg.RuntimeDriver)
	}
}
