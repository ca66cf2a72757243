// Package app wires configuration, logging, metrics, the gRPC health
// server, the host loop and the bridge into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kafkabridge/bridge"
	"kafkabridge/engine"
	"kafkabridge/host"
	"kafkabridge/internal/config"
	"kafkabridge/internal/logging"
	"kafkabridge/internal/telemetry"
	"kafkabridge/internal/transport"
)

type App struct {
	cfg       config.Config
	out       io.Writer
	transport *transport.Server
	metrics   *http.Server
	loop      *host.Loop
	bridge    *bridge.Bridge
	cluster   *engine.MemoryCluster
	demo      *demo

	closeOnce sync.Once
	closeErr  error
}

func Bootstrap(ctx context.Context, cfg config.Config, out io.Writer) (*App, error) {
	logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	a := &App{cfg: cfg, out: out}

	// 1. transport server
	if cfg.GRPC.Port > 0 {
		srv, err := transport.StartServer(cfg.GRPC.Port)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		a.transport = srv
	}

	// 2. metrics
	telemetry.Register()
	if cfg.Metrics.Port > 0 {
		a.metrics = telemetry.Expose(cfg.Metrics.Port)
	}

	// 3. loop and bridge
	kcfg := cfg.Kafka
	if cfg.Bridge.Driver == "memory" && len(kcfg.Brokers) == 0 {
		a.cluster = engine.NewMemoryCluster("kbridge-"+uuid.NewString()[:8], cfg.Demo.Partitions)
		a.cluster.CreateTopic(cfg.Demo.Topic, cfg.Demo.Partitions)
		kcfg.Brokers = []string{a.cluster.Addr()}
	}
	a.loop = host.NewLoop(host.WithMaxBlock(cfg.Bridge.PollInterval))
	a.bridge = bridge.New(a.loop, cfg.Bridge.Driver, kcfg, bridge.WithPollInterval(cfg.Bridge.PollInterval))
	if cfg.Bridge.DeliverySampling > 1 {
		a.bridge.SetDeliveryReportSampling(cfg.Bridge.DeliverySampling)
	}
	version, err := a.bridge.Version()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("bridge: %w", err)
	}
	logging.L().Info("bridge ready", "driver", cfg.Bridge.Driver, "version", version, "brokers", kcfg.Brokers)

	// 4. demo
	if cfg.Demo.Enabled {
		d, err := startDemo(ctx, a.bridge, cfg.Demo, out)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("demo: %w", err)
		}
		a.demo = d
	}
	return a, nil
}

// Run drives the host loop until ctx is done, or until the demo finishes
// when it is configured to exit, then closes everything.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.demo != nil && a.cfg.Demo.ExitWhenDone {
		a.demo.onDone = cancel
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.transport != nil {
		g.Go(a.transport.Serve)
		g.Go(func() error {
			<-gctx.Done()
			a.transport.Stop()
			return nil
		})
		a.transport.SetServing(true)
	}
	g.Go(func() error {
		if err := a.loop.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, a.Close())
}

func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.bridge != nil {
			errs = append(errs, a.bridge.Close())
		}
		if a.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.metrics.Shutdown(ctx))
			cancel()
		}
		if a.transport != nil {
			a.transport.Stop()
		}
		if a.cluster != nil {
			a.cluster.Close()
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
