package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/systemshift/pagesync/internal/cloud"
	"github.com/systemshift/pagesync/internal/config"
	"github.com/systemshift/pagesync/internal/identity"
	"github.com/systemshift/pagesync/internal/ledger"
	"github.com/systemshift/pagesync/internal/p2p"
	"github.com/systemshift/pagesync/internal/telemetry"
)

// node is a ledger with whatever sync the config enables.
type node struct {
	ledger  *ledger.Ledger
	mesh    *p2p.WebsocketMesh
	servers []*http.Server
	log     *zap.SugaredLogger
}

// openLocal opens the ledger without any sync, for one-shot commands.
func openLocal(c *config.Config, log *zap.SugaredLogger) (*ledger.Ledger, error) {
	opts := ledger.OptionsFromConfig(c)
	opts.Logger = log
	return ledger.Open(c.DbPath(), opts)
}

// startNode opens the ledger and starts cloud sync, the peer mesh and the
// metrics endpoint as configured.
func startNode(c *config.Config, log *zap.SugaredLogger) (*node, error) {
	n := &node{log: log}
	opts := ledger.OptionsFromConfig(c)
	opts.Logger = log

	sinks := []telemetry.Sink{telemetry.NewLogger(log.Named("telemetry"))}
	if c.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := telemetry.NewPrometheus(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		n.listen(c.Metrics.Listen, mux, "metrics")
	}
	opts.Telemetry = telemetry.Multi(sinks...)

	if c.Cloud.Enabled {
		opts.Cloud = cloud.NewKuboProvider(cloud.KuboOptions{
			APIURL: c.Cloud.KuboAPI,
			Key:    c.Cloud.Key,
			Peers:  c.Cloud.Peers,
			Logger: log.Named("kubo"),
		})
	}

	if c.P2P.Enabled {
		id, err := identity.Load(c.IdentityPath())
		if err != nil {
			n.close()
			return nil, err
		}
		n.mesh = p2p.NewWebsocketMesh(id, p2p.WebsocketOptions{
			Logger:  log.Named("mesh"),
			Peers:   c.P2P.Peers,
			Allowed: c.P2P.Allowed,
		})
		opts.Mesh = n.mesh
		if c.P2P.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/sync", n.mesh.Handler())
			n.listen(c.P2P.Listen, mux, "p2p")
		}
		log.Infow("Device identity", "did", id.DID)
	}

	l, err := ledger.Open(c.DbPath(), opts)
	if err != nil {
		n.close()
		return nil, err
	}
	n.ledger = l
	if n.mesh != nil {
		n.mesh.Start()
	}
	return n, nil
}

func (n *node) listen(addr string, h http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	n.servers = append(n.servers, srv)
	go func() {
		n.log.Infow("Listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Errorw("Server stopped", "server", name, "error", err)
		}
	}()
}

func (n *node) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range n.servers {
		_ = srv.Shutdown(ctx)
	}
	var errs error
	if n.ledger != nil {
		errs = n.ledger.Close()
	}
	if n.mesh != nil {
		errs = errors.CombineErrors(errs, n.mesh.Close())
	}
	return errs
}
