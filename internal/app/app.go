package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2p-network/internal/config"
	"p2p-network/internal/console"
	"p2p-network/internal/core/identity"
	"p2p-network/internal/core/network"
	"p2p-network/internal/core/transport"
	"p2p-network/internal/node"
	"p2p-network/internal/nodeapi"
)

// Run builds the identity, transport and overlay bundle described by cfg
// and serves the node until it shuts down.
func Run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	id, err := identity.Load(cfg.KeyPath, log.Named("identity"))
	if err != nil {
		return err
	}
	log.Info("identity ready", zap.Stringer("peer", id.ID), zap.String("source", id.Source))

	h, err := transport.Build(id.Key, transport.Options{})
	if err != nil {
		return err
	}
	overlay, err := network.NewBundle(ctx, h, network.BundleOptions{
		MDNSServiceName: cfg.MDNSServiceName,
		EnableMDNS:      cfg.EnableMDNS,
		EnableReqRes:    cfg.EnableReqRes,
		MaxRecords:      cfg.MaxRecords,
	}, log.Named("overlay"))
	if err != nil {
		_ = h.Close()
		return err
	}
	return Serve(ctx, overlay, cfg, stdin, stdout, log)
}

// Serve connects an operator and a network task over fresh channels and
// blocks until both have returned. The overlay is closed by the network task.
func Serve(ctx context.Context, overlay network.Overlay, cfg config.Config, stdin io.Reader, stdout io.Writer, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := node.NewMetrics(reg)
	status := node.NewStatusBoard()

	ch := node.NewChannels(cfg.ChannelCapacity)
	task := node.NewTask(overlay, ch, node.TaskOptions{
		ListenAddr: cfg.ListenAddr,
		Logger:     log.Named("network"),
		Metrics:    metrics,
		Status:     status,
	})
	op := console.NewOperator(stdin, console.NewStdPrinter(stdout), ch, overlay.LocalPeer(), log.Named("operator"))

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		nodeapi.NewServer(status, reg).Register(mux)
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("status api stopped", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	netCtx, cancelNet := context.WithCancel(gctx)
	defer cancelNet()

	g.Go(func() error {
		if err := task.Run(netCtx); err != nil {
			return fmt.Errorf("network task: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancelNet()
		// A vanished network task reports its own cause.
		if err := op.Run(gctx); err != nil && !errors.Is(err, console.ErrNetworkGone) {
			return fmt.Errorf("operator task: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
