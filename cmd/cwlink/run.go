package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/config"
	"github.com/ryandielhenn/cwlink/internal/logging"
	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/presence"
	"github.com/ryandielhenn/cwlink/pkg/qso"
	"github.com/ryandielhenn/cwlink/pkg/sched"
	"github.com/ryandielhenn/cwlink/pkg/station"
	"github.com/ryandielhenn/cwlink/pkg/transport"
)

func runStationCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Fields: map[string]string{"call": cfg.Station.Call},
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Presence client, shared with the etcd transport when both point at
	// the same cluster
	var etcdCli *clientv3.Client
	deps := station.Deps{}
	if cfg.Presence.Enabled {
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.Presence.Endpoints))
		etcdCli, err = presence.NewClient(cfg.Presence.Endpoints)
		if err != nil {
			return fmt.Errorf("presence client: %w", err)
		}
		defer etcdCli.Close()
		deps.Presence = presence.NewRegistry(etcdCli, presence.DefaultPrefix, cfg.Presence.TTL, log)
	}

	// 2. Transport
	tr, err := dialTransport(ctx, cfg, etcdCli, log)
	if err != nil {
		return err
	}
	defer tr.Close()
	deps.Transport = tr

	// 3. QSO log
	if cfg.QSO.Enabled {
		st, err := qso.OpenSQLite(cfg.QSO.Path)
		if err != nil {
			return fmt.Errorf("failed to open qso log: %w", err)
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				log.Warn("failed to close qso log", zap.Error(cerr))
			}
		}()
		deps.Store = st
	}

	// 4. Dispatch loop; it outlives the station so Close can still run on it
	loop := sched.NewLoop(log)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	st, err := station.New(loop, cfg, deps, log)
	if err != nil {
		return err
	}
	if err := st.Start(ctx); err != nil {
		return err
	}

	// 5. Control surface
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           st.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("control surface listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("control surface failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	if cerr := st.Close(shutdownCtx); cerr != nil {
		log.Warn("station close", zap.Error(cerr))
	}
	return err
}

func dialTransport(ctx context.Context, cfg config.Config, shared *clientv3.Client, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "memory":
		log.Warn("memory transport only loops back to this process")
		return transport.NewHub(transport.Faults{}).Connect(cfg.Station.Call), nil
	case "etcd":
		ec := transport.EtcdConfig{Endpoints: cfg.Transport.Etcd}
		if shared != nil && slices.Equal(cfg.Transport.Etcd, cfg.Presence.Endpoints) {
			return transport.NewEtcd(shared, ec, log), nil
		}
		return transport.DialEtcd(ec, log)
	default:
		clientID := fmt.Sprintf("cwlink-%s-%s", strings.ToLower(cfg.Station.Call), uuid.NewString()[:8])
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return transport.DialMQTT(dialCtx, cfg.MQTT(clientID), log)
	}
}
