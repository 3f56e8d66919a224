package histd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/histd/internal/auth"
	"github.com/loykin/histd/internal/config"
	"github.com/loykin/histd/internal/crypt"
	"github.com/loykin/histd/internal/history"
	historyfactory "github.com/loykin/histd/internal/history/factory"
	"github.com/loykin/histd/internal/host"
	"github.com/loykin/histd/internal/lifecycle"
	"github.com/loykin/histd/internal/metrics"
	"github.com/loykin/histd/internal/running"
	"github.com/loykin/histd/internal/server"
	"github.com/loykin/histd/internal/store"
	storefactory "github.com/loykin/histd/internal/store/factory"
	"github.com/loykin/histd/internal/syncer"
	tlsconf "github.com/loykin/histd/internal/tls"
)

// Re-exported for embedders.

type Config = config.Config

type Record = history.Record

type SyncReport = syncer.Report

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon is a fully wired history daemon: the running registry, the row
// store, the append log and the optional sync worker behind one RPC handler.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	hostID  string
	log     *store.AppendLog
	sink    history.Sink
	worker  *syncer.Worker
	self    *metrics.SelfCollector
	handler http.Handler
}

// New opens the stores named by cfg and wires the handler. Metrics are
// registered with prometheus.DefaultRegisterer when cfg enables them. A nil
// logger means slog.Default.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Daemon, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range []string{cfg.Keys.HostIDPath, cfg.Keys.KeyPath, cfg.Daemon.SocketPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(p), err)
		}
	}
	hostID, err := host.LoadID(cfg.Keys.HostIDPath)
	if err != nil {
		return nil, err
	}
	var sealer crypt.Sealer = crypt.Plain{}
	if cfg.Keys.Encrypt {
		key, err := crypt.LoadKey(cfg.Keys.KeyPath)
		if err != nil {
			return nil, err
		}
		sealer = crypt.NewSecretBox(key)
	}

	d := &Daemon{cfg: cfg, logger: logger, hostID: hostID}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	medium, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}
	d.log, err = store.Open(ctx, medium, hostID, sealer, store.WithPageSize(cfg.Store.PageSize))
	if err != nil {
		_ = medium.Close()
		return nil, err
	}
	d.sink, err = historyfactory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	query, _ := d.sink.(history.Querier)

	svc := lifecycle.New(running.New(), d.sink, d.log, lifecycle.WithLogger(logger))

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, err
		}
		d.self = metrics.NewSelfCollector(cfg.Metrics.SelfInterval, logger)
		if err := d.self.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, err
		}
	}
	var runner server.SyncRunner
	if cfg.Sync.Enabled {
		rc := cfg.SyncRemote()
		signer, err := auth.FromConfig(cfg.Sync.Auth)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			rc.Token = signer.Source(hostID, auth.ScopeSync)
		}
		remote, err := syncer.NewRemoteFromConfig(ctx, rc)
		if err != nil {
			return nil, err
		}
		d.worker = syncer.New(d.log, remote, cfg.SyncWorker(), logger)
		runner = d.worker
	}

	guard, err := auth.FromConfig(cfg.Daemon.Auth)
	if err != nil {
		return nil, err
	}
	d.handler = server.NewRouter(server.Deps{
		Service: svc,
		Log:     d.log,
		Query:   query,
		Sync:    runner,
		Self:    d.self,
		Auth:    guard,
		Logger:  logger,
	}, "").Handler()
	logger.Info("daemon ready", "host", hostID, "next", d.log.Next(), "encrypt", cfg.Keys.Encrypt, "sync", cfg.Sync.Enabled)
	return d, nil
}

// HostID is this machine's stable id.
func (d *Daemon) HostID() string { return d.hostID }

// Handler serves the RPC routes at the root. Mount it under a prefix with
// http.StripPrefix or a router group.
func (d *Daemon) Handler() http.Handler { return d.handler }

// SyncOnce runs a single sync round. It fails when sync is disabled.
func (d *Daemon) SyncOnce(ctx context.Context) (SyncReport, error) {
	if d.worker == nil {
		return SyncReport{}, errors.New("sync is not enabled")
	}
	return d.worker.SyncOnce(ctx)
}

// Run listens on the configured address and serves until ctx is done, then
// stops background work and closes the stores.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() { _ = d.Close() }()
	ln, err := server.Listen(d.cfg.ListenAddr(), d.cfg.Daemon.AllowRemote)
	if err != nil {
		return err
	}
	if d.cfg.Daemon.TCPAddr != "" {
		tc, err := tlsconf.Server(d.cfg.Daemon.TLS)
		if err != nil {
			_ = ln.Close()
			return err
		}
		if tc != nil {
			ln = tls.NewListener(ln, tc)
		}
	}

	var wg sync.WaitGroup
	if d.worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker.Run(ctx)
		}()
	}
	if d.self != nil {
		d.self.Start(ctx)
		defer d.self.Stop()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, d.cfg.Metrics.Listen, d.logger); err != nil {
				d.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	err = server.Serve(ctx, server.NewServer(d.handler), ln, d.cfg.Daemon.ShutdownTimeout, d.logger)
	wg.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// Close releases the stores. It is safe to call more than once.
func (d *Daemon) Close() error {
	var first error
	if d.log != nil {
		if err := d.log.Close(); err != nil {
			d.logger.Warn("close append log", "error", err)
			first = err
		}
		d.log = nil
	}
	if c, ok := d.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("close row store", "error", err)
			if first == nil {
				first = err
			}
		}
		d.sink = nil
	}
	return first
}
