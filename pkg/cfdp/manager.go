// Package cfdp assembles a runnable CFDP entity from a configuration: it
// builds the transports, filestore, sequence store, logger and metrics and
// wires them to the engine.
package cfdp

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"avaneesh/cfdp-go/pkg/channel"
	"avaneesh/cfdp-go/pkg/checksum"
	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/filestore"
	"avaneesh/cfdp-go/pkg/internal/logger"
	"avaneesh/cfdp-go/pkg/metrics"
	"avaneesh/cfdp-go/pkg/mib"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/store"
)

// Option customizes what NewManager builds
type Option func(*options)

type options struct {
	log       Logger
	handler   IndicationHandler
	network   *channel.MemoryNetwork
	fs        filestore.Filestore
	checksums *checksum.Registry
}

// WithLogger overrides the logger built from the config's log level
func WithLogger(log Logger) Option {
	return func(o *options) { o.log = log }
}

// WithIndicationHandler sets the receiver of indications
func WithIndicationHandler(h IndicationHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithMemoryNetwork supplies the network used by the memory transport
func WithMemoryNetwork(n *channel.MemoryNetwork) Option {
	return func(o *options) { o.network = n }
}

// WithFilestore replaces the OS filestore rooted at local.filestore_root
func WithFilestore(fs filestore.Filestore) Option {
	return func(o *options) { o.fs = fs }
}

// WithChecksums supplies a checksum registry with extra algorithms
func WithChecksums(r *checksum.Registry) Option {
	return func(o *options) { o.checksums = r }
}

// Manager is the root object for CFDP operations. It owns one entity and
// everything the entity runs on.
type Manager struct {
	cfg       *mib.Config
	mib       *mib.MIB
	log       logger.Logger
	transport *multiTransport
	store     store.Store
	entity    *entity.Entity
	metrics   *metrics.Metrics
	server    *metrics.Server

	mu      sync.Mutex
	stopped bool
}

// NewManager builds an entity from cfg. Nothing is bound until Start.
func NewManager(cfg *mib.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = mib.DefaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.log == nil {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "log_level %q", cfg.LogLevel)
		}
		o.log = logger.NewDefaultLogger(level)
	}
	logger.SetFrameDebug(cfg.FrameDebug)

	m, err := mib.New(cfg)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{cfg: cfg, mib: m, log: logger.Component(o.log, "manager")}

	if o.fs == nil {
		root, err := homedir.Expand(cfg.Local.FilestoreRoot)
		if err != nil {
			return nil, errors.Wrap(err, "filestore_root")
		}
		if o.fs, err = filestore.NewOS(root); err != nil {
			return nil, err
		}
	}

	mgr.store, err = openStore(cfg.Local.StorePath, cfg.Local.HistoryLimit)
	if err != nil {
		return nil, err
	}

	if cfg.Local.Transport == TransportMemory && o.network == nil {
		o.network = channel.NewMemoryNetwork()
	}
	mgr.transport, err = buildTransports(cfg, m, o.network, o.log)
	if err != nil {
		mgr.store.Close()
		return nil, err
	}

	entityOpts := []entity.Option{
		entity.WithLogger(o.log),
		entity.WithIndicationHandler(o.handler),
	}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
		mgr.metrics = metrics.New(registry)
		for _, kind := range mgr.transport.Kinds() {
			registry.MustRegister(metrics.NewTransportCollector(kind, mgr.transport.kinds[kind].Statistics))
		}
		entityOpts = append(entityOpts, entity.WithObserver(mgr.metrics))
	}

	mgr.entity, err = entity.New(entity.Config{
		MIB:       m,
		Store:     mgr.store,
		Checksums: o.checksums,
	}, mgr.transport, o.fs, entityOpts...)
	if err != nil {
		mgr.store.Close()
		return nil, err
	}

	if registry != nil {
		mgr.server = metrics.NewServer(metrics.ServerConfig{
			Listen: cfg.Metrics.Listen,
			Path:   cfg.Metrics.Path,
		}, registry, mgr.entity, o.log)
	}
	return mgr, nil
}

// openStore opens the bbolt store at path, or an in-memory one when path is empty
func openStore(path string, historyLimit int) (store.Store, error) {
	if path == "" {
		return store.NewMemory(historyLimit), nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrap(err, "store_path")
	}
	expanded = filepath.Clean(expanded)
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return nil, errors.Wrap(err, "store_path")
	}
	return store.OpenBolt(expanded, historyLimit)
}

// Start binds the transports, starts the entity and, if enabled, the metrics server
func (m *Manager) Start(ctx context.Context) error {
	if err := m.entity.Start(ctx); err != nil {
		return err
	}
	if m.server != nil {
		if err := m.server.Start(ctx); err != nil {
			return err
		}
	}
	m.log.Info("Manager: entity %d on %s %s (transports %v)",
		m.mib.Local().ID, m.cfg.Local.Transport, m.cfg.Local.Listen, m.transport.Kinds())
	return nil
}

// Shutdown stops the metrics server and the entity and closes the store
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true
	m.log.Info("Manager: Shutting down")

	if m.server != nil {
		if err := m.server.Stop(); err != nil {
			m.log.Error("Metrics server: %v", err)
		}
	}
	err := m.entity.Shutdown()
	if cerr := m.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	m.log.Info("Manager: Shutdown complete")
	return err
}

// Entity returns the engine
func (m *Manager) Entity() *entity.Entity {
	return m.entity
}

// MIB returns the resolved configuration
func (m *Manager) MIB() *mib.MIB {
	return m.mib
}

// Metrics returns the collectors, or nil when metrics are disabled
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// MetricsServer returns the HTTP server, or nil when metrics are disabled
func (m *Manager) MetricsServer() *metrics.Server {
	return m.server
}

// Put starts sending a file
func (m *Manager) Put(ctx context.Context, req PutRequest) (TransactionID, error) {
	return m.entity.Put(ctx, req)
}

// Cancel cancels a transaction
func (m *Manager) Cancel(id TransactionID) error {
	return m.entity.Cancel(id)
}

// Suspend suspends a transaction
func (m *Manager) Suspend(id TransactionID) error {
	return m.entity.Suspend(id)
}

// Resume resumes a suspended transaction
func (m *Manager) Resume(id TransactionID) error {
	return m.entity.Resume(id)
}

// Report requests a Report indication for a transaction
func (m *Manager) Report(id TransactionID) error {
	return m.entity.Report(id)
}

// Prompt makes a Class 2 sender emit a Prompt PDU
func (m *Manager) Prompt(id TransactionID, kind pdu.PromptKind) error {
	return m.entity.Prompt(id, kind)
}

// Transactions returns the status of every active transaction
func (m *Manager) Transactions() []Status {
	return m.entity.Transactions()
}
