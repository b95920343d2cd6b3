// Package daemon wires the engine components together and runs them until
// a signal or an admin shutdown request arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/events"
	"github.com/msageha/a2a_engine/internal/lock"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/metrics"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/processor"
	"github.com/msageha/a2a_engine/internal/rpc"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/stream"
	"github.com/msageha/a2a_engine/internal/uds"
)

const (
	lockFileName    = "daemon.lock"
	auditLogName    = "audit.jsonl"
	deadLetterDir   = "dead_letters"
	eventBufferSize = 256
)

// Daemon owns every long-lived component of a running engine.
type Daemon struct {
	baseDir string
	logger  *logging.Logger
	logFile io.Closer

	mu     sync.RWMutex
	config model.Config

	fileLock  *lock.FileLock
	store     store.Store
	registry  *agent.Registry
	eventBus  *events.Bus
	audit     *events.AuditLogger
	metrics   *metrics.Metrics
	diag      *diag.Recorder
	bus       *bus.Bus
	streamer  *stream.Streamer
	processor *processor.Processor
	manager   *manager.Manager
	rpc       *rpc.Server
	admin     *uds.Server
	watcher   *fsnotify.Watcher
	listener  net.Listener

	startedAt time.Time
	ready     chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

// New creates a daemon that logs to <baseDir>/logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, logFile, logFile), nil
}

func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		baseDir:  baseDir,
		logger:   logging.New(w, logging.ParseLevel(cfg.Logging.Level)),
		logFile:  closer,
		config:   cfg,
		fileLock: lock.NewFileLock(filepath.Join(baseDir, lockFileName)),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ready is closed once the daemon accepts requests.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the JSON-RPC listen address, valid after Ready.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

func (d *Daemon) SocketPath() string {
	return filepath.Join(d.baseDir, uds.DefaultSocketName)
}

func (d *Daemon) currentConfig() model.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Run starts the daemon and blocks until ctx is canceled, a termination
// signal arrives or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	log := d.logger.With("daemon")

	if err := d.fileLock.TryLock(); err != nil {
		d.closeLog()
		return fmt.Errorf("daemon lock: %w", err)
	}
	log.Infof("starting pid=%d base_dir=%s", os.Getpid(), d.baseDir)
	d.startedAt = time.Now()

	if err := d.build(); err != nil {
		log.Errorf("start failed: %v", err)
		d.Shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		return d.rpc.Serve(gctx, d.listener)
	})
	if d.watcher != nil {
		g.Go(func() error {
			d.watchConfig(gctx)
			return nil
		})
	}

	d.rpc.SetReady(true)
	close(d.ready)
	log.Infof("ready listen=%s socket=%s agents=%d", d.Addr(), d.SocketPath(), d.registry.Len())

	d.waitSignals(ctx, gctx)
	d.Shutdown()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// build constructs the components in dependency order. Agents are
// registered before any server accepts traffic.
func (d *Daemon) build() error {
	cfg := d.currentConfig()
	log := d.logger.With("daemon")

	st, err := store.Open(cfg.Store, d.baseDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.eventBus = events.NewBus(eventBufferSize)
	audit, err := events.NewAuditLogger(filepath.Join(d.baseDir, "logs", auditLogName), 0)
	if err != nil {
		return err
	}
	audit.Attach(d.eventBus)
	d.audit = audit

	d.metrics = metrics.New()
	d.metrics.Attach(d.eventBus)

	d.registry = agent.NewRegistry()
	d.registry.OnChange(func(name string, present bool) {
		typ := events.EventAgentRegistered
		if !present {
			typ = events.EventAgentUnregistered
		}
		d.eventBus.Publish(typ, map[string]any{"agent": name})
	})

	d.diag = diag.NewRecorder(cfg.Diagnostics.Capacity, d.logger.With("diag"))

	dlDir := cfg.Bus.DeadLetterDir
	if dlDir == "" {
		dlDir = deadLetterDir
	}
	if !filepath.IsAbs(dlDir) {
		dlDir = filepath.Join(d.baseDir, dlDir)
	}
	d.bus = bus.New(d.registry, bus.NewDeadLetterSink(cfg.Bus.DeadLetterCapacity, dlDir, d.logger), d.logger)
	d.bus.SetEventBus(d.eventBus)
	d.bus.SetMaxHandlers(cfg.Bus.MaxHandlers)

	d.streamer = stream.New()

	d.processor = processor.New(d.store, d.registry, d.bus, d.streamer,
		processor.ConfigFrom(cfg.Processor, cfg.Stream), d.logger)
	d.processor.SetEventBus(d.eventBus)
	d.processor.SetDiagnostics(d.diag)
	d.metrics.ActiveTasks = d.processor.ActiveCount

	if n, err := d.processor.Recover(d.ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	} else if n > 0 {
		log.Warnf("failed %d task(s) interrupted by the previous run", n)
	}

	d.manager = manager.New(d.store, d.processor, d.registry, d.streamer, manager.Config{
		EntryAgent:  cfg.Processor.EntryAgent,
		CreateWait:  time.Duration(cfg.Server.CreateWaitMs) * time.Millisecond,
		HistoryTail: cfg.Stream.HistoryTail,
	}, d.logger)
	d.manager.SetEventBus(d.eventBus)

	if _, err := d.syncAgents(cfg); err != nil {
		return err
	}

	d.rpc = rpc.NewServer(d.manager, rpc.Options{
		Production:   cfg.IsProduction(),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Metrics:      d.metrics,
		Logger:       d.logger,
	})
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	d.listener = ln

	d.admin = uds.NewServer(d.SocketPath(), d.logger)
	d.registerHandlers()
	if err := d.admin.Start(); err != nil {
		return fmt.Errorf("start admin socket: %w", err)
	}

	if cfg.Daemon.WatchConfig {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		// Watch the directory: config writes replace the file by rename.
		if err := w.Add(d.baseDir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", d.baseDir, err)
		}
		d.watcher = w
	}
	return nil
}

// waitSignals blocks until a termination signal, ctx cancellation or an
// internal shutdown. A second signal forces exit.
func (d *Daemon) waitSignals(ctx, runCtx context.Context) {
	log := d.logger.With("daemon")
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Infof("received signal=%s, shutting down", sig)
		go func() {
			<-sigCh
			log.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		return
	case <-ctx.Done():
		log.Infof("context done, shutting down")
	case <-runCtx.Done():
		log.Infof("shutdown requested")
	}
	signal.Stop(sigCh)
}

// Shutdown stops accepting work, drains dispatch loops and releases
// resources. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		log := d.logger.With("daemon")
		log.Infof("shutdown started")

		if d.rpc != nil {
			d.rpc.SetReady(false)
		}
		d.cancel()

		if d.admin != nil {
			if err := d.admin.Stop(); err != nil {
				log.Warnf("stop admin socket: %v", err)
			}
		}

		timeout := time.Duration(d.currentConfig().Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if d.processor != nil {
			if err := d.processor.Shutdown(ctx); err != nil {
				log.Warnf("processor shutdown: %v", err)
			}
		}
		if d.bus != nil {
			if err := d.bus.Close(ctx); err != nil {
				log.Warnf("bus close: %v", err)
			}
		}
		if d.streamer != nil {
			d.streamer.Close()
		}

		log.Infof("daemon stopped")
		d.cleanup()
	})
}

// cleanup releases everything build may have opened.
func (d *Daemon) cleanup() {
	log := d.logger.With("daemon")
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.eventBus != nil {
		d.eventBus.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			log.Warnf("close audit log: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warnf("close store: %v", err)
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		log.Warnf("release lock: %v", err)
	}
	d.closeLog()
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}
