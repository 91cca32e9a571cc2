// Package node assembles one cluster member: stores, job lifecycle,
// execution queue, background loops and the HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gopds/internal/config"
	"github.com/3leaps/gopds/internal/server"
	"github.com/3leaps/gopds/internal/server/handlers"
	"github.com/3leaps/gopds/pkg/adapter"
	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/pdsexec"
	"github.com/3leaps/gopds/pkg/pdsjob"
	"github.com/3leaps/gopds/pkg/remotepoll"
)

// Node is a fully wired cluster member. Build it with New, then Run it.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	Stores    *Stores
	Lifecycle *pdsjob.Lifecycle
	Executor  *pdsexec.Executor
	Trigger   *pdsexec.Trigger
	Canceler  *pdsexec.CancelWatcher
	Publisher *cluster.Publisher
	Scheduler *autocleanup.Scheduler
	Monitor   *cluster.CachedMonitor
	Server    *server.Server
}

// Options carries what New cannot read from the configuration.
type Options struct {
	Version server.VersionInfo
	Logger  *zap.Logger
	// Runner overrides the runner chosen from the delegate configuration.
	Runner pdsexec.Runner
}

// New opens the stores and wires every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server_id", cfg.PDS.ServerID))

	stores, err := OpenStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, logger: logger, Stores: stores}
	if err := n.wire(ctx, opts); err != nil {
		_ = stores.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) wire(ctx context.Context, opts Options) error {
	cfg := n.cfg

	n.Lifecycle = pdsjob.NewLifecycle(n.Stores.Jobs, cfg.PDS.ServerID,
		pdsjob.WithLogger(n.logger.Named("lifecycle")))

	runner := opts.Runner
	if runner == nil {
		r, err := newRunner(cfg.Delegate, n.logger)
		if err != nil {
			return err
		}
		runner = r
	}

	n.Executor = pdsexec.NewExecutor(n.Lifecycle, runner, pdsexec.Config{
		WorkerCount: cfg.Execution.WorkerCount,
		QueueMax:    cfg.Execution.QueueMax,
		Logger:      n.logger.Named("executor"),
	})
	n.Trigger = pdsexec.NewTrigger(n.Executor, n.Lifecycle, cfg.Execution.TriggerInterval, n.logger.Named("trigger"))
	n.Canceler = pdsexec.NewCancelWatcher(n.Executor, n.Lifecycle, pdsexec.CancelWatcherConfig{
		Interval:    cfg.Execution.CancelInterval,
		OrphanAfter: cfg.Execution.OrphanCancelAfter,
		Logger:      n.logger.Named("cancel"),
	})

	n.Publisher = cluster.NewPublisher(n.Stores.Heartbeats, n.Executor, cluster.PublisherConfig{
		ServerID: cfg.PDS.ServerID,
		Interval: cfg.Heartbeat.Interval,
		Logger:   n.logger.Named("heartbeat"),
	})

	unit, err := autocleanup.ParseUnit(cfg.Cleanup.Unit)
	if err != nil {
		return fmt.Errorf("cleanup.unit: %w", err)
	}
	n.Scheduler, err = autocleanup.NewScheduler(n.Stores.Jobs, n.Stores.Heartbeats, autocleanup.Options{
		Config:    autocleanup.Config{Amount: cfg.Cleanup.Amount, Unit: unit},
		Interval:  cfg.Cleanup.Interval,
		Staleness: cfg.Heartbeat.Staleness,
		History:   cfg.Cleanup.History,
		Store:     n.Stores.Config,
		Logger:    n.logger.Named("autoclean"),
	})
	if err != nil {
		return fmt.Errorf("auto cleanup: %w", err)
	}
	if err := n.Scheduler.LoadConfig(ctx); err != nil {
		return err
	}

	monitor := cluster.NewMonitor(cfg.PDS.ServerID, n.Stores.Jobs, n.Stores.Heartbeats, n.logger.Named("monitor"))
	n.Monitor = cluster.NewCachedMonitor(monitor, cfg.Monitoring.CacheTTL)

	health := handlers.InitHealthManager(opts.Version.Version)
	health.RegisterChecker("store", n.Stores)

	n.Server = server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithVersion(opts.Version),
		server.WithLogger(n.logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
		server.WithJobs(handlers.NewJobHandler(n.Lifecycle)),
		server.WithAdmin(handlers.NewAdminHandler(n.Monitor, n.Scheduler)),
	)
	return nil
}

func newRunner(cfg config.DelegateConfig, logger *zap.Logger) (pdsexec.Runner, error) {
	if cfg.BaseURL == "" {
		logger.Warn("No delegate configured, jobs finish without execution")
		return pdsexec.RunnerFunc(func(ctx context.Context, job pdsjob.Job) (pdsexec.Outcome, error) {
			return pdsexec.Outcome{Result: pdsjob.ResultOK}, nil
		}), nil
	}

	poller, err := remotepoll.New(remotepoll.Config{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.Timeout,
		MaxAttempts:  cfg.MaxAttempts,
	}, remotepoll.WithLogger(logger.Named("poll")))
	if err != nil {
		return nil, fmt.Errorf("delegate poller: %w", err)
	}
	client := &adapter.PDSClient{
		BaseURL: cfg.BaseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Limiter: adapter.NewLimiter(cfg.RequestsPerSecond),
	}
	logger.Info("Delegating jobs", zap.String("base_url", cfg.BaseURL))
	return adapter.NewDelegatingRunner(client, poller, logger.Named("delegate")), nil
}

// Run starts the background loops and the HTTP server and blocks until ctx
// is canceled or a component fails. Held jobs are handed back on the way
// out.
func (n *Node) Run(ctx context.Context) error {
	addr := net.JoinHostPort(n.cfg.Server.Host, strconv.Itoa(n.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return n.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	n.logger.Info("Node starting",
		zap.String("store", n.Stores.Driver),
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", n.cfg.Execution.WorkerCount),
		zap.Int("queue_max", n.cfg.Execution.QueueMax))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Publisher.Run(gctx) })
	g.Go(func() error { return n.Trigger.Run(gctx) })
	g.Go(func() error { return n.Canceler.Run(gctx) })
	g.Go(func() error { return n.Scheduler.Run(gctx) })
	g.Go(func() error { return n.Server.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		return n.shutdown()
	})

	err := g.Wait()
	n.logger.Info("Node stopped")
	return err
}

func (n *Node) shutdown() error {
	timeout := n.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := n.Server.Shutdown(ctx)
	execErr := n.Executor.Shutdown(ctx)
	return errors.Join(httpErr, execErr)
}

// Close releases the stores. Call it after Run returned.
func (n *Node) Close() error {
	return n.Stores.Close()
}
