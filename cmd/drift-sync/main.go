package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsio "github.com/nats-io/nats.go"

	"driftdb/internal/config"
	"driftdb/internal/localdocs"
	"driftdb/internal/logging"
	"driftdb/internal/pubsub"
	pubsubmemory "driftdb/internal/pubsub/memory"
	pubsubnats "driftdb/internal/pubsub/nats"
	"driftdb/internal/replication"
	"driftdb/internal/replication/remote"
	"driftdb/internal/storage"
	"driftdb/internal/storage/memory"
	"driftdb/internal/storage/mongo"
	"driftdb/internal/storage/multiinstance"
	"driftdb/internal/storage/sqlite"
	"driftdb/internal/stream"
)

const schemaVersion = 0

func main() {
	configDir := flag.String("config", "config", "Configuration directory")
	collection := flag.String("collection", "", "Collection to sync (overrides sync.collections)")
	serveAddr := flag.String("serve", "", "Serve the local store over websocket at this address instead of syncing")
	oneShot := flag.Bool("one-shot", false, "Run a single sync pass and exit")
	watchExpr := flag.String("watch", "", "Log changes matching this CEL expression (vars: doc, id, deleted, operation)")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Shutdown()
	logger := slog.Default()

	collections := cfg.Sync.Collections
	if *collection != "" {
		collections = []string{*collection}
	}
	if len(collections) == 0 {
		collections = []string{"documents"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := openEnvironment(ctx, cfg, collections, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer env.close()

	if *watchExpr != "" {
		if err := startWatchers(ctx, env, *watchExpr, logger); err != nil {
			logger.Error("watch setup failed", "error", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *serveAddr != "" {
		runServer(ctx, *serveAddr, env, logger, sigCh)
		return
	}

	if cfg.Sync.RemoteURL == "" {
		logger.Error("sync.remote_url is not configured")
		os.Exit(1)
	}
	if err := runSync(ctx, cfg, env, *oneShot, logger, sigCh); err != nil {
		logger.Error("sync failed", "error", err)
		os.Exit(1)
	}
}

// environment holds one opened instance per collection plus the shared
// resources behind them.
type environment struct {
	instances map[string]storage.Instance
	cleanups  []func()
	logger    *slog.Logger
}

func (e *environment) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, inst := range e.instances {
		if err := inst.Close(ctx); err != nil {
			e.logger.Error("close instance", "collection", name, "error", err)
		}
	}
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
}

func openEnvironment(ctx context.Context, cfg *config.Config, collections []string, logger *slog.Logger) (*environment, error) {
	env := &environment{
		instances: make(map[string]storage.Instance, len(collections)),
		logger:    logger,
	}

	open, err := engineOpener(ctx, cfg, env)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(cfg, env)
	if err != nil {
		env.close()
		return nil, err
	}

	for _, name := range collections {
		inst, err := open(ctx, name)
		if err != nil {
			env.close()
			return nil, fmt.Errorf("open collection %q: %w", name, err)
		}
		wrapped, err := multiinstance.Wrap(ctx, inst, bus, cfg.Database, logger)
		if err != nil {
			inst.Close(ctx)
			env.close()
			return nil, fmt.Errorf("wrap collection %q: %w", name, err)
		}
		env.instances[name] = wrapped
	}
	return env, nil
}

func engineOpener(ctx context.Context, cfg *config.Config, env *environment) (func(context.Context, string) (storage.Instance, error), error) {
	switch cfg.Storage.Engine {
	case config.EngineMemory:
		return func(_ context.Context, name string) (storage.Instance, error) {
			return memory.NewInstance(name), nil
		}, nil

	case config.EngineSQLite:
		db, err := sqlite.Open(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		env.cleanups = append(env.cleanups, func() { db.Close() })
		return func(ctx context.Context, name string) (storage.Instance, error) {
			return sqlite.NewInstance(ctx, db, name, schemaVersion)
		}, nil

	case config.EngineMongo:
		provider, err := mongo.NewProvider(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		env.cleanups = append(env.cleanups, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			provider.Close(closeCtx)
		})
		return func(ctx context.Context, name string) (storage.Instance, error) {
			return mongo.NewInstance(ctx, provider, name, schemaVersion)
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

func openBus(cfg *config.Config, env *environment) (pubsub.Bus, error) {
	switch cfg.PubSub.Provider {
	case config.PubSubMemory:
		bus := pubsubmemory.NewBus()
		env.cleanups = append(env.cleanups, func() { bus.Close() })
		return bus, nil

	case config.PubSubNATS:
		conn, err := natsio.Connect(cfg.PubSub.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		bus := pubsubnats.NewBus(conn)
		env.cleanups = append(env.cleanups, func() {
			bus.Close()
			conn.Close()
		})
		return bus, nil

	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}

// startWatchers logs every change matching the filter expression, per
// collection.
func startWatchers(ctx context.Context, env *environment, expr string, logger *slog.Logger) error {
	compiler, err := stream.NewCompiler()
	if err != nil {
		return err
	}
	filter, err := compiler.Compile(expr)
	if err != nil {
		return fmt.Errorf("compile watch expression: %w", err)
	}

	for name, inst := range env.instances {
		ch, cancel, err := stream.Subscribe(ctx, inst, filter)
		if err != nil {
			return fmt.Errorf("watch collection %q: %w", name, err)
		}
		env.cleanups = append(env.cleanups, cancel)

		go func(name string, ch <-chan storage.EventBulk) {
			for bulk := range ch {
				for _, event := range bulk.Events {
					logger.Info("change",
						"collection", name,
						"document", event.DocumentID,
						"operation", event.Operation.String(),
						"rev", event.Document.Rev,
					)
				}
			}
		}(name, ch)
	}
	return nil
}

// runServer exposes every opened collection at /sync/<collection>.
func runServer(ctx context.Context, addr string, env *environment, logger *slog.Logger, sigCh <-chan os.Signal) {
	mux := http.NewServeMux()
	for name, inst := range env.instances {
		mux.Handle("/sync/"+name, remote.Handler(replication.NewInstanceAdapter(inst), logger))
		logger.Info("serving collection", "collection", name, "path", "/sync/"+name)
	}

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("sync server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}

// runSync replicates every opened collection against the configured remote.
func runSync(ctx context.Context, cfg *config.Config, env *environment, oneShot bool, logger *slog.Logger, sigCh <-chan os.Signal) error {
	repCfg := cfg.Sync.Replication
	if oneShot {
		repCfg.Live = false
	}

	var replications []*replication.Replication
	for name, inst := range env.instances {
		client, err := remote.Dial(ctx, cfg.Sync.RemoteURL+"/"+name)
		if err != nil {
			return fmt.Errorf("dial remote for %q: %w", name, err)
		}
		defer client.Close()

		r := replication.New(inst, client, localdocs.NewStore(inst), repCfg, logger)
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start replication for %q: %w", name, err)
		}
		defer r.Cancel()
		replications = append(replications, r)

		go drainReports(ctx, r, logger)
	}

	if !repCfg.Live {
		for _, r := range replications {
			if err := r.AwaitInitialReplication(ctx); err != nil {
				return err
			}
		}
		logger.Info("sync completed")
		return nil
	}

	logger.Info("live sync running", "collections", len(replications))
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}
	return nil
}

func drainReports(ctx context.Context, r *replication.Replication, logger *slog.Logger) {
	for {
		select {
		case err := <-r.Errors():
			logger.Warn("replication error", "error", err)
		case d := <-r.Denied():
			logger.Warn("document denied",
				"direction", d.Direction, "document", d.DocumentID, "reason", d.Reason)
		case <-ctx.Done():
			return
		}
	}
}
