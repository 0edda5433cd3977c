package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/mysql"
	"github.com/katasec/dstream-ingester-capture/internal/cdc/sqlserver"
	"github.com/katasec/dstream-ingester-capture/internal/db"
	"github.com/katasec/dstream-ingester-capture/internal/envelope"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/history"
	"github.com/katasec/dstream-ingester-capture/internal/locking"
	"github.com/katasec/dstream-ingester-capture/internal/metrics"
	"github.com/katasec/dstream-ingester-capture/internal/offset"
	"github.com/katasec/dstream-ingester-capture/internal/orchestrator"
	"github.com/katasec/dstream-ingester-capture/internal/policy"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/internal/utils"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const defaultStateFile = "capture.db"

// Ingester is one running pipeline together with the stores and lock it owns
type Ingester struct {
	config *IngesterConfig
	server string
	runID  string
	log    hclog.Logger

	orch    *orchestrator.Orchestrator
	history schema.HistoryStore
	offsets cdc.OffsetStore
	// closers release what the stores were opened on, in reverse order
	closers []func() error

	locker      locking.Locker
	stopRenewal context.CancelFunc
}

// newIngester opens the stores, takes the server lock and wires the pipeline components.
// Everything opened is released again when wiring fails.
func newIngester(ctx context.Context, cfg *IngesterConfig, reg prometheus.Registerer) (ing *Ingester, err error) {
	server := cfg.Source.ServerName
	if server == "" {
		if server, err = utils.ServerName(cfg.Source.Type, cfg.Source.ConnectionString); err != nil {
			return nil, invalid("source.server_name", "not set and cannot be derived from the connection string: "+err.Error())
		}
	}
	runID := uuid.NewString()
	ing = &Ingester{
		config: cfg,
		server: server,
		runID:  runID,
		log:    GetLogger().With("server", server, "run", runID),
	}
	defer func() {
		if err != nil {
			if cerr := ing.close(context.WithoutCancel(ctx)); cerr != nil {
				ing.log.Warn("Cleanup after failed start", "error", cerr)
			}
		}
	}()

	if cfg.Lock != nil {
		if err = ing.lock(ctx, cfg.Lock); err != nil {
			return nil, err
		}
	}

	filter, err := policy.NewTableFilter(cfg.Filters)
	if err != nil {
		return nil, invalid("filters", err.Error())
	}
	columns, err := policy.NewColumnPolicy(cfg.Columns)
	if err != nil {
		return nil, invalid("columns", err.Error())
	}
	dialect, err := db.DialectFor(cfg.Source.Type)
	if err != nil {
		return nil, invalid("source.type", err.Error())
	}

	if ing.history, err = openHistory(cfg.History, server); err != nil {
		return nil, err
	}
	if err = ing.openOffsets(ctx, cfg); err != nil {
		return nil, err
	}

	tailer, err := newTailer(cfg, filter, ing.log.Named("tailer"))
	if err != nil {
		return nil, err
	}
	var source *sql.DB
	if cfg.Snapshot.Mode != orchestrator.SnapshotNever {
		if source, err = db.Connect(ctx, dialect, cfg.Source.ConnectionString); err != nil {
			return nil, cerrors.NewSnapshotReadError("", "failed to connect to source", err)
		}
	}

	tracker := offset.NewTracker(ing.offsets,
		offset.WithCommitRetry(cfg.Retry.OffsetCommitAttempts, cfg.Retry.InitialInterval, cfg.Retry.MaxInterval),
		offset.WithLogger(ing.log.Named("offsets")))

	ing.orch, err = orchestrator.New(orchestrator.Config{
		SnapshotMode:             cfg.Snapshot.Mode,
		FetchSize:                cfg.Snapshot.FetchSize,
		MaxMessageSize:           cfg.Snapshot.MaxMessageSize,
		SnapshotMaxRetries:       cfg.Snapshot.MaxRetries,
		TolerateSnapshotFailures: cfg.Snapshot.TolerateFailures,
		IncludeSchemaChanges:     cfg.IncludeSchemaChanges,
		MaxBatchSize:             cfg.MaxBatchSize,
		PollTimeout:              cfg.PollTimeout,
		RetryMaxAttempts:         cfg.Retry.MaxAttempts,
		RetryInitialInterval:     cfg.Retry.InitialInterval,
		RetryMaxInterval:         cfg.Retry.MaxInterval,
	}, orchestrator.Components{
		Tailer:   tailer,
		Tracker:  tracker,
		Registry: schema.NewRegistry(ing.history, ing.log.Named("schema")),
		Builder:  envelope.NewBuilder(server, columns),
		Filter:   filter,
		Source:   source,
		Dialect:  dialect,
		Metrics:  metrics.New(reg, server),
		Logger:   ing.log.Named("orchestrator"),
	})
	if err != nil {
		tailer.Close()
		if source != nil {
			source.Close()
		}
		return nil, err
	}
	return ing, nil
}

func newTailer(cfg *IngesterConfig, filter *policy.TableFilter, logger hclog.Logger) (cdc.LogTailer, error) {
	switch cfg.Source.Type {
	case "mysql":
		return mysql.New(mysql.Config{
			DSN:      cfg.Source.ConnectionString,
			ServerID: cfg.Source.ServerID,
			Flavor:   cfg.Source.Flavor,
			Logger:   logger,
		})
	case "sqlserver":
		return sqlserver.New(sqlserver.Config{
			ConnectionString: cfg.Source.ConnectionString,
			PollInterval:     cfg.Polling.Interval,
			MaxPollInterval:  cfg.Polling.MaxInterval,
			Include:          filter.Includes,
			Logger:           logger,
		})
	default:
		return nil, invalid("source.type", "must be mysql or sqlserver")
	}
}

// openHistory opens the schema history store. Paths default to the working directory.
func openHistory(cfg HistoryConfig, server string) (schema.HistoryStore, error) {
	switch cfg.Type {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = defaultStateFile
		}
		s, err := history.NewSQLiteStore(path, server)
		if err != nil {
			return nil, cerrors.NewInternalError("failed to open schema history", err)
		}
		return s, nil
	default:
		path := cfg.Path
		if path == "" {
			path = filepath.Join("history", server+".wal")
		}
		s, err := history.NewFileStore(path)
		if err != nil {
			return nil, cerrors.NewInternalError("failed to open schema history", err)
		}
		return s, nil
	}
}

func (ing *Ingester) openOffsets(ctx context.Context, cfg *IngesterConfig) error {
	oc := cfg.Offsets
	var err error
	switch oc.Type {
	case "file":
		path := oc.Path
		if path == "" {
			path = filepath.Join("offsets", ing.server+".json")
		}
		ing.offsets, err = offset.NewFileStore(path)
	case "redis":
		ing.offsets, err = offset.NewRedisStore(offset.RedisOptions{
			Address:  oc.ConnectionString,
			Password: oc.Password,
			DB:       oc.DB,
			Key:      oc.Key,
		}, ing.server)
	case "sqlserver":
		connStr := oc.ConnectionString
		if connStr == "" && cfg.Source.Type == "sqlserver" {
			connStr = cfg.Source.ConnectionString
		}
		if connStr == "" {
			return cerrors.NewMissingOptionError("offsets.connection_string")
		}
		conn, cerr := db.Connect(ctx, db.SQLServer{}, connStr)
		if cerr != nil {
			return cerrors.NewOffsetPersistenceError("failed to connect to offset database", cerr)
		}
		ing.closers = append(ing.closers, conn.Close)
		ing.offsets, err = offset.NewSQLServerStore(ctx, conn, ing.server, oc.Table)
	default:
		path := oc.Path
		if path == "" {
			path = defaultStateFile
		}
		ing.offsets, err = offset.NewSQLiteStore(path, ing.server)
	}
	if err != nil {
		return cerrors.NewOffsetPersistenceError(fmt.Sprintf("failed to open %s offset store", oc.Type), err)
	}
	return nil
}

// lock takes the per-server lease and keeps it renewed until the ingester closes
func (ing *Ingester) lock(ctx context.Context, cfg *LockConfig) error {
	factory := locking.NewLockerFactory(cfg.Type, cfg.ConnectionString, cfg.ContainerName, ing.runID, ing.log)
	lockName := factory.LockName(ing.server)
	locker, err := factory.CreateLocker(ctx, lockName)
	if err != nil {
		return cerrors.NewConfigError(cerrors.CodeInvalidOption, "failed to create locker: "+err.Error())
	}
	return ing.hold(ctx, locker, lockName)
}

func (ing *Ingester) hold(ctx context.Context, locker locking.Locker, lockName string) error {
	leaseID, err := locker.AcquireLock(ctx)
	if err != nil {
		if errors.Is(err, locking.ErrLockHeld) {
			return cerrors.NewConfigError(cerrors.CodeInvalidOption,
				fmt.Sprintf("server %s is already captured by another pipeline (lock %s)", ing.server, lockName))
		}
		return cerrors.NewInternalError("failed to acquire lock "+lockName, err)
	}
	ing.log.Debug("Acquired lease", "leaseID", leaseID)

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	locker.StartLockRenewal(renewCtx)
	ing.locker, ing.stopRenewal = locker, cancel
	return nil
}

// close releases the stores and the lock. It is safe to call on a partly built ingester.
func (ing *Ingester) close(ctx context.Context) error {
	var errs []error
	if ing.history != nil {
		if err := ing.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close schema history: %w", err))
		}
	}
	if ing.offsets != nil {
		if err := ing.offsets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close offset store: %w", err))
		}
	}
	for i := len(ing.closers) - 1; i >= 0; i-- {
		if err := ing.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	ing.history, ing.offsets, ing.closers = nil, nil, nil

	if ing.locker != nil {
		ing.stopRenewal()
		if err := ing.locker.ReleaseLock(ctx); err != nil {
			errs = append(errs, err)
		}
		ing.locker = nil
	}
	return errors.Join(errs...)
}

func (ing *Ingester) stop(ctx context.Context) error {
	var err error
	if ing.orch != nil {
		err = ing.orch.Stop(ctx)
	}
	return errors.Join(err, ing.close(ctx))
}
