package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"wingman/pkg/config"
	"wingman/pkg/store/ledger/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Datastore wraps GORM DB and serializes every transaction behind a single mutex.
// Nested ExecTx calls made with a context that already carries a transaction join it.
type Datastore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewDatastore opens the ledger database selected by cfg and creates its schema.
func NewDatastore(cfg config.LedgerConfig) (*Datastore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		// busy_timeout and immediate write locks let several processes share one ledger file
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", cfg.Path))
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN())
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get generic database object: %w", err)
	}
	if cfg.Driver == "mysql" {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	} else {
		// sqlite allows one writer; a single connection keeps reads behind the open transaction
		sqlDB.SetMaxOpenConns(1)
	}

	ds := &Datastore{db: db}
	if err := ds.Migrate(); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}

// Migrate creates or updates the runs and tasks tables.
func (ds *Datastore) Migrate() error {
	if err := ds.db.AutoMigrate(&model.Run{}, &model.Task{}); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (ds *Datastore) Close() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction support using context
type contextTxKey struct{}

// ExecTx executes fn within a transaction. If ctx already carries a transaction, fn joins it
// and the outermost call decides commit or rollback. Otherwise the datastore mutex is held
// until the transaction finishes.
func (ds *Datastore) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, contextTxKey{}, tx))
	})
}

// InTx reports whether ctx carries an active ledger transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(contextTxKey{}).(*gorm.DB)
	return ok
}

// DB returns the GORM DB instance for the current context
// If a transaction is active in the context, it returns the transaction DB
// Otherwise, it returns the main DB
func (ds *Datastore) DB(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(contextTxKey{}).(*gorm.DB)
	if ok {
		return tx.WithContext(ctx)
	}
	return ds.db.WithContext(ctx)
}
