// Package database é o store DuckDB do cam-counter: devices, canais, log
// de eventos e buckets de rollup.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-counter/internal/config"
	"github.com/sua-org/cam-counter/internal/logging"
	"github.com/sua-org/cam-counter/internal/metrics"
	"github.com/sua-org/cam-counter/internal/store"
)

const maxRetries = 3

type DB struct {
	conn *sql.DB
	cfg  config.DatabaseConfig
	log  zerolog.Logger

	initMu      sync.Mutex
	initialized bool

	// locks por linha para os upserts concorrentes (device por IP, bucket
	// por chave)
	rowLocks sync.Map

	closeOnce sync.Once
}

var _ store.Store = (*DB)(nil)

// New prepara o handle DuckDB. A conexão e o schema só são abertos no
// primeiro uso (ready); Path ":memory:" usa um banco em memória.
func New(cfg config.DatabaseConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	path := cfg.Path
	if path == ":memory:" {
		path = ""
	} else if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s", path, threads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg, log: logging.Component("database")}
	db.configureConnectionPool()
	return db, nil
}

// ready abre a conexão e aplica o schema uma única vez. Falha não fica
// memorizada: a próxima chamada tenta de novo.
func (db *DB) ready(ctx context.Context) error {
	db.initMu.Lock()
	defer db.initMu.Unlock()
	if db.initialized {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.conn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := db.initialize(ctx); err != nil {
		return err
	}
	db.initialized = true
	db.log.Info().Str("path", db.cfg.Path).Msg("database ready")
	return nil
}

func (db *DB) configureConnectionPool() {
	maxConns := db.cfg.MaxConns
	if maxConns <= 0 {
		maxConns = runtime.NumCPU()
	}
	db.conn.SetMaxOpenConns(maxConns)
	db.conn.SetMaxIdleConns(2)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

func (db *DB) initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	if err := db.ready(ctx); err != nil {
		return err
	}
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		err = db.conn.Close()
	})
	return err
}

// lockRow serializa escritas na mesma linha lógica.
func (db *DB) lockRow(key string) *sync.Mutex {
	v, _ := db.rowLocks.LoadOrStore(key, &sync.Mutex{})
	mu, ok := v.(*sync.Mutex)
	if !ok {
		mu = &sync.Mutex{}
		db.rowLocks.Store(key, mu)
	}
	mu.Lock()
	return mu
}

// withRetry repete fn em conflito de transação do DuckDB com backoff
// exponencial (1ms, 2ms, 4ms). INTERNAL Error não é repetido.
func (db *DB) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := db.ready(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer metrics.ObserveQuery(op, start)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("operation timed out or canceled: %w", ctx.Err())
		}
		if isInternalError(err) {
			db.log.Error().Err(err).Str("operation", op).Msg("DuckDB internal error")
			return fmt.Errorf("database internal error: %w", err)
		}
		if !isTransactionConflict(err) {
			return err
		}

		metrics.DBConflictRetries.WithLabelValues(op).Inc()
		if attempt < maxRetries-1 {
			backoff := time.Millisecond * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// withTx roda fn numa transação, com o mesmo retry de conflito do withRetry.
// Qualquer erro desfaz tudo que fn escreveu.
func (db *DB) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.withRetry(ctx, op, func(ctx context.Context) (err error) {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					db.log.Error().Err(rbErr).AnErr("original_error", err).Str("operation", op).Msg("rollback failed")
				}
			}
		}()
		if err = fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// isTransactionConflict checks if an error is a DuckDB transaction conflict
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on update") ||
		strings.Contains(errStr, "cannot update a table that has been altered")
}

// isInternalError checks if an error is a DuckDB INTERNAL error
func isInternalError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "INTERNAL Error")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
