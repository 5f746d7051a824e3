// Command sqlez-stress hammers one store from many goroutines, each locked to
// its own OS thread and connection, then checks the final row count through
// gorm on top of the database/sql driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Kethku/sqlez"
)

// Config is read from the environment.
type Config struct {
	DBPath      string `env:"DB_PATH" envDefault:"stress_test.db"`
	NumWorkers  int    `env:"NUM_WORKERS" envDefault:"10"`
	Iterations  int    `env:"ITERATIONS" envDefault:"200"`
	Persistent  bool   `env:"PERSISTENT" envDefault:"true"`
	BusyTimeout int    `env:"BUSY_TIMEOUT_MS" envDefault:"5000"`
	Verbose     bool   `env:"VERBOSE"`
}

// Record is the row the workers write, as gorm sees it.
type Record struct {
	ID        int64 `gorm:"primarykey"`
	CreatedAt string
	Name      string `gorm:"index"`
	Value     int64
	Data      string
}

func (Record) TableName() string { return "records" }

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY,
	created_at TEXT NOT NULL,
	name TEXT NOT NULL,
	value INTEGER NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_name ON records(name);
`

// Stats tracking
type Stats struct {
	Inserts atomic.Int64
	Updates atomic.Int64
	Deletes atomic.Int64
	Selects atomic.Int64
	Errors  atomic.Int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sqlez-stress:", err)
		os.Exit(1)
	}
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func run() error {
	var cfg Config
	if err := parseEnv(&cfg); err != nil {
		return err
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tl := sqlez.NewThreadLocal(cfg.DBPath, cfg.Persistent,
		sqlez.WithLogger(logger),
		sqlez.WithBusyTimeout(cfg.BusyTimeout),
	)
	defer tl.Close()

	var initial int64
	err := tl.With(func(c *sqlez.Conn) error {
		if cfg.Persistent {
			if err := c.Exec("PRAGMA journal_mode=WAL"); err != nil {
				return err
			}
		}
		if err := c.Exec(schema); err != nil {
			return err
		}
		count, err := c.Prepare("SELECT COUNT(*) FROM records")
		if err != nil {
			return err
		}
		defer count.Close()
		initial, err = sqlez.Row[int64](count)
		return err
	})
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	logger.Info("database initialized", "path", cfg.DBPath, "persistent", cfg.Persistent, "records", initial)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stats Stats
	reportCtx, cancelReport := context.WithCancel(ctx)
	go statsReporter(reportCtx, logger, &stats)

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.NumWorkers; i++ {
		g.Go(func() error {
			stressWorker(gctx, logger.With("worker", i), tl.Clone(), cfg.Iterations, &stats)
			return nil
		})
	}
	err = g.Wait()
	cancelReport()
	if err != nil {
		return err
	}
	logger.Info("workers finished",
		"elapsed", time.Since(started),
		"inserts", stats.Inserts.Load(),
		"updates", stats.Updates.Load(),
		"deletes", stats.Deletes.Load(),
		"selects", stats.Selects.Load(),
		"errors", stats.Errors.Load(),
	)

	return verify(cfg, logger, initial+stats.Inserts.Load()-stats.Deletes.Load())
}

// verify reopens the store through gorm and compares the row count.
func verify(cfg Config, logger *slog.Logger, want int64) error {
	dsn := cfg.DBPath + "?"
	if !cfg.Persistent {
		dsn = sqlez.MemoryURI(cfg.DBPath) + "&"
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: sqlez.DriverName,
		DSN:        fmt.Sprintf("%s_busy_timeout=%d", dsn, cfg.BusyTimeout),
	}, &gorm.Config{
		Logger: &slogGormLogger{logger: logger},
	})
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var got int64
	if err := db.Model(&Record{}).Count(&got).Error; err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if got != want {
		return fmt.Errorf("record count mismatch: got %d, want %d", got, want)
	}
	logger.Info("verification passed", "records", got)
	return nil
}

func statsReporter(ctx context.Context, logger *slog.Logger, stats *Stats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("stats",
				"inserts", stats.Inserts.Load(),
				"updates", stats.Updates.Load(),
				"deletes", stats.Deletes.Load(),
				"selects", stats.Selects.Load(),
				"errors", stats.Errors.Load(),
			)
		}
	}
}

type action func(c *sqlez.Conn, r *result) error

// result holds what one action did once its savepoint is released.
type result struct {
	inserts, updates, deletes, selects int64
}

func stressWorker(ctx context.Context, logger *slog.Logger, tl *sqlez.ThreadLocal, iterations int, stats *Stats) {
	defer tl.Close()

	actions := []struct {
		name   string
		weight int
		fn     action
	}{
		{"insert", 20, doInsert},
		{"update", 15, doUpdate},
		{"delete", 5, doDelete},
		{"select", 10, doSelect},
		{"bulk", 50, doBulk},
	}
	// Build weighted selection slice
	var weighted []int
	for i, a := range actions {
		for j := 0; j < a.weight; j++ {
			weighted = append(weighted, i)
		}
	}

	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			logger.Info("worker stopped", "iteration", i)
			return
		}
		a := actions[weighted[rand.IntN(len(weighted))]]
		var r result
		err := tl.With(func(c *sqlez.Conn) error {
			return c.Transaction(func(c *sqlez.Conn) error {
				return a.fn(c, &r)
			})
		})
		if err != nil {
			// contention is expected under load
			stats.Errors.Add(1)
			logger.Debug("action failed", "action", a.name, "error", err)
			continue
		}
		stats.Inserts.Add(r.inserts)
		stats.Updates.Add(r.updates)
		stats.Deletes.Add(r.deletes)
		stats.Selects.Add(r.selects)
		logger.Debug("action done", "action", a.name)
	}
}

func doInsert(c *sqlez.Conn, r *result) error {
	stmt, err := c.Prepare("INSERT INTO records (created_at, name, value, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().Format(time.RFC3339)
	if err := stmt.Bind(sqlez.T4(now, fmt.Sprintf("record_%d", rand.Int64()), rand.Int64N(10000), randomString(100))); err != nil {
		return err
	}
	if err := stmt.Run(); err != nil {
		return err
	}
	r.inserts = 1
	return nil
}

// randomID picks the id of an existing record.
func randomID(c *sqlez.Conn) (int64, bool, error) {
	stmt, err := c.Prepare("SELECT id FROM records ORDER BY random() LIMIT 1")
	if err != nil {
		return 0, false, err
	}
	defer stmt.Close()
	return sqlez.MaybeRow[int64](stmt)
}

func doUpdate(c *sqlez.Conn, r *result) error {
	id, ok, err := randomID(c)
	if err != nil || !ok {
		return err
	}
	stmt, err := c.Prepare("UPDATE records SET value = ?, data = ? WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Bound(rand.Int64N(10000), randomString(100), id); err != nil {
		return err
	}
	if err := stmt.Run(); err != nil {
		return err
	}
	r.updates = c.Changes()
	return nil
}

func doDelete(c *sqlez.Conn, r *result) error {
	id, ok, err := randomID(c)
	if err != nil || !ok {
		return err
	}
	stmt, err := c.Prepare("DELETE FROM records WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err := stmt.Bind(id); err != nil {
		return err
	}
	if err := stmt.Run(); err != nil {
		return err
	}
	r.deletes = c.Changes()
	return nil
}

func doSelect(c *sqlez.Conn, r *result) error {
	stmt, err := c.Prepare("SELECT id, name, value FROM records WHERE value BETWEEN ? AND ? ORDER BY id LIMIT 10")
	if err != nil {
		return err
	}
	defer stmt.Close()
	lo := rand.Int64N(9000)
	if err := stmt.Bind(sqlez.T2(lo, lo+1000)); err != nil {
		return err
	}
	rows, err := sqlez.Rows[sqlez.Tuple3[int64, string, int64]](stmt)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.V3 < lo || row.V3 > lo+1000 {
			return fmt.Errorf("record %d value %d outside [%d, %d]", row.V1, row.V3, lo, lo+1000)
		}
	}
	r.selects = 1
	return nil
}

// doBulk inserts 100 records in a nested savepoint with one statement.
func doBulk(c *sqlez.Conn, r *result) error {
	sp, err := c.Savepoint("bulk")
	if err != nil {
		return err
	}
	defer sp.Close()

	stmt, err := sp.Prepare("INSERT INTO records (created_at, name, value, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	const count = 100
	now := time.Now().Format(time.RFC3339)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("bulk_%d_%d", time.Now().UnixNano(), i)
		if _, err := stmt.Bound(now, name, rand.Int64N(10000), randomString(100)); err != nil {
			return err
		}
		if err := stmt.Run(); err != nil {
			return err
		}
	}
	if err := sp.Release(); err != nil {
		return err
	}
	r.inserts = count
	return nil
}

func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

// slogGormLogger sends gorm's statement log to slog with the worker id.
type slogGormLogger struct {
	logger *slog.Logger
}

func (l *slogGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	sql, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logger.ErrorContext(ctx, "gorm", "elapsed", elapsed, "rows", rows, "sql", sql, "error", err)
		return
	}
	l.logger.DebugContext(ctx, "gorm", "elapsed", elapsed, "rows", rows, "sql", sql)
}
