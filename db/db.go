package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned by the Read* methods when no row matches.
	ErrNotFound = errors.New("db: not found")
	// ErrDuplicate is returned when an insert hits a unique constraint.
	ErrDuplicate = errors.New("db: duplicate")
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB is the database struct.
type DB struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
}

// Open connects to the store. driver is "sqlite" (default) or "pgx".
func Open(driver, dsn string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == "" {
		driver = "sqlite"
	}

	d := dialectSQLite
	switch driver {
	case "sqlite":
	case "pgx", "postgres":
		driver = "pgx"
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &DB{db: sqlDB, dialect: d, log: logger}

	if d == dialectSQLite {
		database.configureSQLite(dsn)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func (db *DB) configureSQLite(dsn string) {
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// every pooled connection to :memory: would be a separate database
		db.db.SetMaxOpenConns(1)
		return
	}

	db.db.SetMaxOpenConns(25)
	db.db.SetMaxIdleConns(5)
	db.db.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := db.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		db.log.Warn("db: failed to enable WAL mode", zap.Error(err))
	} else {
		db.log.Info("db: journal mode", zap.String("mode", journalMode))
	}

	db.db.Exec("PRAGMA synchronous = NORMAL")
	db.db.Exec("PRAGMA cache_size = -64000")
	db.db.Exec("PRAGMA temp_store = MEMORY")
	db.db.Exec("PRAGMA busy_timeout = 5000")
}

func (db *DB) Close() error {
	return db.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) txExec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, db.rebind(query), args...)
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	const maxBusyRetries = 5
	for attempt := 0; ; attempt++ {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			db.log.Error("db: error starting transaction", zap.Error(err))
			return err
		}

		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}

		if isBusy(err) && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			continue
		}
		return err
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// isUniqueViolation reports unique constraint failures for both drivers.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || serr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func now() time.Time {
	return time.Now().UTC()
}
