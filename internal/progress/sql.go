package progress

import (
	"context"
	"database/sql"
	stderr "errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/progress/migrations"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

const tableName = "objects"

var recordColumns = []string{
	types.ColSourceID,
	types.ColTargetID,
	types.ColIsDirectory,
	types.ColSize,
	types.ColMtime,
	types.ColStatus,
	types.ColTransferStart,
	types.ColTransferComplete,
	types.ColVerifyStart,
	types.ColVerifyComplete,
	types.ColRetryCount,
	types.ColErrorMessage,
	types.ColFirstErrorMessage,
	types.ColIsSourceDeleted,
	types.ColSourceMD5,
	types.ColSourceRetentionEnd,
	types.ColTargetMtime,
	types.ColTargetMD5,
	types.ColTargetRetentionEnd,
}

// SQLStore keeps records in a SQL database through a small connection pool.
type SQLStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	cfg     Config
	retryer *retry.Retryer
	logger  *logger.Logger
}

// NewSQLiteStore opens (creating if needed) the SQLite database at cfg.DSN.
func NewSQLiteStore(ctx context.Context, cfg Config, log *logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DSN == "" {
		return nil, errors.NewConfigurationError("sqlite progress store requires a database file")
	}
	dsn := cfg.DSN
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.NewStoreUnavailable("creating database directory", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Err(err).Str("func", "NewSQLiteStore").Msg("error opening database")
		return nil, errors.NewStoreUnavailable("opening sqlite database", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn
	conn.SetMaxOpenConns(1)
	return finishOpen(ctx, conn, migrationsDialect(DriverSQLite), sq.Question, cfg, log)
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, cfg Config, log *logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DSN == "" {
		return nil, errors.NewConfigurationError("postgres progress store requires a DSN")
	}
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		log.Err(err).Str("func", "NewPostgresStore").Msg("error opening database")
		return nil, errors.NewStoreUnavailable("opening postgres database", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	return finishOpen(ctx, conn, migrationsDialect(DriverPostgres), sq.Dollar, cfg, log)
}

func migrationsDialect(driver string) string {
	if driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite3"
}

func finishOpen(ctx context.Context, conn *sql.DB, dialect string, ph sq.PlaceholderFormat, cfg Config, log *logger.Logger) (*SQLStore, error) {
	if err := conn.PingContext(ctx); err != nil {
		log.Err(err).Str("func", "finishOpen").Msg("error connecting database (ping)")
		conn.Close()
		return nil, errors.NewStoreUnavailable("connecting to progress database", err)
	}
	if err := migrations.Migrate(conn, dialect, log); err != nil {
		conn.Close()
		return nil, errors.NewError(errors.ErrCodeStoreMigration, "migrating progress database").WithCause(err)
	}
	log.Debug().Str("func", "finishOpen").Str("dialect", dialect).Msg("progress database ready")
	return NewSQLStore(conn, ph, cfg, log), nil
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *sql.DB, ph sq.PlaceholderFormat, cfg Config, log *logger.Logger) *SQLStore {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultConfig()
	if cfg.MaxErrorSize == 0 {
		cfg.MaxErrorSize = def.MaxErrorSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &SQLStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(ph),
		cfg:     cfg,
		retryer: retry.New(retry.Config{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, Jitter: true}),
		logger:  log,
	}
}

// SetRetryer replaces the write retry policy.
func (s *SQLStore) SetRetryer(r *retry.Retryer) { s.retryer = r }

func (s *SQLStore) Get(ctx context.Context, sourceID string) (*types.SyncRecord, error) {
	query, args, err := s.builder.Select(recordColumns...).
		From(tableName).
		Where(sq.Eq{types.ColSourceID: sourceID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if stderr.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Err(err).Str("func", "SQLStore.Get").Str("source_id", sourceID).Msg("error reading record")
		return nil, errors.NewStoreUnavailable("reading record", err)
	}
	return rec, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec *types.SyncRecord) error {
	if rec.Status == "" {
		return fmt.Errorf("insert %s: status is required", rec.SourceID)
	}
	cols := rec.Columns(s.cfg.EnhancedDetails)
	for k, v := range cols {
		if v == nil {
			delete(cols, k)
		}
	}
	truncateErrors(cols, s.cfg.MaxErrorSize)

	query, args, err := s.builder.Insert(tableName).SetMap(cols).ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	_, err = s.exec(ctx, "Insert", query, args)
	return err
}

func (s *SQLStore) Update(ctx context.Context, sourceID string, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	changes = maps.Clone(changes)
	delete(changes, types.ColSourceID)
	truncateErrors(changes, s.cfg.MaxErrorSize)

	query, args, err := s.builder.Update(tableName).
		SetMap(changes).
		Where(sq.Eq{types.ColSourceID: sourceID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	res, err := s.exec(ctx, "Update", query, args)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s: no such record", sourceID)
	}
	return nil
}

func (s *SQLStore) MarkSourceDeleted(ctx context.Context, sourceIDs []string) error {
	const chunk = 500
	for start := 0; start < len(sourceIDs); start += chunk {
		end := min(start+chunk, len(sourceIDs))
		query, args, err := s.builder.Update(tableName).
			Set(types.ColIsSourceDeleted, true).
			Where(sq.Eq{types.ColSourceID: sourceIDs[start:end]}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building update: %w", err)
		}
		if _, err := s.exec(ctx, "MarkSourceDeleted", query, args); err != nil {
			return err
		}
	}
	return nil
}

// Each pages through the table by source id so no cursor stays open while
// fn runs; fn may write to the store.
func (s *SQLStore) Each(ctx context.Context, filter Filter, fn func(*types.SyncRecord) error) error {
	after := ""
	for {
		page, err := s.page(ctx, filter, after)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < s.cfg.PageSize {
			return nil
		}
		after = page[len(page)-1].SourceID
	}
}

func (s *SQLStore) page(ctx context.Context, filter Filter, after string) ([]*types.SyncRecord, error) {
	q := s.builder.Select(recordColumns...).
		From(tableName).
		Where(sq.Gt{types.ColSourceID: after}).
		OrderBy(types.ColSourceID).
		Limit(uint64(s.cfg.PageSize))
	switch filter {
	case FilterErrors:
		q = q.Where(sq.Eq{types.ColStatus: []string{string(types.StatusError), string(types.StatusVerifyFailed)}})
	case FilterRetries:
		q = q.Where(sq.Gt{types.ColRetryCount: 0})
	case FilterDeleted:
		q = q.Where(sq.Eq{types.ColIsSourceDeleted: true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailable("listing records", err)
	}
	defer rows.Close()

	var out []*types.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewStoreUnavailable("scanning record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailable("listing records", err)
	}
	return out, nil
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	var res sql.Result
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		s.logger.Err(err).Str("func", "SQLStore."+op).Msg("progress store write failed")
		return nil, errors.NewStoreUnavailable(strings.ToLower(op)+" failed", err)
	}
	return res, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*types.SyncRecord, error) {
	var (
		rec                                        types.SyncRecord
		targetID, errMsg, firstErr, srcMD5, tgtMD5 sql.NullString
		size, retries                              sql.NullInt64
		mtime, tStart, tDone, vStart, vDone        sql.NullTime
		srcRet, tgtMtime, tgtRet                   sql.NullTime
	)
	err := sc.Scan(
		&rec.SourceID, &targetID, &rec.Directory, &size, &mtime, &rec.Status,
		&tStart, &tDone, &vStart, &vDone, &retries, &errMsg, &firstErr,
		&rec.SourceDeleted, &srcMD5, &srcRet, &tgtMtime, &tgtMD5, &tgtRet,
	)
	if err != nil {
		return nil, err
	}
	rec.TargetID = targetID.String
	rec.Size = size.Int64
	rec.Mtime = utc(mtime)
	rec.TransferStart = utc(tStart)
	rec.TransferComplete = utc(tDone)
	rec.VerifyStart = utc(vStart)
	rec.VerifyComplete = utc(vDone)
	rec.RetryCount = int(retries.Int64)
	rec.ErrorMessage = errMsg.String
	rec.FirstErrorMessage = firstErr.String
	rec.SourceMD5 = srcMD5.String
	rec.SourceRetentionEnd = utc(srcRet)
	rec.TargetMtime = utc(tgtMtime)
	rec.TargetMD5 = tgtMD5.String
	rec.TargetRetentionEnd = utc(tgtRet)
	return &rec, nil
}

func utc(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
