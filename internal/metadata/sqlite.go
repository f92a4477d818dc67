package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicatePhoto is returned by InsertPhoto when the id or the blob
// locator is already taken.
var ErrDuplicatePhoto = errors.New("photo already exists")

// DSN builds a modernc.org/sqlite connection string for path. Every
// connection gets WAL mode, the busy timeout and foreign keys, and
// transactions start with BEGIN IMMEDIATE so a read-then-write transaction
// never fails on lock upgrade.
func DSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, busyTimeout.Milliseconds(),
	)
}

// SQLiteStore implements Store on an embedded SQLite database. It is
// suitable for single-node deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at dsn and applies pending migrations.
// A bare file path is accepted and expanded with DSN defaults.
func NewSQLiteStore(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = DSN(dsn, 0)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "metadata")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// migrate applies the embedded migrations in version order. Already-applied
// versions are skipped.
func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	defer source.Close()

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	// m.Close is not called: it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	s.logger.Info("metadata migrations applied", "version", version, "dirty", dirty)
	return nil
}

// DB exposes the underlying handle for export and import tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Transactions ----

// sqliteTx implements Tx on a *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

// Begin opens an IMMEDIATE transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// InsertPhoto inserts rec. Duplicate ids or locators yield ErrDuplicatePhoto.
func (t *sqliteTx) InsertPhoto(ctx context.Context, rec *PhotoRecord) error {
	var (
		resultVersion sql.NullInt64
		resultKind    sql.NullString
		resultPayload sql.NullString
	)
	if r := rec.ProcessingResult; r != nil {
		resultVersion = sql.NullInt64{Int64: int64(r.SchemaVersion), Valid: true}
		resultKind = nullString(r.Kind)
		resultPayload = sql.NullString{String: string(r.Payload), Valid: true}
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO photos
			(id, bucket, blob_key, access_url, access_url_expires_at, size, content_type,
			 original_name, checksum, client_id, session_id, user_id, processing_status,
			 result_schema_version, result_kind, result_payload, processing_error,
			 uploaded_at, processing_started_at, processing_completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Bucket, rec.Key, rec.AccessURL.Raw, nullTime(rec.AccessURL.ExpiresAt),
		rec.Size, rec.ContentType, rec.OriginalName, rec.Checksum, rec.ClientID,
		nullString(rec.SessionID), nullString(rec.UserID), string(rec.ProcessingStatus),
		resultVersion, resultKind, resultPayload, nullString(rec.ProcessingError),
		formatTime(rec.UploadedAt), nullTimePtr(rec.ProcessingStartedAt), nullTimePtr(rec.ProcessingCompletedAt),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("inserting photo %q: %w", rec.ID, ErrDuplicatePhoto)
		}
		return fmt.Errorf("inserting photo %q: %w", rec.ID, err)
	}
	return nil
}

// GetPhoto reads a row inside the transaction.
func (t *sqliteTx) GetPhoto(ctx context.Context, id string) (*PhotoRecord, error) {
	return getPhoto(ctx, t.tx, id)
}

// DeletePhoto deletes a row and reports whether it existed.
func (t *sqliteTx) DeletePhoto(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting photo %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting photo %q: %w", id, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// ---- Photo operations ----

const photoColumns = `id, bucket, blob_key, access_url, access_url_expires_at, size, content_type,
	original_name, checksum, client_id, session_id, user_id, processing_status,
	result_schema_version, result_kind, result_payload, processing_error,
	uploaded_at, processing_started_at, processing_completed_at, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPhoto(ctx context.Context, q queryer, id string) (*PhotoRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id)
	rec, err := scanPhoto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting photo %q: %w", id, err)
	}
	return rec, nil
}

// GetPhoto returns the photo with the given id, or nil if absent.
func (s *SQLiteStore) GetPhoto(ctx context.Context, id string) (*PhotoRecord, error) {
	return getPhoto(ctx, s.db, id)
}

// UpdatePhoto applies the non-nil fields of upd.
func (s *SQLiteStore) UpdatePhoto(ctx context.Context, id string, upd PhotoUpdate, at time.Time) (bool, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if upd.OriginalName != nil {
		set("original_name", *upd.OriginalName)
	}
	if upd.SessionID != nil {
		set("session_id", nullString(*upd.SessionID))
	}
	if upd.UserID != nil {
		set("user_id", nullString(*upd.UserID))
	}
	if upd.ProcessingStatus != nil {
		set("processing_status", string(*upd.ProcessingStatus))
	}
	if r := upd.ProcessingResult; r != nil {
		set("result_schema_version", r.SchemaVersion)
		set("result_kind", nullString(r.Kind))
		set("result_payload", string(r.Payload))
	}
	if upd.ProcessingError != nil {
		set("processing_error", nullString(*upd.ProcessingError))
	}
	if upd.ProcessingStartedAt != nil {
		set("processing_started_at", formatTime(*upd.ProcessingStartedAt))
	}
	if upd.ProcessingCompletedAt != nil {
		set("processing_completed_at", formatTime(*upd.ProcessingCompletedAt))
	}
	set("updated_at", formatTime(at))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE photos SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("updating photo %q: %w", id, err)
	}
	return rowsChanged(res, id)
}

// SetAccessURL replaces the stored direct-access URL and its expiry.
func (s *SQLiteStore) SetAccessURL(ctx context.Context, id string, u accessurl.URL, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE photos SET access_url = ?, access_url_expires_at = ?, updated_at = ? WHERE id = ?`,
		u.Raw, nullTime(u.ExpiresAt), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("updating access url for %q: %w", id, err)
	}
	return rowsChanged(res, id)
}

var sortColumns = map[string]string{
	"":               "uploaded_at",
	SortUploadedAt:   "uploaded_at",
	SortCreatedAt:    "created_at",
	SortSize:         "size",
	SortOriginalName: "original_name",
}

// SearchPhotos runs a filtered, ordered, paged query. Unknown sort fields
// are rejected.
func (s *SQLiteStore) SearchPhotos(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	sortCol, ok := sortColumns[q.SortBy]
	if !ok {
		return nil, fmt.Errorf("unsupported sort field %q", q.SortBy)
	}

	var (
		where []string
		args  []any
	)
	if q.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.ContentTypes) > 0 {
		where = append(where, "content_type IN ("+placeholders(len(q.ContentTypes))+")")
		for _, ct := range q.ContentTypes {
			args = append(args, ct)
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, "processing_status IN ("+placeholders(len(q.Statuses))+")")
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if q.UploadedFrom != nil {
		where = append(where, "uploaded_at >= ?")
		args = append(args, formatTime(*q.UploadedFrom))
	}
	if q.UploadedTo != nil {
		where = append(where, "uploaded_at < ?")
		args = append(args, formatTime(*q.UploadedTo))
	}
	if q.MinSize != nil {
		where = append(where, "size >= ?")
		args = append(args, *q.MinSize)
	}
	if q.MaxSize != nil {
		where = append(where, "size <= ?")
		args = append(args, *q.MaxSize)
	}
	if strings.TrimSpace(q.Text) != "" {
		match := ftsQuery(q.Text)
		if match == "" {
			// Text with no searchable words matches nothing.
			return &SearchResult{Items: []PhotoRecord{}}, nil
		}
		where = append(where, "seq IN (SELECT rowid FROM photos_fts WHERE photos_fts MATCH ?)")
		args = append(args, match)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM photos`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting photos: %w", err)
	}

	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	pageArgs := append(append([]any(nil), args...), limit, q.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+photoColumns+` FROM photos`+clause+
			` ORDER BY `+sortCol+` `+dir+`, id `+dir+` LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("searching photos: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{Total: total, Items: []PhotoRecord{}}
	for rows.Next() {
		rec, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning photo row: %w", err)
		}
		result.Items = append(result.Items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating photo rows: %w", err)
	}
	return result, nil
}

// ftsQuery turns free text into an FTS5 query in which every word must
// match as a prefix. Punctuation separates words and is otherwise dropped.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " AND ")
}

// ---- Consistency sweep support ----

// ListLocators returns up to limit locators after afterID in id order.
func (s *SQLiteStore) ListLocators(ctx context.Context, afterID string, limit int) ([]Locator, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket, blob_key, processing_status FROM photos
		 WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing locators: %w", err)
	}
	defer rows.Close()

	var locs []Locator
	for rows.Next() {
		var l Locator
		var status string
		if err := rows.Scan(&l.ID, &l.Bucket, &l.Key, &status); err != nil {
			return nil, fmt.Errorf("scanning locator: %w", err)
		}
		l.ProcessingStatus = ProcessingStatus(status)
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

// ReferencedLocators returns every blob address referenced by a row.
func (s *SQLiteStore) ReferencedLocators(ctx context.Context) (map[BlobRef]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, blob_key FROM photos`)
	if err != nil {
		return nil, fmt.Errorf("loading referenced locators: %w", err)
	}
	defer rows.Close()

	refs := make(map[BlobRef]struct{})
	for rows.Next() {
		var ref BlobRef
		if err := rows.Scan(&ref.Bucket, &ref.Key); err != nil {
			return nil, fmt.Errorf("scanning locator: %w", err)
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}

// IsBlobReferenced reports whether any row points at bucket/key.
func (s *SQLiteStore) IsBlobReferenced(ctx context.Context, bucket, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM photos WHERE bucket = ? AND blob_key = ?)`,
		bucket, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking reference to %s/%s: %w", bucket, key, err)
	}
	return exists == 1, nil
}

// MarkBlobMissing fails a row whose blob is gone. Rows already failed are
// left untouched, so repeated sweeps change nothing.
func (s *SQLiteStore) MarkBlobMissing(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE photos SET processing_status = ?, processing_error = ?, updated_at = ?
		 WHERE id = ? AND processing_status != ?`,
		string(StatusFailed), reason, formatTime(at), id, string(StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("marking photo %q failed: %w", id, err)
	}
	return rowsChanged(res, id)
}

// ---- Quarantine ledger ----

// UpsertQuarantine records bucket/key, preserving first_seen_at.
func (s *SQLiteStore) UpsertQuarantine(ctx context.Context, rec QuarantineRecord) (*QuarantineRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO blob_quarantine (bucket, blob_key, size, last_modified, first_seen_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, blob_key) DO UPDATE SET
			size = excluded.size,
			last_modified = excluded.last_modified,
			last_seen_at = excluded.last_seen_at
		 RETURNING bucket, blob_key, size, last_modified, first_seen_at, last_seen_at`,
		rec.Bucket, rec.Key, rec.Size, formatTime(rec.LastModified),
		formatTime(rec.FirstSeenAt), formatTime(rec.LastSeenAt),
	)
	stored, err := scanQuarantine(row)
	if err != nil {
		return nil, fmt.Errorf("quarantining %s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return stored, nil
}

// ListQuarantine returns all entries ordered by bucket and key.
func (s *SQLiteStore) ListQuarantine(ctx context.Context) ([]QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, blob_key, size, last_modified, first_seen_at, last_seen_at
		 FROM blob_quarantine ORDER BY bucket, blob_key`)
	if err != nil {
		return nil, fmt.Errorf("listing quarantine: %w", err)
	}
	defer rows.Close()

	var recs []QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning quarantine row: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeleteQuarantine removes the entry for bucket/key.
func (s *SQLiteStore) DeleteQuarantine(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blob_quarantine WHERE bucket = ? AND blob_key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("clearing quarantine for %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ---- Helper functions ----

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row scanner) (*PhotoRecord, error) {
	var (
		rec                       PhotoRecord
		status                    string
		urlExpires                sql.NullString
		sessionID, userID         sql.NullString
		resultKind, resultPayload sql.NullString
		procErr                   sql.NullString
		resultVersion             sql.NullInt64
		uploadedAt                string
		createdAt, updatedAt      string
		startedAt, completedAt    sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Bucket, &rec.Key, &rec.AccessURL.Raw, &urlExpires, &rec.Size, &rec.ContentType,
		&rec.OriginalName, &rec.Checksum, &rec.ClientID, &sessionID, &userID, &status,
		&resultVersion, &resultKind, &resultPayload, &procErr,
		&uploadedAt, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.AccessURL.ExpiresAt = parseNullTime(urlExpires)
	rec.SessionID = sessionID.String
	rec.UserID = userID.String
	rec.ProcessingStatus = ProcessingStatus(status)
	rec.ProcessingError = procErr.String
	if resultVersion.Valid {
		rec.ProcessingResult = &ProcessingResult{
			SchemaVersion: int(resultVersion.Int64),
			Kind:          resultKind.String,
			Payload:       []byte(resultPayload.String),
		}
	}
	rec.UploadedAt, _ = time.Parse(timeFormat, uploadedAt)
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if startedAt.Valid {
		t := parseNullTime(startedAt)
		rec.ProcessingStartedAt = &t
	}
	if completedAt.Valid {
		t := parseNullTime(completedAt)
		rec.ProcessingCompletedAt = &t
	}
	return &rec, nil
}

func scanQuarantine(row scanner) (*QuarantineRecord, error) {
	var (
		rec                               QuarantineRecord
		lastModified, firstSeen, lastSeen string
	)
	if err := row.Scan(&rec.Bucket, &rec.Key, &rec.Size, &lastModified, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	rec.LastModified, _ = time.Parse(timeFormat, lastModified)
	rec.FirstSeenAt, _ = time.Parse(timeFormat, firstSeen)
	rec.LastSeenAt, _ = time.Parse(timeFormat, lastSeen)
	return &rec, nil
}

func rowsChanged(res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for %q: %w", id, err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, ns.String)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}

// Ensure SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)
