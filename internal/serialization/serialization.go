// Package serialization handles metadata export/import between SQLite and JSON.
package serialization

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	// envelopeKey names the top-level export header object.
	envelopeKey = "photostore_export"
)

// AllTables lists all exportable table names in insert order.
var AllTables = []string{"photos", "blob_quarantine"}

// jsonFields are SQLite columns that store JSON strings to be expanded.
var jsonFields = map[string]bool{"result_payload": true}

// tableColumns defines column order for each table. The photos rowid is not
// exported; it is reassigned on import.
var tableColumns = map[string][]string{
	"photos": {
		"id", "bucket", "blob_key", "access_url", "access_url_expires_at",
		"size", "content_type", "original_name", "checksum",
		"client_id", "session_id", "user_id",
		"processing_status", "result_schema_version", "result_kind", "result_payload", "processing_error",
		"uploaded_at", "processing_started_at", "processing_completed_at", "created_at", "updated_at",
	},
	"blob_quarantine": {"bucket", "blob_key", "size", "last_modified", "first_seen_at", "last_seen_at"},
}

var tableOrderBy = map[string]string{
	"photos":          "id",
	"blob_quarantine": "bucket, blob_key",
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes existing rows of every imported table first. Otherwise
	// rows whose key already exists are skipped.
	Replace bool
	Logger  *slog.Logger
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ValidTable reports whether name is an exportable table.
func ValidTable(name string) bool {
	_, ok := tableColumns[name]
	return ok
}

// ExportMetadata exports the metadata tables of the database at dbPath to
// indented JSON with sorted keys.
func ExportMetadata(ctx context.Context, dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil || len(opts.Tables) == 0 {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": getSchemaVersion(ctx, db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			return "", fmt.Errorf("unknown table %q", table)
		}
		rows, err := exportTable(ctx, db, table, columns)
		if err != nil {
			return "", err
		}
		result[table] = rows
	}

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	return string(b), nil
}

func exportTable(ctx context.Context, db *sql.DB, table string, columns []string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), table, tableOrderBy[table])
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	tableRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(col, values[i])
		}
		tableRows = append(tableRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return tableRows, nil
}

// ImportMetadata imports a JSON export into the database at dbPath inside
// one transaction. Migrations are applied first and the search index is
// rebuilt afterwards.
func ImportMetadata(ctx context.Context, dbPath string, data []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	envelope, _ := doc[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	store, err := metadata.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	db := store.DB()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for i := len(AllTables) - 1; i >= 0; i-- {
			table := AllTables[i]
			if _, ok := doc[table]; !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	for _, table := range AllTables {
		rowList, ok := doc[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]
		query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

		inserted, skipped := 0, 0
		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			collapsed := collapseRow(rowMap)
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = collapsed[col]
			}

			res, err := tx.ExecContext(ctx, query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}
		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if _, ok := doc["photos"]; ok {
		if _, err := tx.ExecContext(ctx, "INSERT INTO photos_fts(photos_fts) VALUES('rebuild')"); err != nil {
			return nil, fmt.Errorf("rebuilding search index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// getSchemaVersion reads the golang-migrate version, defaulting to 0.
func getSchemaVersion(ctx context.Context, db *sql.DB) int {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

func convertValue(col string, val any) any {
	if val == nil {
		return nil
	}
	// The driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		val = string(b)
	}
	if jsonFields[col] {
		s, _ := val.(string)
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return s
		}
		return obj
	}
	return val
}

func collapseRow(row map[string]any) map[string]any {
	result := make(map[string]any, len(row))
	for k, v := range row {
		switch {
		case v == nil:
			result[k] = nil
		case jsonFields[k]:
			b, err := json.Marshal(v)
			if err != nil {
				result[k] = nil
				continue
			}
			result[k] = string(b)
		default:
			// JSON numbers decode as float64; integer columns want int64.
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				result[k] = int64(f)
				continue
			}
			result[k] = v
		}
	}
	return result
}
