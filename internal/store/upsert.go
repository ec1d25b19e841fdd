package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mechanigo/laextract/internal/mapper"
	"github.com/mechanigo/laextract/internal/resource"
)

// WriteError is a fatal storage failure. The batch it covers was rolled back
// and the run's cursor must not advance.
type WriteError struct {
	Table      string
	BatchStart int
	BatchEnd   int
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s (records %d-%d): %v", e.Table, e.BatchStart, e.BatchEnd, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Destination table names come from the request path, so they are validated
// rather than trusted.
var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidTableName reports whether name is usable as a destination table.
func ValidTableName(name string) bool {
	return tableNameRe.MatchString(name)
}

// EnsureTable creates the destination table for a kind if it does not exist.
// Every destination table carries external_id as its primary key and an
// extracted_at timestamp alongside the kind's own columns.
func (s *Store) EnsureTable(ctx context.Context, table string, kind resource.Kind) error {
	if !ValidTableName(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", pgx.Identifier{table}.Sanitize())
	b.WriteString("\texternal_id text PRIMARY KEY")
	for _, col := range mapper.Columns(kind) {
		fmt.Fprintf(&b, ",\n\t%s %s", pgx.Identifier{col.Name}.Sanitize(), col.SQLType)
	}
	b.WriteString(",\n\textracted_at timestamptz NOT NULL\n)")

	if _, err := s.pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// UpsertBatch writes one batch of mapped records into table inside a single
// transaction. Records whose external_id already exists are updated unless
// the stored copy is newer (last-write-wins by extracted_at); new ids are
// inserted. Returns the number of rows actually written. On failure nothing
// from the batch is committed.
func (s *Store) UpsertBatch(ctx context.Context, table string, kind resource.Kind, offset int, records []mapper.MappedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if !ValidTableName(table) {
		return 0, &WriteError{Table: table, BatchStart: offset, BatchEnd: offset + len(records), Err: fmt.Errorf("invalid table name")}
	}

	sql := upsertSQL(table, kind)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &WriteError{Table: table, BatchStart: offset, BatchEnd: offset + len(records), Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx)

	cols := mapper.Columns(kind)
	written := 0
	for _, rec := range records {
		args := make([]any, 0, len(cols)+2)
		args = append(args, rec.ExternalID)
		for _, col := range cols {
			args = append(args, rec.Fields[col.Name])
		}
		args = append(args, rec.ExtractedAt)

		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, &WriteError{
				Table:      table,
				BatchStart: offset,
				BatchEnd:   offset + len(records),
				Err:        fmt.Errorf("upsert %s: %w", rec.ExternalID, err),
			}
		}
		written += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &WriteError{Table: table, BatchStart: offset, BatchEnd: offset + len(records), Err: fmt.Errorf("commit: %w", err)}
	}
	return written, nil
}

func upsertSQL(table string, kind resource.Kind) string {
	cols := mapper.Columns(kind)
	target := pgx.Identifier{table}.Sanitize()

	names := make([]string, 0, len(cols)+2)
	placeholders := make([]string, 0, len(cols)+2)
	updates := make([]string, 0, len(cols)+1)

	names = append(names, pgx.Identifier{"external_id"}.Sanitize())
	placeholders = append(placeholders, "$1")
	for i, col := range cols {
		name := pgx.Identifier{col.Name}.Sanitize()
		names = append(names, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}
	names = append(names, pgx.Identifier{"extracted_at"}.Sanitize())
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(cols)+2))
	updates = append(updates, "extracted_at = EXCLUDED.extracted_at")

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (external_id) DO UPDATE SET %s
		WHERE %s.extracted_at <= EXCLUDED.extracted_at`,
		target,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
		target,
	)
}
