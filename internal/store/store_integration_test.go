//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mechanigo/laextract/internal/mapper"
	"github.com/mechanigo/laextract/internal/resource"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func tempTable(t *testing.T, s *Store, kind resource.Kind) string {
	t.Helper()
	ctx := context.Background()
	table := "it_" + uuid.New().String()[:8]
	if err := s.EnsureTable(ctx, table, kind); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
	})
	return table
}

func tagRecord(id, name string, extractedAt time.Time) mapper.MappedRecord {
	return mapper.MappedRecord{
		ExternalID: id,
		Kind:       resource.KindTags,
		Fields: map[string]any{
			"name":             name,
			"color":            nil,
			"background_color": nil,
			"is_public":        true,
		},
		ExtractedAt: extractedAt,
	}
}

func TestIntegration_UpsertIdempotence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	table := tempTable(t, s, resource.KindTags)

	now := time.Now().UTC().Truncate(time.Microsecond)
	batch := []mapper.MappedRecord{
		tagRecord("t1", "vip", now),
		tagRecord("t2", "booking", now),
	}

	written, err := s.UpsertBatch(ctx, table, resource.KindTags, 0, batch)
	if err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if written != 2 {
		t.Errorf("expected 2 written, got %d", written)
	}

	// Replaying the same batch must not create duplicate rows.
	if _, err := s.UpsertBatch(ctx, table, resource.KindTags, 0, batch); err != nil {
		t.Fatalf("replay UpsertBatch failed: %v", err)
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows after replay, got %d", count)
	}
}

func TestIntegration_UpsertLastWriteWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	table := tempTable(t, s, resource.KindTags)

	now := time.Now().UTC().Truncate(time.Microsecond)
	newer := []mapper.MappedRecord{tagRecord("t1", "renamed", now)}
	older := []mapper.MappedRecord{tagRecord("t1", "original", now.Add(-time.Hour))}

	if _, err := s.UpsertBatch(ctx, table, resource.KindTags, 0, newer); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	written, err := s.UpsertBatch(ctx, table, resource.KindTags, 0, older)
	if err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if written != 0 {
		t.Errorf("stale record should not overwrite, wrote %d", written)
	}

	var name string
	if err := s.pool.QueryRow(ctx, "SELECT name FROM "+table+" WHERE external_id = 't1'").Scan(&name); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if name != "renamed" {
		t.Errorf("expected newer value kept, got %q", name)
	}
}

func TestIntegration_CursorRoundTripAndMonotonicity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	table := "it_cursor_" + uuid.New().String()[:8]
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx,
			"DELETE FROM extraction_cursors WHERE destination_table = $1", table)
	})

	cur, err := s.GetCursor(ctx, resource.KindTickets, table)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur != nil {
		t.Fatal("expected nil cursor before first commit")
	}

	feb := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	if err := s.CommitCursor(ctx, resource.KindTickets, table, feb); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}

	// An older commit (replayed window) must not move the cursor back.
	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := s.CommitCursor(ctx, resource.KindTickets, table, jan); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}

	cur, err = s.GetCursor(ctx, resource.KindTickets, table)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur == nil {
		t.Fatal("expected cursor after commit")
	}
	if !cur.LastCompleted.Equal(feb) {
		t.Errorf("cursor moved backwards: %s", cur.LastCompleted)
	}
}

func TestIntegration_BatchAtomicity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	table := tempTable(t, s, resource.KindTags)

	now := time.Now().UTC()
	// Second record carries a value pgx cannot encode for the column,
	// forcing a mid-batch failure.
	batch := []mapper.MappedRecord{
		tagRecord("ok", "fine", now),
		{
			ExternalID:  "bad",
			Kind:        resource.KindTags,
			Fields:      map[string]any{"name": "x", "is_public": "not-a-bool-or-flag", "color": struct{ X int }{1}},
			ExtractedAt: now,
		},
	}

	_, err := s.UpsertBatch(ctx, table, resource.KindTags, 0, batch)
	if err == nil {
		t.Fatal("expected batch write to fail")
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("failed batch must leave table unchanged, found %d rows", count)
	}
}
