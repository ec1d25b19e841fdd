package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mechanigo/laextract/internal/window"
)

// TicketRef identifies one stored ticket whose messages should be fetched.
type TicketRef struct {
	ID        string
	OwnerName string
	AgentID   string
}

// TicketsInWindow lists tickets created inside the window, oldest first.
// Drives the ticket-message extraction: messages are fetched per ticket id
// already present in the tickets table.
func (s *Store) TicketsInWindow(ctx context.Context, ticketsTable string, win window.Window) ([]TicketRef, error) {
	if !ValidTableName(ticketsTable) {
		return nil, fmt.Errorf("invalid table name %q", ticketsTable)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT external_id, COALESCE(owner_name, ''), COALESCE(agentid, '')
		FROM %s
		WHERE date_created >= $1 AND date_created < $2
		ORDER BY date_created`, pgx.Identifier{ticketsTable}.Sanitize()),
		win.Start.UTC(), win.End.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query tickets in window: %w", err)
	}
	defer rows.Close()

	var refs []TicketRef
	for rows.Next() {
		var ref TicketRef
		if err := rows.Scan(&ref.ID, &ref.OwnerName, &ref.AgentID); err != nil {
			return nil, fmt.Errorf("scan ticket ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DistinctUserIDs lists the distinct user ids appearing in stored messages
// inside the window. Drives the users extraction.
func (s *Store) DistinctUserIDs(ctx context.Context, messagesTable string, win window.Window) ([]string, error) {
	if !ValidTableName(messagesTable) {
		return nil, fmt.Errorf("invalid table name %q", messagesTable)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT userid
		FROM %s
		WHERE userid IS NOT NULL AND datecreated >= $1 AND datecreated < $2`,
		pgx.Identifier{messagesTable}.Sanitize()),
		win.Start.UTC(), win.End.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Conversation is the concatenated message text of one ticket, ready for
// analysis.
type Conversation struct {
	TicketID string
	Text     string
}

// Conversations assembles per-ticket conversation transcripts from messages
// stored inside [since, until).
func (s *Store) Conversations(ctx context.Context, messagesTable string, since, until time.Time) ([]Conversation, error) {
	if !ValidTableName(messagesTable) {
		return nil, fmt.Errorf("invalid table name %q", messagesTable)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT ticket_id, COALESCE(user_full_name, ''), COALESCE(message, '')
		FROM %s
		WHERE datecreated >= $1 AND datecreated < $2
		ORDER BY ticket_id, datecreated`, pgx.Identifier{messagesTable}.Sanitize()),
		since.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convos []Conversation
	var sb strings.Builder
	currentID := ""

	flush := func() {
		if currentID != "" && sb.Len() > 0 {
			convos = append(convos, Conversation{TicketID: currentID, Text: sb.String()})
		}
		sb.Reset()
	}

	for rows.Next() {
		var ticketID, sender, message string
		if err := rows.Scan(&ticketID, &sender, &message); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if ticketID != currentID {
			flush()
			currentID = ticketID
		}
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "%s: %s\n", sender, message)
	}
	flush()

	return convos, rows.Err()
}

// RunStats summarizes what one extraction cycle wrote, for the logs resource.
type RunStats struct {
	TicketsNew      int64
	TicketsUpdated  int64
	MessagesNew     int64
	MessagesOld     int64
	TotalTokens     int64
	EarliestWritten time.Time
}

// Stats computes extraction counters over [since, until). A ticket extracted
// in the cycle counts as new when it was also created in the cycle, updated
// otherwise; messages likewise.
func (s *Store) Stats(ctx context.Context, ticketsTable, messagesTable, analysisTable string, since, until time.Time) (RunStats, error) {
	var stats RunStats

	for _, tbl := range []string{ticketsTable, messagesTable} {
		if !ValidTableName(tbl) {
			return stats, fmt.Errorf("invalid table name %q", tbl)
		}
	}

	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE date_created >= $1),
			COUNT(*) FILTER (WHERE date_created < $1),
			COALESCE(MIN(extracted_at), $2)
		FROM %s
		WHERE extracted_at >= $1 AND extracted_at < $2`,
		pgx.Identifier{ticketsTable}.Sanitize()),
		since.UTC(), until.UTC(),
	).Scan(&stats.TicketsNew, &stats.TicketsUpdated, &stats.EarliestWritten)
	if err != nil {
		return stats, fmt.Errorf("ticket stats: %w", err)
	}

	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE datecreated >= $1),
			COUNT(*) FILTER (WHERE datecreated < $1)
		FROM %s
		WHERE extracted_at >= $1 AND extracted_at < $2`,
		pgx.Identifier{messagesTable}.Sanitize()),
		since.UTC(), until.UTC(),
	).Scan(&stats.MessagesNew, &stats.MessagesOld)
	if err != nil {
		return stats, fmt.Errorf("message stats: %w", err)
	}

	// The analysis table may not exist before the first chat-analysis run.
	if ValidTableName(analysisTable) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`,
			analysisTable,
		).Scan(&exists); err != nil {
			return stats, fmt.Errorf("check analysis table: %w", err)
		}
		if exists {
			err = s.pool.QueryRow(ctx, fmt.Sprintf(`
				SELECT COALESCE(SUM(tokens), 0)
				FROM %s
				WHERE extracted_at >= $1 AND extracted_at < $2`,
				pgx.Identifier{analysisTable}.Sanitize()),
				since.UTC(), until.UTC(),
			).Scan(&stats.TotalTokens)
			if err != nil {
				return stats, fmt.Errorf("token stats: %w", err)
			}
		}
	}

	return stats, nil
}
