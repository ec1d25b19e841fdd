package extract

import (
	"context"
	"strings"
	"time"

	"github.com/mechanigo/laextract/internal/liveagent"
	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/store"
	"github.com/mechanigo/laextract/internal/window"
)

// Iterator yields successive pages of raw records. A nil page with a nil
// error signals the end of the sequence.
type Iterator interface {
	Next(ctx context.Context) ([]resource.Raw, error)
}

// Fetcher produces the raw record sequence for one resource kind and window.
// The sequence is lazy and restartable: calling Fetch again with the same
// window yields the same records.
type Fetcher interface {
	Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error)
}

// SupportQueries is the slice of the store the composite fetchers read from.
type SupportQueries interface {
	TicketsInWindow(ctx context.Context, ticketsTable string, win window.Window) ([]store.TicketRef, error)
	DistinctUserIDs(ctx context.Context, messagesTable string, win window.Window) ([]string, error)
	Conversations(ctx context.Context, messagesTable string, since, until time.Time) ([]store.Conversation, error)
	Stats(ctx context.Context, ticketsTable, messagesTable, analysisTable string, since, until time.Time) (store.RunStats, error)
}

// Tables names the internal tables the composite fetchers read from. The
// analysis table is only consulted by the logs fetcher for token counts.
type Tables struct {
	Tickets  string
	Messages string
	Analysis string
}

// NewFetchers wires the per-kind fetchers. modelName labels log records with
// the analysis model in use.
func NewFetchers(client *liveagent.Client, queries SupportQueries, tables Tables, journal *Journal, modelName string) map[resource.Kind]Fetcher {
	return map[resource.Kind]Fetcher{
		resource.KindAgents:         agentsFetcher{client: client},
		resource.KindTags:           tagsFetcher{client: client},
		resource.KindTickets:        ticketsFetcher{client: client},
		resource.KindTicketMessages: ticketMessagesFetcher{client: client, queries: queries, ticketsTable: tables.Tickets},
		resource.KindUsers:          usersFetcher{client: client, queries: queries, messagesTable: tables.Messages},
		resource.KindChatAnalysis:   chatAnalysisFetcher{queries: queries, messagesTable: tables.Messages},
		resource.KindLogs:           logsFetcher{queries: queries, tables: tables, journal: journal, modelName: modelName},
	}
}

type agentsFetcher struct {
	client *liveagent.Client
}

func (f agentsFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	return f.client.ListAgents(), nil
}

type tagsFetcher struct {
	client *liveagent.Client
}

func (f tagsFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	return f.client.ListTags(), nil
}

type ticketsFetcher struct {
	client *liveagent.Client
}

func (f ticketsFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	field := liveagent.FilterDateChanged
	if initial {
		field = liveagent.FilterDateCreated
	}
	return f.client.ListTickets(win, field), nil
}

// ticketMessagesFetcher walks the tickets already stored for the window and
// pages through each ticket's message groups.
type ticketMessagesFetcher struct {
	client       *liveagent.Client
	queries      SupportQueries
	ticketsTable string
}

func (f ticketMessagesFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	refs, err := f.queries.TicketsInWindow(ctx, f.ticketsTable, win)
	if err != nil {
		return nil, err
	}
	return &ticketMessagesIterator{client: f.client, refs: refs}, nil
}

type ticketMessagesIterator struct {
	client  *liveagent.Client
	refs    []store.TicketRef
	current *liveagent.Pages
	idx     int
}

func (it *ticketMessagesIterator) Next(ctx context.Context) ([]resource.Raw, error) {
	for {
		if it.current == nil {
			if it.idx >= len(it.refs) {
				return nil, nil
			}
			it.current = it.client.TicketMessages(it.refs[it.idx].ID)
		}

		groups, err := it.current.Next(ctx)
		if err != nil {
			return nil, err
		}
		if groups == nil {
			it.current = nil
			it.idx++
			continue
		}

		flat := flattenMessageGroups(it.refs[it.idx].ID, groups)
		if len(flat) == 0 {
			continue
		}
		return flat, nil
	}
}

// flattenMessageGroups unnests LiveAgent message groups into one raw record
// per message, carrying group-level sender fields down and tagging each with
// its ticket id.
func flattenMessageGroups(ticketID string, groups []resource.Raw) []resource.Raw {
	var out []resource.Raw
	for _, group := range groups {
		nested, _ := group["messages"].([]any)
		if len(nested) == 0 {
			continue
		}
		for _, n := range nested {
			msg, ok := n.(map[string]any)
			if !ok {
				continue
			}
			rec := resource.Raw{
				"ticket_id":      ticketID,
				"userid":         group["userid"],
				"user_full_name": group["user_full_name"],
				"type":           group["type"],
				"status":         group["status"],
				"datecreated":    group["datecreated"],
				"datefinished":   group["datefinished"],
			}
			// Message-level fields override the group's.
			for k, v := range msg {
				if k == "message" || k == "id" || k == "userid" || k == "type" || k == "datecreated" || k == "format" {
					rec[k] = v
				}
			}
			out = append(out, rec)
		}
	}
	return out
}

// usersFetcher resolves the distinct user ids referenced by stored messages
// in the window and fetches each user individually.
type usersFetcher struct {
	client        *liveagent.Client
	queries       SupportQueries
	messagesTable string
}

const userChunkSize = 25

func (f usersFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	ids, err := f.queries.DistinctUserIDs(ctx, f.messagesTable, win)
	if err != nil {
		return nil, err
	}
	return &usersIterator{client: f.client, ids: ids}, nil
}

type usersIterator struct {
	client *liveagent.Client
	ids    []string
	idx    int
}

func (it *usersIterator) Next(ctx context.Context) ([]resource.Raw, error) {
	if it.idx >= len(it.ids) {
		return nil, nil
	}
	end := it.idx + userChunkSize
	if end > len(it.ids) {
		end = len(it.ids)
	}

	page := make([]resource.Raw, 0, end-it.idx)
	for _, id := range it.ids[it.idx:end] {
		rec, err := it.client.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	it.idx = end
	return page, nil
}

// chatAnalysisFetcher yields one raw record per stored conversation in the
// lookback window. The analysis call itself happens in the mapping stage so
// a single failed conversation does not abort the run.
type chatAnalysisFetcher struct {
	queries       SupportQueries
	messagesTable string
}

func (f chatAnalysisFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	convos, err := f.queries.Conversations(ctx, f.messagesTable, win.Start, win.End)
	if err != nil {
		return nil, err
	}

	records := make([]resource.Raw, 0, len(convos))
	for _, c := range convos {
		records = append(records, resource.Raw{
			"ticket_id":         c.TicketID,
			"conversation_text": c.Text,
		})
	}
	return &sliceIterator{records: records}, nil
}

// logsFetcher produces a single record summarizing the extraction cycle,
// folding in any failures journaled since the last logs run.
type logsFetcher struct {
	queries   SupportQueries
	tables    Tables
	journal   *Journal
	modelName string
}

func (f logsFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	stats, err := f.queries.Stats(ctx, f.tables.Tickets, f.tables.Messages, f.tables.Analysis, win.Start, win.End)
	if err != nil {
		return nil, err
	}

	logMessage := "None"
	if f.journal != nil {
		entries, err := f.journal.Drain()
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			msgs := make([]string, 0, len(entries))
			for _, e := range entries {
				msgs = append(msgs, e.Kind+"/"+e.Table+": "+e.Message)
			}
			logMessage = strings.Join(msgs, "; ")
		}
	}

	now := win.End.UTC()
	runTime := 0.0
	if !stats.EarliestWritten.IsZero() && stats.EarliestWritten.Before(now) {
		runTime = now.Sub(stats.EarliestWritten).Seconds()
	}

	rec := resource.Raw{
		"run_id":              newRunID(),
		"extraction_date":     now,
		"extraction_run_time": runTime,
		"no_tickets_new":      stats.TicketsNew,
		"no_tickets_update":   stats.TicketsUpdated,
		"no_tickets_total":    stats.TicketsNew + stats.TicketsUpdated,
		"no_messages_new":     stats.MessagesNew,
		"no_messages_old":     stats.MessagesOld,
		"no_messages_total":   stats.MessagesNew + stats.MessagesOld,
		"total_tokens":        stats.TotalTokens,
		"model":               f.modelName,
		"log_message":         logMessage,
	}
	return &sliceIterator{records: []resource.Raw{rec}}, nil
}

// sliceIterator serves a preloaded record set as a single page.
type sliceIterator struct {
	records []resource.Raw
	done    bool
}

func (it *sliceIterator) Next(ctx context.Context) ([]resource.Raw, error) {
	if it.done || len(it.records) == 0 {
		return nil, nil
	}
	it.done = true
	return it.records, nil
}
