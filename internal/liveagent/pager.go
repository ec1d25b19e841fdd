package liveagent

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/window"
)

// FilterField selects which ticket timestamp the window filter applies to.
// Initial backfills filter on creation time, incremental runs on change time
// so edits to old tickets are picked up.
type FilterField string

const (
	FilterDateCreated FilterField = "date_created"
	FilterDateChanged FilterField = "date_changed"
)

// Pages iterates a paginated list endpoint lazily. Each Next call fetches one
// page; a nil page with a nil error signals the end. Calling the List method
// again with the same arguments restarts the sequence from page one.
type Pages struct {
	c      *Client
	path   string
	params url.Values
	page   int
	done   bool
}

// Next returns the next page of records.
func (p *Pages) Next(ctx context.Context) ([]resource.Raw, error) {
	if p.done {
		return nil, nil
	}
	p.page++
	records, err := p.c.getPage(ctx, p.path, p.params, p.page)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		p.done = true
		return nil, nil
	}
	return records, nil
}

// ListAgents pages through all agents. The agents endpoint has no date
// filter, so every run returns the full roster.
func (c *Client) ListAgents() *Pages {
	return &Pages{c: c, path: "/agents"}
}

// ListTags pages through all tags. Like agents, tags are an unfiltered
// snapshot.
func (c *Client) ListTags() *Pages {
	return &Pages{c: c, path: "/tags"}
}

// ListTickets pages through tickets whose filter field falls inside the
// window. Initial runs sort ascending so a partial run covers a stable
// prefix of the window.
func (c *Client) ListTickets(win window.Window, field FilterField) *Pages {
	params := url.Values{}
	params.Set("_filters", windowFilters(win, field))
	if field == FilterDateCreated {
		params.Set("_sortDir", "ASC")
	}
	return &Pages{c: c, path: "/tickets", params: params}
}

// TicketMessages pages through the message groups of one ticket.
func (c *Client) TicketMessages(ticketID string) *Pages {
	return &Pages{c: c, path: "/tickets/" + url.PathEscape(ticketID) + "/messages"}
}

// windowFilters renders the LiveAgent _filters parameter for a half-open
// window, e.g. [["date_created","D>=","2025-01-01 00:00:00"],...].
func windowFilters(win window.Window, field FilterField) string {
	const layout = "2006-01-02 15:04:05"
	filters := [][]string{
		{string(field), "D>=", win.Start.UTC().Format(layout)},
		{string(field), "D<", win.End.UTC().Format(layout)},
	}
	b, _ := json.Marshal(filters)
	return string(b)
}
