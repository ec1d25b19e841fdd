package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mechanigo/laextract/internal/analysis"
	"github.com/mechanigo/laextract/internal/geocode"
	"github.com/mechanigo/laextract/internal/mapper"
	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/store"
	"github.com/mechanigo/laextract/internal/window"
)

// fakeStorage keeps rows in memory, keyed by table then external id.
type fakeStorage struct {
	tables   map[string]map[string]mapper.MappedRecord
	cursors  map[string]time.Time
	failNext bool

	upsertCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		tables:  make(map[string]map[string]mapper.MappedRecord),
		cursors: make(map[string]time.Time),
	}
}

func (f *fakeStorage) EnsureTable(ctx context.Context, table string, kind resource.Kind) error {
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]mapper.MappedRecord)
	}
	return nil
}

func (f *fakeStorage) UpsertBatch(ctx context.Context, table string, kind resource.Kind, offset int, records []mapper.MappedRecord) (int, error) {
	f.upsertCalls++
	if f.failNext {
		return 0, &store.WriteError{Table: table, BatchStart: offset, BatchEnd: offset + len(records), Err: errors.New("storage down")}
	}
	for _, rec := range records {
		f.tables[table][rec.ExternalID] = rec
	}
	return len(records), nil
}

func (f *fakeStorage) GetCursor(ctx context.Context, kind resource.Kind, table string) (*window.Cursor, error) {
	t, ok := f.cursors[string(kind)+"/"+table]
	if !ok {
		return nil, nil
	}
	return &window.Cursor{Kind: kind, Table: table, LastCompleted: t}, nil
}

func (f *fakeStorage) CommitCursor(ctx context.Context, kind resource.Kind, table string, lastCompleted time.Time) error {
	key := string(kind) + "/" + table
	if prev, ok := f.cursors[key]; ok && lastCompleted.Before(prev) {
		return nil
	}
	f.cursors[key] = lastCompleted
	return nil
}

// fakeFetcher serves preset pages; an entry of errPage fails that Next call.
type fakeFetcher struct {
	pages      [][]resource.Raw
	pageErrs   map[int]error
	fetchErr   error
	fetchCalls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &fakeIterator{pages: f.pages, errs: f.pageErrs}, nil
}

type fakeIterator struct {
	pages [][]resource.Raw
	errs  map[int]error
	idx   int
}

func (it *fakeIterator) Next(ctx context.Context) ([]resource.Raw, error) {
	if err, ok := it.errs[it.idx]; ok {
		return nil, err
	}
	if it.idx >= len(it.pages) {
		return nil, nil
	}
	page := it.pages[it.idx]
	it.idx++
	return page, nil
}

type fakeAnalyzer struct {
	failFor map[string]bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text string) (*analysis.Result, error) {
	if f.failFor != nil && f.failFor[text] {
		return nil, errors.New("model unavailable")
	}
	return &analysis.Result{
		ServiceCategory:  "PMS",
		Summary:          "summary of: " + text,
		SentimentRating:  "positive",
		EngagementRating: 3,
		Location:         "Quezon City",
		Tokens:           100,
	}, nil
}

type fakeGeocoder struct {
	result *geocode.Result
	err    error
	calls  int
}

func (f *fakeGeocoder) Geocode(ctx context.Context, location string) (*geocode.Result, error) {
	f.calls++
	return f.result, f.err
}

func tagRaw(id, name string) resource.Raw {
	return resource.Raw{"id": id, "name": name}
}

func newTestOrchestrator(t *testing.T, storage Storage, fetchers map[resource.Kind]Fetcher, analyzer Analyzer) *Orchestrator {
	t.Helper()
	journal := NewJournal(filepath.Join(t.TempDir(), "journal.json"))
	o := New(storage, fetchers, analyzer, nil, nil, journal, 6*time.Hour, slog.Default())
	o.now = func() time.Time {
		return time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	}
	return o
}

func TestRun_InitialSuccess(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{pages: [][]resource.Raw{
		{tagRaw("t1", "vip"), tagRaw("t2", "booking")},
		{tagRaw("t3", "followup")},
	}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTags: fetcher}, nil)

	summary, err := o.Run(context.Background(), Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.RecordsFetched != 3 {
		t.Errorf("fetched = %d", summary.RecordsFetched)
	}
	if summary.RecordsWritten != 3 {
		t.Errorf("written = %d", summary.RecordsWritten)
	}
	if len(summary.Errors) != 0 {
		t.Errorf("errors = %v", summary.Errors)
	}
	if len(storage.tables["tags_dest"]) != 3 {
		t.Errorf("stored rows = %d", len(storage.tables["tags_dest"]))
	}

	// Cursor advanced to the window end.
	cur, _ := storage.GetCursor(context.Background(), resource.KindTags, "tags_dest")
	if cur == nil {
		t.Fatal("expected cursor after successful run")
	}
	want := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	if !cur.LastCompleted.Equal(want) {
		t.Errorf("cursor = %s, want %s", cur.LastCompleted, want)
	}
}

func TestRun_InitialBadDateFailsBeforeFetch(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTags: fetcher}, nil)

	_, err := o.Run(context.Background(), Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, window.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if fetcher.fetchCalls != 0 {
		t.Error("fetch must not run on a bad request")
	}
}

func TestRun_IncrementalWithoutCursorFails(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTickets: fetcher}, nil)

	_, err := o.Run(context.Background(), Request{Kind: resource.KindTickets, Table: "tickets"})
	if !errors.Is(err, window.ErrMissingCursor) {
		t.Fatalf("expected ErrMissingCursor, got %v", err)
	}
}

func TestRun_MalformedRecordsSkippedNotFatal(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{pages: [][]resource.Raw{
		{tagRaw("t1", "vip"), {"id": "t2"}, {"name": "no-id"}},
	}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTags: fetcher}, nil)

	summary, err := o.Run(context.Background(), Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.RecordsFetched != 3 {
		t.Errorf("fetched = %d", summary.RecordsFetched)
	}
	if summary.RecordsWritten != 1 {
		t.Errorf("written = %d", summary.RecordsWritten)
	}
	if len(summary.Errors) != 2 {
		t.Errorf("errors = %v", summary.Errors)
	}
	if summary.RecordsWritten+len(summary.Errors) != summary.RecordsFetched {
		t.Error("written + skipped must equal fetched")
	}
}

func TestRun_FetchFailureAbortsAndKeepsCursor(t *testing.T) {
	storage := newFakeStorage()
	storage.cursors["tickets/tickets"] = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	fetcher := &fakeFetcher{
		pages:    [][]resource.Raw{{{"id": "TKT-1", "date_created": "2025-04-02 10:00:00"}}},
		pageErrs: map[int]error{1: errors.New("connection reset")},
	}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTickets: fetcher}, nil)

	summary, err := o.Run(context.Background(), Request{Kind: resource.KindTickets, Table: "tickets"})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Kind != resource.KindTickets {
		t.Errorf("error kind = %q", fetchErr.Kind)
	}

	// The partial summary keeps the counts accumulated before the failure.
	if summary == nil {
		t.Fatal("expected a partial summary alongside the error")
	}
	if summary.RecordsFetched != 1 {
		t.Errorf("partial fetched = %d, want 1", summary.RecordsFetched)
	}

	cur, _ := storage.GetCursor(context.Background(), resource.KindTickets, "tickets")
	if !cur.LastCompleted.Equal(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cursor must not advance on fetch failure, got %s", cur.LastCompleted)
	}
}

func TestRun_WriteFailureAbortsAndKeepsCursor(t *testing.T) {
	storage := newFakeStorage()
	storage.failNext = true
	fetcher := &fakeFetcher{pages: [][]resource.Raw{{tagRaw("t1", "vip")}}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindTags: fetcher}, nil)

	_, err := o.Run(context.Background(), Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	var writeErr *store.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected WriteError, got %v", err)
	}

	if cur, _ := storage.GetCursor(context.Background(), resource.KindTags, "tags_dest"); cur != nil {
		t.Error("cursor must not exist after failed run")
	}
}

func TestRun_Rerunnable_Idempotent(t *testing.T) {
	storage := newFakeStorage()
	pages := [][]resource.Raw{{tagRaw("t1", "vip"), tagRaw("t2", "booking")}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{
		resource.KindTags: &fakeFetcher{pages: pages},
	}, nil)

	req := Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := o.Run(context.Background(), req); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Replay the same window: same final row set, cursor unchanged.
	o2 := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{
		resource.KindTags: &fakeFetcher{pages: pages},
	}, nil)
	if _, err := o2.Run(context.Background(), req); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if len(storage.tables["tags_dest"]) != 2 {
		t.Errorf("expected 2 rows after replay, got %d", len(storage.tables["tags_dest"]))
	}
}

func TestRun_CursorMonotonic(t *testing.T) {
	storage := newFakeStorage()
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{
		resource.KindTags: &fakeFetcher{pages: nil},
	}, nil)

	runInitial := func(month time.Month) {
		t.Helper()
		_, err := o.Run(context.Background(), Request{
			Kind:        resource.KindTags,
			Table:       "tags_dest",
			IsInitial:   true,
			WindowStart: time.Date(2025, month, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}

	runInitial(time.March)
	runInitial(time.January) // older backfill replay

	cur, _ := storage.GetCursor(context.Background(), resource.KindTags, "tags_dest")
	want := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !cur.LastCompleted.Equal(want) {
		t.Errorf("cursor = %s, want %s (never decreases)", cur.LastCompleted, want)
	}
}

func TestRun_ChatAnalysis(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{pages: [][]resource.Raw{{
		{"ticket_id": "TKT-1", "conversation_text": "hello"},
		{"ticket_id": "TKT-2", "conversation_text": "broken"},
	}}}
	analyzer := &fakeAnalyzer{failFor: map[string]bool{"broken": true}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindChatAnalysis: fetcher}, analyzer)

	summary, err := o.Run(context.Background(), Request{Kind: resource.KindChatAnalysis, Table: "convo_analysis"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.RecordsFetched != 2 {
		t.Errorf("fetched = %d", summary.RecordsFetched)
	}
	if summary.RecordsWritten != 1 {
		t.Errorf("written = %d", summary.RecordsWritten)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "TKT-2") {
		t.Errorf("errors = %v", summary.Errors)
	}

	rec, ok := storage.tables["convo_analysis"]["TKT-1"]
	if !ok {
		t.Fatal("analysis row missing")
	}
	if rec.Fields["service_category"] != "PMS" {
		t.Errorf("service_category = %v", rec.Fields["service_category"])
	}
	if rec.Fields["tokens"] != int64(100) {
		t.Errorf("tokens = %v", rec.Fields["tokens"])
	}

	// No cursor for unwindowed kinds.
	if cur, _ := storage.GetCursor(context.Background(), resource.KindChatAnalysis, "convo_analysis"); cur != nil {
		t.Error("chat analysis must not write a cursor")
	}

	// Without a geocoder the raw location stands in as the address.
	if rec.Fields["address"] != "Quezon City" {
		t.Errorf("address = %v", rec.Fields["address"])
	}
}

func TestRun_ChatAnalysisGeocodesLocation(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{pages: [][]resource.Raw{{
		{"ticket_id": "TKT-1", "conversation_text": "hello"},
	}}}
	geocoder := &fakeGeocoder{result: &geocode.Result{
		Address:   "Quezon City, Philippines",
		Latitude:  14.6760,
		Longitude: 121.0437,
	}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindChatAnalysis: fetcher}, &fakeAnalyzer{})
	o.geocoder = geocoder

	if _, err := o.Run(context.Background(), Request{Kind: resource.KindChatAnalysis, Table: "convo_analysis"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if geocoder.calls != 1 {
		t.Errorf("geocoder calls = %d", geocoder.calls)
	}
	rec := storage.tables["convo_analysis"]["TKT-1"]
	if rec.Fields["address"] != "Quezon City, Philippines" {
		t.Errorf("address = %v", rec.Fields["address"])
	}
	if rec.Fields["location"] != "Quezon City" {
		t.Errorf("location = %v", rec.Fields["location"])
	}
}

func TestRun_GeocodeFailureKeepsRawLocation(t *testing.T) {
	storage := newFakeStorage()
	fetcher := &fakeFetcher{pages: [][]resource.Raw{{
		{"ticket_id": "TKT-1", "conversation_text": "hello"},
	}}}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindChatAnalysis: fetcher}, &fakeAnalyzer{})
	o.geocoder = &fakeGeocoder{err: errors.New("geocoder down")}

	summary, err := o.Run(context.Background(), Request{Kind: resource.KindChatAnalysis, Table: "convo_analysis"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// A geocode failure never fails or skips the record.
	if summary.RecordsWritten != 1 || len(summary.Errors) != 0 {
		t.Errorf("written = %d, errors = %v", summary.RecordsWritten, summary.Errors)
	}
	rec := storage.tables["convo_analysis"]["TKT-1"]
	if rec.Fields["address"] != "Quezon City" {
		t.Errorf("address = %v", rec.Fields["address"])
	}
}

func TestRun_LookbackWindowForUnwindowedKinds(t *testing.T) {
	storage := newFakeStorage()
	var gotWin window.Window
	fetcher := &windowCapturingFetcher{captured: &gotWin}
	o := newTestOrchestrator(t, storage, map[resource.Kind]Fetcher{resource.KindChatAnalysis: fetcher}, &fakeAnalyzer{})

	if _, err := o.Run(context.Background(), Request{Kind: resource.KindChatAnalysis, Table: "convo_analysis"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantEnd := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	if !gotWin.End.Equal(wantEnd) {
		t.Errorf("window end = %s", gotWin.End)
	}
	if !gotWin.Start.Equal(wantEnd.Add(-6 * time.Hour)) {
		t.Errorf("window start = %s", gotWin.Start)
	}
}

type windowCapturingFetcher struct {
	captured *window.Window
}

func (f *windowCapturingFetcher) Fetch(ctx context.Context, win window.Window, initial bool) (Iterator, error) {
	*f.captured = win
	return &fakeIterator{}, nil
}

func TestRun_FatalErrorJournaled(t *testing.T) {
	storage := newFakeStorage()
	journalPath := filepath.Join(t.TempDir(), "journal.json")
	journal := NewJournal(journalPath)
	fetcher := &fakeFetcher{fetchErr: fmt.Errorf("upstream down")}
	o := New(storage, map[resource.Kind]Fetcher{resource.KindTags: fetcher}, nil, nil, nil, journal, 6*time.Hour, slog.Default())

	_, err := o.Run(context.Background(), Request{
		Kind:        resource.KindTags,
		Table:       "tags_dest",
		IsInitial:   true,
		WindowStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatal("expected run failure")
	}

	entries, err := journal.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(entries))
	}
	if entries[0].Kind != "tags" || !strings.Contains(entries[0].Message, "upstream down") {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestRun_UnknownKind(t *testing.T) {
	o := newTestOrchestrator(t, newFakeStorage(), map[resource.Kind]Fetcher{}, nil)
	if _, err := o.Run(context.Background(), Request{Kind: resource.KindTags, Table: "t"}); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
