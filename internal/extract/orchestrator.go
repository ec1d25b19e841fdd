package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mechanigo/laextract/internal/analysis"
	"github.com/mechanigo/laextract/internal/geocode"
	"github.com/mechanigo/laextract/internal/mapper"
	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/window"
)

// batchSize bounds how many mapped records are written per transaction.
const batchSize = 100

// Storage is the slice of the store the orchestrator writes through.
type Storage interface {
	EnsureTable(ctx context.Context, table string, kind resource.Kind) error
	UpsertBatch(ctx context.Context, table string, kind resource.Kind, offset int, records []mapper.MappedRecord) (int, error)
	GetCursor(ctx context.Context, kind resource.Kind, table string) (*window.Cursor, error)
	CommitCursor(ctx context.Context, kind resource.Kind, table string, lastCompleted time.Time) error
}

// Analyzer is the external chat-analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, conversationText string) (*analysis.Result, error)
}

// Geocoder resolves the analysis location to a normalized address. Optional;
// lookups are best effort and never fail a record.
type Geocoder interface {
	Geocode(ctx context.Context, location string) (*geocode.Result, error)
}

// Pinger probes the upstream API before a run that will hit it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Orchestrator drives one extraction run: resolve the window, fetch raw
// records in pages, map them, upsert them in bounded batches, then commit
// the cursor. One run per (kind, table) pair at a time; callers must not
// overlap runs on the same pair.
type Orchestrator struct {
	storage  Storage
	fetchers map[resource.Kind]Fetcher
	analyzer Analyzer
	geocoder Geocoder
	pinger   Pinger
	journal  *Journal
	lookback time.Duration
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(storage Storage, fetchers map[resource.Kind]Fetcher, analyzer Analyzer, geocoder Geocoder, pinger Pinger, journal *Journal, lookback time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		storage:  storage,
		fetchers: fetchers,
		analyzer: analyzer,
		geocoder: geocoder,
		pinger:   pinger,
		journal:  journal,
		lookback: lookback,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes one extraction. On success the Summary may list skipped
// records. Fatal errors leave the cursor untouched so the same window can be
// replayed safely; the partial summary accompanying a fatal error keeps the
// counts accumulated before the failure.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	fetcher, ok := o.fetchers[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no fetcher for resource kind %q", req.Kind)
	}

	now := o.now().UTC()
	summary := &Summary{
		RunID:     uuid.New(),
		Kind:      string(req.Kind),
		Table:     req.Table,
		StartedAt: now,
	}

	win, err := o.resolveWindow(ctx, req, now)
	if err != nil {
		return summary, o.fail(req, err)
	}
	summary.WindowCovered = win.String()

	o.logger.Info("extraction starting",
		"run_id", summary.RunID,
		"kind", req.Kind,
		"table", req.Table,
		"window", win.String(),
		"initial", req.IsInitial,
	)

	if o.pinger != nil && req.Kind.Windowed() {
		if err := o.pinger.Ping(ctx); err != nil {
			return summary, o.fail(req, &FetchError{Kind: req.Kind, Window: win, Err: err})
		}
	}

	if err := o.storage.EnsureTable(ctx, req.Table, req.Kind); err != nil {
		return summary, o.fail(req, err)
	}

	it, err := fetcher.Fetch(ctx, win, req.IsInitial)
	if err != nil {
		return summary, o.fail(req, &FetchError{Kind: req.Kind, Window: win, Err: err})
	}

	var batch []mapper.MappedRecord
	offset := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		written, err := o.storage.UpsertBatch(ctx, req.Table, req.Kind, offset, batch)
		if err != nil {
			return err
		}
		summary.RecordsWritten += written
		offset += len(batch)
		batch = batch[:0]
		return nil
	}

	extractedAt := now
	for {
		page, err := it.Next(ctx)
		if err != nil {
			return summary, o.fail(req, &FetchError{Kind: req.Kind, Window: win, Err: err})
		}
		if page == nil {
			break
		}
		summary.RecordsFetched += len(page)

		for _, raw := range page {
			raw, err := o.preprocess(ctx, req.Kind, raw)
			if err != nil {
				if recoverable(err) {
					summary.Errors = append(summary.Errors, err.Error())
					continue
				}
				return summary, o.fail(req, err)
			}

			rec, err := mapper.Map(raw, req.Kind, extractedAt)
			if err != nil {
				var malformed *mapper.MalformedRecordError
				if errors.As(err, &malformed) {
					summary.Errors = append(summary.Errors, err.Error())
					continue
				}
				return summary, o.fail(req, err)
			}

			batch = append(batch, rec)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return summary, o.fail(req, err)
				}
			}
		}
	}

	if err := flush(); err != nil {
		return summary, o.fail(req, err)
	}

	// Only a fully successful run advances the cursor; logs and chat
	// analysis carry no cursor at all.
	if req.Kind.Windowed() {
		if err := o.storage.CommitCursor(ctx, req.Kind, req.Table, win.End); err != nil {
			return summary, o.fail(req, err)
		}
	}

	summary.FinishedAt = o.now().UTC()
	o.logger.Info("extraction complete",
		"run_id", summary.RunID,
		"kind", req.Kind,
		"table", req.Table,
		"fetched", summary.RecordsFetched,
		"written", summary.RecordsWritten,
		"skipped", len(summary.Errors),
	)
	return summary, nil
}

// resolveWindow picks the run's window. Windowed kinds go through the
// cursor; logs and chat analysis always cover the trailing lookback period.
func (o *Orchestrator) resolveWindow(ctx context.Context, req Request, now time.Time) (window.Window, error) {
	if !req.Kind.Windowed() {
		return window.Window{Start: now.Add(-o.lookback), End: now}, nil
	}

	cur, err := o.storage.GetCursor(ctx, req.Kind, req.Table)
	if err != nil {
		return window.Window{}, err
	}
	return window.Resolve(req.IsInitial, req.WindowStart, cur, now)
}

// preprocess runs the per-kind enrichment before mapping. For chat analysis
// this is the external analysis call; failures are per-record.
func (o *Orchestrator) preprocess(ctx context.Context, kind resource.Kind, raw resource.Raw) (resource.Raw, error) {
	if kind != resource.KindChatAnalysis {
		return raw, nil
	}
	if o.analyzer == nil {
		return nil, fmt.Errorf("chat analysis requested but no analyzer configured")
	}

	ticketID, _ := raw["ticket_id"].(string)
	text, _ := raw["conversation_text"].(string)

	result, err := o.analyzer.Analyze(ctx, text)
	if err != nil {
		return nil, &analysis.AnalysisError{TicketID: ticketID, Err: err}
	}

	return resource.Raw{
		"ticket_id":         ticketID,
		"address":           o.resolveAddress(ctx, result.Location),
		"service_category":  result.ServiceCategory,
		"summary":           result.Summary,
		"intent_rating":     result.IntentRating,
		"engagement_rating": result.EngagementRating,
		"clarity_rating":    result.ClarityRating,
		"resolution_rating": result.ResolutionRating,
		"sentiment_rating":  result.SentimentRating,
		"location":          result.Location,
		"schedule_date":     result.ScheduleDate,
		"schedule_time":     result.ScheduleTime,
		"car":               result.Car,
		"contact_num":       result.ContactNum,
		"payment":           result.Payment,
		"inspection":        result.Inspection,
		"quotation":         result.Quotation,
		"model":             result.Model,
		"tokens":            result.Tokens,
	}, nil
}

// resolveAddress geocodes the analysis location. When no geocoder is
// configured, no match is found, or the lookup fails, the raw location stands
// in as the address.
func (o *Orchestrator) resolveAddress(ctx context.Context, location string) string {
	if o.geocoder == nil || location == "" {
		return location
	}
	res, err := o.geocoder.Geocode(ctx, location)
	if err != nil {
		o.logger.Warn("geocode failed", "location", location, "error", err)
		return location
	}
	if res == nil {
		return location
	}
	return res.Address
}

// recoverable reports whether an error is per-record rather than fatal.
func recoverable(err error) bool {
	var analysisErr *analysis.AnalysisError
	return errors.As(err, &analysisErr)
}

// fail journals a fatal run error so the next logs run reports it, then
// passes it through.
func (o *Orchestrator) fail(req Request, err error) error {
	o.logger.Error("extraction failed", "kind", req.Kind, "table", req.Table, "error", err)
	if o.journal != nil {
		if jerr := o.journal.Record(JournalEntry{
			Kind:       string(req.Kind),
			Table:      req.Table,
			Message:    err.Error(),
			OccurredAt: o.now().UTC(),
		}); jerr != nil {
			o.logger.Warn("failed to journal run error", "error", jerr)
		}
	}
	return err
}

func newRunID() string {
	return uuid.New().String()
}
