package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mechanigo/laextract/internal/events"
	"github.com/mechanigo/laextract/internal/extract"
	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/store"
	"github.com/mechanigo/laextract/internal/window"
)

// dateLayout is the accepted format of the date query parameter.
const dateLayout = "2006-01-02"

// extraction builds the handler for one resource kind. The destination table
// comes from the path; is_initial and date come from the query string.
func (s *Server) extraction(kind resource.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseRequest(r, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		summary, err := s.runner.Run(r.Context(), req)
		if err != nil {
			event := events.RunEvent{
				Kind:      string(kind),
				Table:     req.Table,
				Error:     err.Error(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			// A failed run still reports what it got through before the
			// failure.
			if summary != nil {
				event.RunID = summary.RunID.String()
				event.WindowCovered = summary.WindowCovered
				event.RecordsFetched = summary.RecordsFetched
				event.RecordsWritten = summary.RecordsWritten
				event.SkippedRecords = len(summary.Errors)
			}
			s.publishEvent(events.SubjectRunFailed, event)
			writeError(w, runStatus(err), err.Error())
			return
		}

		s.publishEvent(events.SubjectRunCompleted, events.RunEvent{
			RunID:          summary.RunID.String(),
			Kind:           summary.Kind,
			Table:          summary.Table,
			WindowCovered:  summary.WindowCovered,
			RecordsFetched: summary.RecordsFetched,
			RecordsWritten: summary.RecordsWritten,
			SkippedRecords: len(summary.Errors),
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
		})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(summary)
	}
}

func parseRequest(r *http.Request, kind resource.Kind) (extract.Request, error) {
	table := chi.URLParam(r, "table")
	if !store.ValidTableName(table) {
		return extract.Request{}, fmt.Errorf("invalid table name %q", table)
	}

	req := extract.Request{Kind: kind, Table: table}

	if v := r.URL.Query().Get("is_initial"); v != "" {
		initial, err := strconv.ParseBool(v)
		if err != nil {
			return extract.Request{}, fmt.Errorf("invalid is_initial %q", v)
		}
		req.IsInitial = initial
	}

	if v := r.URL.Query().Get("date"); v != "" {
		start, err := time.ParseInLocation(dateLayout, v, time.UTC)
		if err != nil {
			return extract.Request{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", v)
		}
		req.WindowStart = start
	}

	if req.IsInitial && req.WindowStart.IsZero() {
		return extract.Request{}, fmt.Errorf("initial extraction requires a date")
	}

	return req, nil
}

// runStatus maps a run failure to an HTTP status.
func runStatus(err error) int {
	var fetchErr *extract.FetchError
	switch {
	case errors.Is(err, window.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, window.ErrMissingCursor):
		return http.StatusConflict
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) publishEvent(subject string, event events.RunEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(subject, event); err != nil {
		s.logger.Warn("failed to publish run event", "subject", subject, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  msg,
		"status": status,
	})
}
