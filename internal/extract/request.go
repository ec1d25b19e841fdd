package extract

import (
	"time"

	"github.com/google/uuid"

	"github.com/mechanigo/laextract/internal/resource"
)

// Request describes one extraction run. Created per HTTP call, consumed once.
type Request struct {
	Kind        resource.Kind
	Table       string
	IsInitial   bool
	WindowStart time.Time
}

// Summary reports the outcome of a successful run to the caller. Per-record
// errors are listed; a run that returns a Summary committed everything it
// wrote.
type Summary struct {
	RunID          uuid.UUID `json:"run_id"`
	Kind           string    `json:"resource_kind"`
	Table          string    `json:"destination_table"`
	WindowCovered  string    `json:"window_covered"`
	RecordsFetched int       `json:"records_fetched"`
	RecordsWritten int       `json:"records_written"`
	Errors         []string  `json:"errors,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
