package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/mechanigo/laextract/internal/resource"
)

// ErrInvalidWindow is returned when an initial extraction is requested with a
// start date that is not the first day of a calendar month.
var ErrInvalidWindow = errors.New("initial window start must be the first day of a month")

// ErrMissingCursor is returned when an incremental extraction is requested for
// a (resource kind, table) pair that has never completed an initial run.
var ErrMissingCursor = errors.New("no stored cursor, run an initial extraction first")

// Window is a half-open time range [Start, End) over which records are fetched.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Cursor records how far incremental extraction has progressed for one
// (resource kind, destination table) pair. It only ever moves forward.
type Cursor struct {
	Kind          resource.Kind
	Table         string
	LastCompleted time.Time
	UpdatedAt     time.Time
}

// Resolve determines the window for a run.
//
// Initial runs take their start from the request and cover exactly one
// calendar month. Incremental runs continue from the stored cursor and cover
// up to one month, clamped to now.
func Resolve(isInitial bool, start time.Time, cur *Cursor, now time.Time) (Window, error) {
	if isInitial {
		if start.IsZero() {
			return Window{}, fmt.Errorf("%w: no start date given", ErrInvalidWindow)
		}
		start = start.UTC()
		if start.Day() != 1 || start.Hour() != 0 || start.Minute() != 0 || start.Second() != 0 || start.Nanosecond() != 0 {
			return Window{}, fmt.Errorf("%w: got %s", ErrInvalidWindow, start.Format("2006-01-02"))
		}
		return Window{Start: start, End: start.AddDate(0, 1, 0)}, nil
	}

	if cur == nil {
		return Window{}, ErrMissingCursor
	}
	ws := cur.LastCompleted.UTC()
	we := ws.AddDate(0, 1, 0)
	if we.After(now) {
		we = now.UTC()
	}
	// An initial run of the current month leaves the cursor ahead of now;
	// until time catches up there is nothing to fetch.
	if we.Before(ws) {
		we = ws
	}
	return Window{Start: ws, End: we}, nil
}
