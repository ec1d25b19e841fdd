package extract

import (
	"fmt"

	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/window"
)

// FetchError is a fatal fetch failure for one window, raised after the
// client's own retries are exhausted. Records already yielded stay counted in
// the summary but the run is failed and the cursor untouched.
type FetchError struct {
	Kind   resource.Kind
	Window window.Window
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Kind, e.Window, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
