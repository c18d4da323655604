package dispatch

import "fmt"

// Status is the per-row outcome of a run.
type Status string

const (
	StatusPosted Status = "posted"
	StatusFailed Status = "failed"
	// StatusSkipped means the row was claimed by another run; it is not
	// counted as processed.
	StatusSkipped Status = "skipped"
)

// PostResult is one row's outcome.
type PostResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunReport summarizes a dispatch run.
type RunReport struct {
	Processed int          `json:"processed"`
	Batches   int          `json:"-"`
	Results   []PostResult `json:"results"`
}

// QueryError means the due-rows query failed and the run stopped early.
type QueryError struct {
	Batch int
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("failed to fetch due posts (batch %d): %v", e.Batch, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
