package scraper

import "fmt"

// FetchError means a page could not be retrieved after retries, or the
// source answered with a non-retryable status. It aborts the run.
type FetchError struct {
	Page   int
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch page %d: status %d", e.Page, e.Status)
	}
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError marks a single raw record the normalizer refused. The
// run counts it as failed and moves on.
type ValidationError struct {
	ExternalID string
	Reason     string
}

func (e *ValidationError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("invalid listing %s: %s", id, e.Reason)
}
