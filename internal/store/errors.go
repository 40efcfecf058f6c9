package store

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange indicates a gene name or index that does not resolve
// against the loaded gene list.
var ErrIndexOutOfRange = errors.New("index out of range")

// FetchError reports a failed load from a data source. It is never fatal:
// callers retry by issuing a new load.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedRecordError describes one cell record skipped during Build.
type MalformedRecordError struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

func (e MalformedRecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("malformed record %d (%s): %s", e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("malformed record %d: %s", e.Index, e.Reason)
}
