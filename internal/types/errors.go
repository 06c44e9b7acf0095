package types

import (
	"fmt"
	"time"
)

// Error taxonomy for the pipeline. Everything here is caught at the worker
// boundary and folded into a failed ResultRecord, except DiscoveryError and
// DatabaseWriteError, which abort the whole evaluation.

// DiscoveryError means the grid root itself could not be read. Fatal before
// any work is dispatched.
type DiscoveryError struct {
	Root string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("grid root %s unreadable: %v", e.Root, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CorruptArchiveError means an archive could not be opened or lacks the
// expected internal layout.
type CorruptArchiveError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt archive %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt archive %s: %s", e.Path, e.Reason)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// MissingFileError means a required output file is absent from the run.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("required output file missing: %s", e.Path)
}

// MalformedTableError means an output file could not be parsed into a
// well-formed rectangular table.
type MalformedTableError struct {
	Path   string
	Line   int
	Reason string
}

func (e *MalformedTableError) Error() string {
	return fmt.Sprintf("malformed table %s line %d: %s", e.Path, e.Line, e.Reason)
}

// MissingColumnError means a column required by a configured phase or
// quantity is absent from a table header.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("required column missing: %s", e.Column)
}

// ParseError means a run's parameter encoding could not be parsed into a
// typed RunParams record.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse run parameters from %q: %s", e.Input, e.Reason)
}

// TimeoutError means one run exceeded the configured per-run time budget.
// Never retried.
type TimeoutError struct {
	RunID string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded time limit %s", e.RunID, e.Limit)
}

// DatabaseWriteError means the store itself failed. Fatal to the whole
// evaluation: no results can be safely persisted past it.
type DatabaseWriteError struct {
	Op  string
	Err error
}

func (e *DatabaseWriteError) Error() string {
	return fmt.Sprintf("database %s failed: %v", e.Op, e.Err)
}

func (e *DatabaseWriteError) Unwrap() error { return e.Err }
