package errors

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("database is closed")
	ErrLockNotHeld        = errors.New("lock marker is not held")
	ErrSingleShard        = errors.New("a single shard cannot shrink further")
	ErrRollbackFailed     = errors.New("rewrite rollback failed, operator recovery required")
	ErrEmptyBatch         = errors.New("insert batch is empty")
	ErrNilDocument        = errors.New("insert batch contains a nil document")
	ErrInsufficientShards = errors.New("insufficient pieces available for reconstruction")
	ErrManifestNotFound   = errors.New("backup manifest not found")
	ErrShardCountMismatch = errors.New("backup shard count does not match database shard count")
)

// ParseError reports a line that is not a valid JSON object. It is isolated to
// that line and never aborts a shard scan.
type ParseError struct {
	Line int
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ContractError reports a user callback that broke its contract: a nil
// document from an updater or projector, a panic, or an unusable group key.
type ContractError struct {
	Line     int
	Callback string
	Reason   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("line %d: %s contract violation: %s", e.Line, e.Callback, e.Reason)
}

// LockTimeoutError is returned when a shard lock could not be acquired within
// the configured retry ceiling.
type LockTimeoutError struct {
	Path     string
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock on %s after %d attempts", e.Path, e.Attempts)
}

// RewriteError reports a failed atomic rewrite of a shard file.
type RewriteError struct {
	Path        string
	Stage       string
	Err         error
	RolledBack  bool
	RollbackErr error
	Dangling    string
}

func (e *RewriteError) Error() string {
	msg := fmt.Sprintf("rewrite of %s failed at %s: %v", e.Path, e.Stage, e.Err)
	switch {
	case e.RollbackErr != nil:
		msg += fmt.Sprintf(" (rollback failed: %v; original left at %s)", e.RollbackErr, e.Dangling)
	case e.RolledBack:
		msg += " (rolled back)"
	}
	return msg
}

func (e *RewriteError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, ErrRollbackFailed}
	}
	return []error{e.Err}
}

// ConfigurationError is raised before any shard work starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// InvalidConfig is a shorthand for building a ConfigurationError.
func InvalidConfig(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// FetchingResourceError wraps a failed fetch of a resource by its type.
func FetchingResourceError(resource string, err error) error {
	return fmt.Errorf("failed to fetch %s by id: %w", resource, err)
}
