package model

import "errors"

// ErrImageNotFound is returned by the state store when no record matches.
var ErrImageNotFound = errors.New("image not found")

// ErrVersionConflict is returned when an optimistic-versioned update finds
// the record changed (or gone) since it was read. Under the single-writer
// discipline this only happens when the image was deleted mid-task, so the
// worker treats it the same as a gone record.
var ErrVersionConflict = errors.New("image version conflict")

// TransientError marks a failure worth retrying under the task's backoff
// budget: storage blips, broker hiccups, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix, such as bytes that
// do not decode as a supported image format.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// QuotaError marks a storage-quota rejection. Permanent for the current
// attempt; the text is preserved verbatim for operator alerting.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string { return "storage quota: " + e.Err.Error() }
func (e *QuotaError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should consume retry budget and requeue.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err short-circuits to failed. Quota errors
// count: retrying cannot free space.
func IsPermanent(err error) bool {
	var p *PermanentError
	if errors.As(err, &p) {
		return true
	}
	var q *QuotaError
	return errors.As(err, &q)
}
