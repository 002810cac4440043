package dag

import (
	"github.com/cockroachdb/errors"
)

// Status taxonomy. Errors returned by this package and by the sync packages
// are marked with one of these so callers can branch with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrIO             = errors.New("io error")
	ErrMissingParent  = errors.New("missing parent")
	ErrInvalidCommit  = errors.New("invalid commit")
	ErrJournalClosed  = errors.New("journal closed")
	ErrCorrupted      = errors.New("local store corrupted")
	ErrNetwork        = errors.New("network error")
	ErrAuthentication = errors.New("authentication error")
	ErrInternal       = errors.New("internal error")
	ErrDigestMismatch = errors.New("digest mismatch")
)

// IsTransient reports whether err is a network or authentication failure
// that the sync layer retries with backoff.
func IsTransient(err error) bool {
	return errors.IsAny(err, ErrNetwork, ErrAuthentication)
}

// mark wraps err with msg and tags it with the status sentinel.
func mark(err error, status error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), status)
}

func ioError(err error, msg string) error {
	return mark(err, ErrIO, msg)
}

func invalidCommit(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidCommit)
}
