package vfs

import (
	"context"
	"errors"

	"github.com/fruitsalade/filemanager/internal/storage"
)

// Error classes returned by the lookup and mutation operations. Wrapped
// errors keep their class: test with errors.Is or Classify.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("already exists")
	ErrNotEmpty            = errors.New("folder is not empty")
	ErrDirectoryUnreadable = errors.New("directory unreadable")
	ErrIO                  = errors.New("i/o failure")

	// ErrInvalidIdentifier is a NotFound: an id that cannot be decoded
	// cannot name anything.
	ErrInvalidIdentifier = &classError{msg: "invalid identifier", class: ErrNotFound}

	// ErrRootProtected is an InvalidInput: the root can be neither renamed
	// nor deleted.
	ErrRootProtected = &classError{msg: "root folder cannot be modified", class: ErrInvalidInput}
)

// classError is a sentinel that also matches a broader class.
type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Is(target error) bool { return target == e.class }

// Kind is the coarse error class used by transports to pick a status.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindInvalidInput
	KindConflict
	KindNotEmpty
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindNotEmpty:
		return "not_empty"
	default:
		return "io"
	}
}

// Classify maps err onto a Kind. Errors from outside the package are
// classified by their storage class, so an entry that vanished between
// lookup and disk call still reads as NotFound.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, storage.ErrOutsideRoot),
		errors.Is(err, storage.ErrTooLarge):
		return KindInvalidInput
	case errors.Is(err, ErrConflict), errors.Is(err, storage.ErrExist):
		return KindConflict
	case errors.Is(err, ErrNotEmpty), errors.Is(err, storage.ErrNotEmpty):
		return KindNotEmpty
	default:
		return KindIO
	}
}

// osError reclassifies an error from the file-system capability. Context
// errors pass through untouched.
func osError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch Classify(err) {
	case KindNotFound:
		return &OpError{Op: op, Class: ErrNotFound, Err: err}
	case KindInvalidInput:
		return &OpError{Op: op, Class: ErrInvalidInput, Err: err}
	case KindConflict:
		return &OpError{Op: op, Class: ErrConflict, Err: err}
	case KindNotEmpty:
		return &OpError{Op: op, Class: ErrNotEmpty, Err: err}
	default:
		return &OpError{Op: op, Class: ErrIO, Err: err}
	}
}

// OpError records a failed operation, its class and the underlying cause.
type OpError struct {
	Op    string
	Class error
	Err   error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Class.Error()
	}
	return e.Op + ": " + e.Class.Error() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() []error { return []error{e.Class, e.Err} }
