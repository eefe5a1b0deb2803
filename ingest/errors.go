package ingest

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies why an ingestion operation failed.  Callers map it to a
// response; every Kind must be handled.
type Kind int

const (
	// KindValidation means a required field was missing.  No store was
	// touched.
	KindValidation Kind = iota + 1

	// KindDecode means the image payload could not be decoded.  Nothing was
	// written.
	KindDecode

	// KindNotFound means the collection or card does not exist.
	KindNotFound

	// KindStore means the card store failed.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	case KindNotFound:
		return "not found"
	case KindStore:
		return "store"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	ErrCollectionIDRequired = errors.New("collection id is required")
	ErrCardIDRequired       = errors.New("card id is required")
	ErrQuestionRequired     = errors.New("question is required")
	ErrAnswerRequired       = errors.New("answer is required")
	ErrCardRefRequired      = errors.New("either a card id or a question and collection name are required")
	ErrImageConflict        = errors.New("cannot both replace and remove the image")
)

// Error is returned by every Service operation that fails.
type Error struct {
	Kind Kind
	Op   string

	Err   error
	frame xerrors.Frame
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:  kind,
		Op:    op,
		Err:   err,
		frame: xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Format(f fmt.State, c rune) { // implements fmt.Formatter
	xerrors.FormatError(e, f, c)
}

func (e *Error) FormatError(p xerrors.Printer) error { // implements xerrors.Formatter
	p.Print(fmt.Sprintf("%s: %s error", e.Op, e.Kind))
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or 0 if there
// is none.
func KindOf(err error) Kind {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Kind
	}
	return 0
}
