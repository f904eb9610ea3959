// Package fault defines the error taxonomy shared by every layer of the
// bridge. Errors carry a Kind that tells the caller whether the failure is
// transient, caller misuse, or fatal for the backup job.
//
// Match kinds with errors.Is:
//
//	if errors.Is(err, fault.InvalidJobState) { ... }
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero Kind, used for errors that were never classified.
	Unknown Kind = iota
	// Connection is a transport-level failure. Retried automatically.
	Connection
	// Authentication is a credential rejection. Fatal for the job.
	Authentication
	// InvalidJobState is an operation the job's current state does not allow.
	// The job itself is unaffected.
	InvalidJobState
	// InvalidArgument is a malformed call (unaligned offset, unknown image).
	// The job itself is unaffected.
	InvalidArgument
	// Upload is a chunk upload failure. Retried per chunk; fatal once the
	// retry budget is spent.
	Upload
	// Index is an index registration or finalization failure. Fatal.
	Index
	// RuntimeClosed is work submitted to a host that has shut down.
	RuntimeClosed
	// Initialization is a host that could not be started.
	Initialization
	// Cancelled is an operation cancelled by an abort.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "ConnectionError"
	case Authentication:
		return "AuthenticationError"
	case InvalidJobState:
		return "InvalidJobState"
	case InvalidArgument:
		return "InvalidArgument"
	case Upload:
		return "UploadError"
	case Index:
		return "IndexError"
	case RuntimeClosed:
		return "RuntimeClosed"
	case Initialization:
		return "InitializationError"
	case Cancelled:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Fatal reports whether a failure of this kind must abort the job once it
// reaches the job. Transient kinds only get there after their retry budget
// is spent.
func (k Kind) Fatal() bool {
	switch k {
	case Authentication, Upload, Index, Connection:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target against the error's kind.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation maps to Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Wrap classifies err unless it is already classified.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return New(kind, op, err)
}
