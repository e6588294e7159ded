package errors

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedRecord     = errors.New("malformed record")
	ErrMissingInput        = errors.New("missing input file")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrFormatViolation     = errors.New("format violation")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrInternal            = errors.New("internal error")
)

// Exit codes returned by the CLI for each error class.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
	ExitMissingInput  = 3
	ExitCorruptInput  = 4
)

// StageError attributes a fatal error to the pipeline stage that produced it.
type StageError struct {
	Stage   string
	Err     error
	Message string
}

func (e *StageError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Err.Error())
	}
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Message, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// FormatError reports where parsing of a binary or text artifact failed.
type FormatError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s at offset %d: %s", ErrFormatViolation.Error(), e.Path, e.Offset, e.Err.Error())
}

func (e *FormatError) Unwrap() []error {
	return []error{ErrFormatViolation, e.Err}
}

func NewFormatError(path string, offset int64, err error) *FormatError {
	return &FormatError{Path: path, Offset: offset, Err: err}
}

// MissingInput builds the diagnostic for an absent input file, naming the
// stage that should have produced it.
func MissingInput(path string, producer string) error {
	if producer == "" {
		return fmt.Errorf("%w: %s", ErrMissingInput, path)
	}
	return fmt.Errorf("%w: %s (run stage %q first)", ErrMissingInput, path, producer)
}

func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

func Unresolvedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnresolvedReference, fmt.Sprintf(format, args...))
}

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return ExitInvalidConfig
	case errors.Is(err, ErrMissingInput):
		return ExitMissingInput
	case errors.Is(err, ErrFormatViolation):
		return ExitCorruptInput
	default:
		return ExitFailure
	}
}
