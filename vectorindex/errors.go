package vectorindex

import "fmt"

// OperationErrorKind classifies index operation failures
type OperationErrorKind string

const (
	OperationErrorValidation OperationErrorKind = "validation"
	OperationErrorRequest    OperationErrorKind = "request"
	OperationErrorTransport  OperationErrorKind = "transport"
	OperationErrorResponse   OperationErrorKind = "response"
)

// OperationError wraps a failed index operation with its kind so callers
// can distinguish validation mistakes from transient transport errors.
type OperationError struct {
	Op      string
	Kind    OperationErrorKind
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("qdrant %s (%s): %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("qdrant %s (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opErr(op string, kind OperationErrorKind, message string, err error) *OperationError {
	return &OperationError{Op: op, Kind: kind, Message: message, Err: err}
}
