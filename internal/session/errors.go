package session

import "fmt"

// Store operations named in a StoreError.
const (
	OpLoadUser     = "Failed to load user"
	OpUpdateSocket = "Failed to update user socket"
)

// StoreError reports an Identity Store failure. Error returns only the fixed
// operation message; the underlying error is kept for logs via Unwrap.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op }

func (e *StoreError) Unwrap() error { return e.Err }

func storeFailure(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// NotConnectedError reports that a user has no live session to push to.
type NotConnectedError struct {
	UserID int64
	Err    error // last send failure, if any endpoint was tried
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("user %d is not connected", e.UserID)
}

func (e *NotConnectedError) Unwrap() error { return e.Err }

func emitResult(err error) string {
	switch err.(type) {
	case nil:
		return "delivered"
	case *NotConnectedError:
		return "not_connected"
	default:
		return "error"
	}
}
