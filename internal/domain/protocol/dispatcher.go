package protocol

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_dispatcher.go -package=mocks . Dispatcher

import (
	"context"
	"errors"
	"fmt"
)

// Dispatcher delivers a message to the counterparty at address and returns
// its synchronous acknowledgement.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, msg Message) (*Ack, error)
}

// DispatchError is a failed delivery. Permanent failures are not retried.
type DispatchError struct {
	Kind       Kind
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent DispatchError.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}
