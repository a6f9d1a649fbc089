package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("negotiation not found")
	ErrAlreadyLeased     = errors.New("negotiation already leased")
	ErrAgreementConflict = errors.New("contract agreement already set")
	ErrDeleteNotAllowed  = errors.New("negotiation cannot be deleted")
	ErrInvalidEntity     = errors.New("invalid negotiation")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidQuery      = errors.New("invalid query")
)

// IllegalTransitionError reports an attempted transition from a state that is
// not a legal predecessor, or on an entity of the wrong type.
type IllegalTransitionError struct {
	ID   string
	Type Type
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition of %s negotiation %s from %s to %s", e.Type, e.ID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
