package registry

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrOverflow            = errors.New("overflow")
)
