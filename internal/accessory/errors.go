package accessory

import "errors"

// Domain errors for the accessory package.
//
//	if errors.Is(err, accessory.ErrAccessoryNotFound) {
//	    // handle not found case
//	}
var (
	// ErrAccessoryNotFound is returned when an identifier or UUID is not registered.
	ErrAccessoryNotFound = errors.New("accessory: not found")

	// ErrInvalidAccessory is returned when a seed is missing its identifier or kind.
	ErrInvalidAccessory = errors.New("accessory: invalid")

	// ErrInvalidSetMessage is returned when a set request payload cannot be used.
	ErrInvalidSetMessage = errors.New("accessory: invalid set message")

	// ErrNoSetHandler is returned by ListenForSets when no handler is given.
	ErrNoSetHandler = errors.New("accessory: no set handler")
)
