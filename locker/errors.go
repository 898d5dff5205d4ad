package locker

import "errors"

// Precondition errors returned synchronously to callers. No state changes
// when one of these is returned.
var (
	ErrLockerNotFound      = errors.New("locker not found")
	ErrLockerUnavailable   = errors.New("locker unavailable")
	ErrLockerOutOfService  = errors.New("locker out of service")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSystemLocked        = errors.New("system in emergency lockdown")
	ErrRentalNotFound      = errors.New("rental not found")
	ErrRentalNotActive     = errors.New("rental not active")
)
