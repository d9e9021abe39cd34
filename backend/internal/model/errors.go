package model

import "errors"

// Error kinds shared by the block store and its clients.
var (
	ErrLockConflict     = errors.New("LOCKED")
	ErrVersionConflict  = errors.New("VERSION_CONFLICT")
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
	ErrNotAuthenticated = errors.New("UNAUTHENTICATED")
	ErrInvalidArgument  = errors.New("INVALID_ARGUMENT")
	ErrBusy             = errors.New("BUSY")
	ErrUnavailable      = errors.New("UNAVAILABLE")
)

// Code returns the wire code for err, or "INTERNAL" when it is not one of ours.
func Code(err error) string {
	for _, known := range []error{
		ErrLockConflict, ErrVersionConflict, ErrNotFound, ErrPermissionDenied,
		ErrNotAuthenticated, ErrInvalidArgument, ErrBusy, ErrUnavailable,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "INTERNAL"
}
