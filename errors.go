package otbr

import "errors"

// Error kinds reported to publish callbacks and discovery observers.
// Responder specific failures wrap one of these, match them with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrDuplicated     = errors.New("duplicated")
	ErrNotImplemented = errors.New("not implemented")
	ErrInvalidState   = errors.New("invalid state")
	ErrAborted        = errors.New("aborted")
	ErrMdns           = errors.New("mdns failure")
	ErrParse          = errors.New("parse error")
	ErrErrno          = errors.New("local i/o failure")
)
