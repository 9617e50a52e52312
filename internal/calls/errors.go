package calls

import "errors"

var (
	ErrCalleeBusy         = errors.New("calls: callee busy")
	ErrCalleeUnreachable  = errors.New("calls: callee unreachable")
	ErrCallerNotConnected = errors.New("calls: caller not connected")
	ErrNoSuchSession      = errors.New("calls: no such session")
	ErrCallerMismatch     = errors.New("calls: caller mismatch")
	ErrInvalidTransition  = errors.New("calls: invalid transition")
	ErrInvalidArgument    = errors.New("calls: invalid argument")
	ErrCorruptSession     = errors.New("calls: corrupt session record")
)
