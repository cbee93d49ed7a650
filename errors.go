package macdivert

type ErrClosed struct{}

func (ErrClosed) Error() string { return "divert handle closed" }

type ErrOpened struct{}

func (ErrOpened) Error() string { return "divert handle already capturing" }

type ErrInvalidPacket struct{}

func (ErrInvalidPacket) Error() string { return "invalid packet data" }

// ErrIncompatibleEngine reports a loaded library that lacks a required
// engine operation.
type ErrIncompatibleEngine struct{ Symbol string }

func (e ErrIncompatibleEngine) Error() string {
	return "not a valid libdivert library: missing " + e.Symbol
}

// ActivateError is a failed handle creation or activation, the session is
// unusable.
type ActivateError struct{ Errmsg string }

func (e *ActivateError) Error() string { return "activate divert handle: " + e.Errmsg }

// FilterError is a failed rule compilation or installation, carrying the
// engine's diagnostic.
type FilterError struct{ Diag string }

func (e *FilterError) Error() string { return "error rule: " + e.Diag }
