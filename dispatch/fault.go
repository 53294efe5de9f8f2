package dispatch

import "fmt"

// Error codes mirror an HTTP-shaped taxonomy, kept as plain ints so the dispatcher never
// needs to import an HTTP package.
const (
	CodeBadInput          = 400
	CodeUnauthorized      = 401
	CodeNotFound          = 404
	CodeInternalContract  = 500
	CodeInternalServer    = 500
	CodeHandlerDefaultErr = 400
)

// Fault is the caller-visible failure shape: a code plus a sanitized message. It never
// wraps a raw Go error or a stack trace — the dispatcher is the one place that decides
// what's safe to expose.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("dispatch: %d: %s", f.Code, f.Message)
}

// abortSignal is the panic payload used by FailFunc, the handler/derivation-visible
// "error(message, code) -> never" sentinel. Only RunProcedure recovers it; it must never
// escape this package.
type abortSignal struct {
	Code    int
	Message string
}

// FailFunc is handed to derivation builders and handlers. Calling it aborts the request
// with a HandlerError carrying the given code and message; it never returns.
type FailFunc func(message string, code int)

func newFail() FailFunc {
	return func(message string, code int) {
		panic(abortSignal{Code: code, Message: message})
	}
}
