package zerrors

import "context"

// MutationResultKind tags the shape returned to a mutator's caller,
// mirroring the client/server promise pair a custom mutator resolves.
type MutationResultKind string

const (
	MutationOK    MutationResultKind = "ok"
	MutationError MutationResultKind = "error"
)

// MutationErrorType distinguishes an application-level rejection from a
// zero-origin one (offline, rate-limited, disconnected) in the shape
// surfaced to UI bindings.
type MutationErrorType string

const (
	MutationErrorApp  MutationErrorType = "app"
	MutationErrorZero MutationErrorType = "zero"
)

// MutationResult is what both the client and server promises of a
// wrapped mutation resolve to.
type MutationResult struct {
	Kind    MutationResultKind
	ErrType MutationErrorType
	Message string
	Details any
}

func okResult() MutationResult { return MutationResult{Kind: MutationOK} }

func errResult(errType MutationErrorType, err error) MutationResult {
	return MutationResult{Kind: MutationError, ErrType: errType, Message: err.Error()}
}

// ConnectionReason reports the current connection state's rejection
// reason to MutatorProxy, if the manager isn't in a state that accepts
// mutations.
type ConnectionReason interface {
	// Blocked reports whether mutations should be rejected, and if so
	// the reason and whether NoSocketOrigin purely-local writes are
	// exempt from the block.
	Blocked() (blocked bool, reason string, exemptLocal bool)
}

// Mutator is a user-supplied mutation function; MutatorProxy never
// inspects its argument or return value beyond the error.
type Mutator func(ctx context.Context) error

// MutatorProxy is the capture boundary named in the error-handling
// design: mutation failures never escape as raw errors, they're shaped
// into a MutationResult on both the client and server side of the call.
// Full CRUD mutator semantics are out of scope; only this boundary's
// error-shaping contract is implemented.
type MutatorProxy struct {
	Conn ConnectionReason
}

// NewMutatorProxy constructs a proxy consulting conn for connection-state
// rejections before invoking a wrapped mutator.
func NewMutatorProxy(conn ConnectionReason) *MutatorProxy {
	return &MutatorProxy{Conn: conn}
}

// Invoke runs fn, or rejects it without invoking it if the connection
// manager is in a disconnected/error/closed state whose reason does not
// exempt local writes. It returns the same MutationResult for both the
// client and server promise, since this boundary doesn't model them as
// distinct outcomes.
func (p *MutatorProxy) Invoke(ctx context.Context, fn Mutator) (client, server MutationResult) {
	if p.Conn != nil {
		if blocked, reason, exemptLocal := p.Conn.Blocked(); blocked && !exemptLocal {
			rejected := MutationResult{Kind: MutationError, ErrType: MutationErrorZero, Message: reason}
			return rejected, rejected
		}
	}

	if err := fn(ctx); err != nil {
		var kind MutationErrorType = MutationErrorApp
		if ze, ok := err.(*ZeroError); ok {
			_ = ze
			kind = MutationErrorZero
		}
		res := errResult(kind, err)
		return res, res
	}

	ok := okResult()
	return ok, ok
}
