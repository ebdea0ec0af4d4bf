// Package zerrors is the error taxonomy shared by the dataflow engine and
// the connection manager: tagged error values carrying an Origin and a
// Kind, rather than a zoo of sentinel variables or bespoke types per
// call site.
package zerrors

import (
	"fmt"
	"time"

	"golang.org/x/xerrors"
)

// Origin distinguishes where a ZeroError was raised, so observability
// layers can tag accordingly without string-matching the Kind.
type Origin int

const (
	OriginClient Origin = iota
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "client"
}

// ClientErrorKind enumerates client-origin error kinds from the
// connection taxonomy.
type ClientErrorKind string

const (
	ConnectTimeout       ClientErrorKind = "ConnectTimeout"
	PingTimeout          ClientErrorKind = "PingTimeout"
	PullTimeout          ClientErrorKind = "PullTimeout"
	AbruptClose          ClientErrorKind = "AbruptClose"
	CleanClose           ClientErrorKind = "CleanClose"
	Hidden               ClientErrorKind = "Hidden"
	NoSocketOrigin       ClientErrorKind = "NoSocketOrigin"
	DisconnectTimeout    ClientErrorKind = "DisconnectTimeout"
	UnexpectedBaseCookie ClientErrorKind = "UnexpectedBaseCookie"
	InvalidMessage       ClientErrorKind = "InvalidMessage"
	UserDisconnect       ClientErrorKind = "UserDisconnect"
	ClientInternal       ClientErrorKind = "Internal"
	ClientClosed         ClientErrorKind = "ClientClosed"
	Offline              ClientErrorKind = "Offline"
)

// ServerErrorKind enumerates server-origin error kinds from the
// connection taxonomy.
type ServerErrorKind string

const (
	Rebalance                 ServerErrorKind = "Rebalance"
	Rehome                    ServerErrorKind = "Rehome"
	ServerOverloaded          ServerErrorKind = "ServerOverloaded"
	AuthInvalidated           ServerErrorKind = "AuthInvalidated"
	Unauthorized              ServerErrorKind = "Unauthorized"
	InvalidPush               ServerErrorKind = "InvalidPush"
	VersionNotSupported       ServerErrorKind = "VersionNotSupported"
	SchemaVersionNotSupported ServerErrorKind = "SchemaVersionNotSupported"
	InvalidConnectionRequest  ServerErrorKind = "InvalidConnectionRequest"
	ClientNotFound            ServerErrorKind = "ClientNotFound"
	ServerInternal            ServerErrorKind = "Internal"
	PushFailed                ServerErrorKind = "PushFailed"
	TransformFailed           ServerErrorKind = "TransformFailed"
	MutationRateLimited       ServerErrorKind = "MutationRateLimited"
	MutationFailed            ServerErrorKind = "MutationFailed"
)

// ZeroError is the tagged union wrapping both error families. Origin is
// preserved across every boundary it crosses so callers never need to
// guess which kind set applies.
type ZeroError struct {
	Origin     Origin
	ClientKind ClientErrorKind
	ServerKind ServerErrorKind
	MinBackoff time.Duration
	HTTPStatus int
	Reason     string
	Err        error
}

func (e *ZeroError) Error() string {
	kind := string(e.ClientKind)
	if e.Origin == OriginServer {
		kind = string(e.ServerKind)
	}
	if e.Reason != "" {
		return fmt.Sprintf("zerrors: %s/%s: %s", e.Origin, kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("zerrors: %s/%s: %s", e.Origin, kind, e.Err)
	}
	return fmt.Sprintf("zerrors: %s/%s", e.Origin, kind)
}

func (e *ZeroError) Unwrap() error { return e.Err }

// Kind returns the error's kind as a plain string regardless of origin,
// for logging and type-switch-free comparisons.
func (e *ZeroError) Kind() string {
	if e.Origin == OriginServer {
		return string(e.ServerKind)
	}
	return string(e.ClientKind)
}

// Client constructs a client-origin ZeroError.
func Client(kind ClientErrorKind, reason string) *ZeroError {
	return &ZeroError{Origin: OriginClient, ClientKind: kind, Reason: reason}
}

// ClientWrap constructs a client-origin ZeroError wrapping err.
func ClientWrap(kind ClientErrorKind, err error) *ZeroError {
	return &ZeroError{Origin: OriginClient, ClientKind: kind, Err: err}
}

// Server constructs a server-origin ZeroError.
func Server(kind ServerErrorKind, reason string) *ZeroError {
	return &ZeroError{Origin: OriginServer, ServerKind: kind, Reason: reason}
}

// ServerBackoff constructs a server-origin ZeroError that carries a
// minimum backoff without forcing any connection state transition
// (Rebalance, Rehome, ServerOverloaded).
func ServerBackoff(kind ServerErrorKind, minBackoff time.Duration) *ZeroError {
	return &ZeroError{Origin: OriginServer, ServerKind: kind, MinBackoff: minBackoff}
}

// ServerHTTP constructs a server-origin ZeroError carrying an HTTP
// status, used by PushFailed/TransformFailed to decide auth vs. fatal.
func ServerHTTP(kind ServerErrorKind, status int, err error) *ZeroError {
	return &ZeroError{Origin: OriginServer, ServerKind: kind, HTTPStatus: status, Err: err}
}

// IsAuth reports whether e should be treated as an auth failure: a
// direct AuthInvalidated/Unauthorized kind, or a PushFailed/
// TransformFailed carrying a 401/403 status.
func IsAuth(e *ZeroError) bool {
	if e == nil {
		return false
	}
	if e.Origin != OriginServer {
		return false
	}
	switch e.ServerKind {
	case AuthInvalidated, Unauthorized:
		return true
	case PushFailed, TransformFailed:
		return e.HTTPStatus == 401 || e.HTTPStatus == 403
	default:
		return false
	}
}

// IsFatal reports whether e transitions the connection to Error, as
// opposed to a retryable or backoff-only kind.
func IsFatal(e *ZeroError) bool {
	if e == nil {
		return false
	}
	if e.Origin == OriginClient {
		switch e.ClientKind {
		case UnexpectedBaseCookie, InvalidMessage, UserDisconnect, ClientInternal:
			return true
		}
		return false
	}
	if IsAuth(e) {
		return false
	}
	switch e.ServerKind {
	case InvalidPush, VersionNotSupported, SchemaVersionNotSupported,
		InvalidConnectionRequest, ClientNotFound, ServerInternal:
		return true
	case PushFailed, TransformFailed:
		return true
	}
	return false
}

// Wrap annotates err with a message, preserving Is/As compatibility the
// way the rest of the module wraps sql/transport errors.
func Wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Errorf("%s: %w", msg, err)
}
