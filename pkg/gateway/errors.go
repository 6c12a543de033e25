package gateway

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is a coarse classification of transport failures, carried on
// every typed error so callers can pick reconnect and diagnostic behavior
// without string-matching.
type ErrorKind string

const (
	ErrKindAuth    ErrorKind = "auth"
	ErrKindTLS     ErrorKind = "tls"
	ErrKindTimeout ErrorKind = "timeout"
	ErrKindDNS     ErrorKind = "dns"
	ErrKindNetwork ErrorKind = "network"
	ErrKindServer  ErrorKind = "server"
	ErrKindPairing ErrorKind = "pairing"
	ErrKindUnknown ErrorKind = "unknown"
)

// Error is a typed transport error.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway %s error: %s", e.Kind, e.Message)
}

// KindOf returns the ErrorKind of err if it is (or wraps) a gateway Error,
// ErrKindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) && ge != nil {
		return ge.Kind
	}
	return ErrKindUnknown
}

var (
	// ErrNotConnected is returned by calls issued while the client has no
	// live connection.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrConnectionLost fails pending calls when the read loop dies.
	ErrConnectionLost = errors.New("gateway: connection lost")
)

func kindFromWireCode(code string) ErrorKind {
	switch code {
	case "auth", "unauthorized", "forbidden":
		return ErrKindAuth
	case "pairing_required":
		return ErrKindPairing
	case "timeout":
		return ErrKindTimeout
	case "server_error", "internal":
		return ErrKindServer
	default:
		return ErrKindUnknown
	}
}
