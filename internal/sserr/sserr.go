// Package sserr implements the single error-kind enumeration that every
// layer's async completion carries. Layers never throw across
// each other; they forward the Kind from below unless they can map it
// meaningfully (e.g. "TLS handshake saw EOF" -> KindBrokenPipe).
package sserr

import "errors"

// Kind is a closed enumeration of error categories.
type Kind int

const (
	KindSuccess Kind = iota
	KindIOError
	KindInterrupted
	KindBadFileDescriptor
	KindInvalidArgument
	KindBrokenPipe
	KindMessageTooLong
	KindConnectionAborted
	KindConnectionRefused
	KindConnectionReset
	KindNotConnected
	KindProtocolError
	KindWrongProtocolType
	KindOperationCanceled
	KindAddressInUse
	KindAddressNotAvailable
	KindBadAddress
	KindNoBufferSpace
	KindImportCrtError
	KindSetCrtError
	KindNoCrtError
	KindImportKeyError
	KindSetKeyError
	KindNoKeyError
	KindNoDhParamError
	KindBufferIsFullError
	KindMissingConfigParameters
	KindCannotResolveEndpoint
)

var kindNames = map[Kind]string{
	KindSuccess:                 "success",
	KindIOError:                 "io_error",
	KindInterrupted:             "interrupted",
	KindBadFileDescriptor:       "bad_file_descriptor",
	KindInvalidArgument:         "invalid_argument",
	KindBrokenPipe:              "broken_pipe",
	KindMessageTooLong:          "message_too_long",
	KindConnectionAborted:       "connection_aborted",
	KindConnectionRefused:       "connection_refused",
	KindConnectionReset:         "connection_reset",
	KindNotConnected:            "not_connected",
	KindProtocolError:           "protocol_error",
	KindWrongProtocolType:       "wrong_protocol_type",
	KindOperationCanceled:       "operation_canceled",
	KindAddressInUse:            "address_in_use",
	KindAddressNotAvailable:     "address_not_available",
	KindBadAddress:              "bad_address",
	KindNoBufferSpace:           "no_buffer_space",
	KindImportCrtError:          "import_crt_error",
	KindSetCrtError:             "set_crt_error",
	KindNoCrtError:              "no_crt_error",
	KindImportKeyError:          "import_key_error",
	KindSetKeyError:             "set_key_error",
	KindNoKeyError:              "no_key_error",
	KindNoDhParamError:          "no_dh_param_error",
	KindBufferIsFullError:       "buffer_is_full_error",
	KindMissingConfigParameters: "missing_config_parameters",
	KindCannotResolveEndpoint:   "cannot_resolve_endpoint",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error wraps an underlying cause with a Kind, following the stdlib
// errors.Is/As chain instead of a bespoke error-code package: each layer
// can test `var se *sserr.Error; errors.As(err, &se)` and inspect Kind, or wrap the
// cause further with fmt.Errorf("%w", ...) as usual.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Cause: errors.New(msg)}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
