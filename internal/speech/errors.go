// Package speech holds the audio constants and the error taxonomy shared by
// the STT and TTS gateways.
package speech

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// SampleRate is the only sample rate spoken on the client wire.
	SampleRate = 16000
	// BytesPerSample for signed 16-bit little-endian PCM.
	BytesPerSample = 2
)

// Error kinds. Match with errors.Is.
var (
	// ErrConnection: a provider socket or HTTP transport failed. Recoverable,
	// the adapter re-initializes lazily.
	ErrConnection = errors.New("connection error")
	// ErrProtocol: a provider message could not be decoded. The current
	// stream ends gracefully.
	ErrProtocol = errors.New("protocol error")
	// ErrProviderFailure: the provider reported an explicit error. Fatal to
	// the client connection.
	ErrProviderFailure = errors.New("provider failure")
	// ErrCacheIO: the synthesis cache could not be read or written.
	ErrCacheIO = errors.New("cache io error")
	// ErrMissingCredential: the selected provider has no API key configured.
	ErrMissingCredential = errors.New("missing credential")
	// ErrUnknownProvider: the configured provider name is not supported.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Error is a classified provider error.
type Error struct {
	Provider  string
	Kind      error
	Code      string
	Status    int
	Retryable bool
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func ConnectionError(provider string, err error) error {
	return &Error{Provider: provider, Kind: ErrConnection, Retryable: true, Err: err}
}

func ProtocolError(provider, detail string, err error) error {
	return &Error{Provider: provider, Kind: ErrProtocol, Detail: detail, Err: err}
}

func ProviderFailure(provider, code, detail string, retryable bool) error {
	return &Error{Provider: provider, Kind: ErrProviderFailure, Code: code, Detail: detail, Retryable: retryable}
}

func HTTPFailure(provider string, status int, detail string, retryable bool) error {
	return &Error{Provider: provider, Kind: ErrProviderFailure, Status: status, Detail: detail, Retryable: retryable}
}

func MissingCredential(provider, envKey string) error {
	return &Error{Provider: provider, Kind: ErrMissingCredential, Detail: envKey + " is not set"}
}

func CacheIOError(op string, err error) error {
	return &Error{Provider: "cache", Kind: ErrCacheIO, Detail: op, Err: err}
}

// Fatal reports whether err should terminate the client connection.
func Fatal(err error) bool {
	return errors.Is(err, ErrProviderFailure) || errors.Is(err, ErrMissingCredential)
}

// KindLabel returns a short metrics label for err.
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrProviderFailure):
		return "provider_failure"
	case errors.Is(err, ErrCacheIO):
		return "cache_io"
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	default:
		return "other"
	}
}
