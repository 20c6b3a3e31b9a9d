// Package errors defines the error taxonomy for the service runtime.
//
// Callers rely on the distinction between transport failures (the request
// never produced a remote result, safe to retry against another URL) and
// application errors reported by the callee (retrying won't help). The
// Is* helpers classify an error anywhere in a wrapped chain.
package errors

import (
	"errors"
	"fmt"
	"sync"
)

// Standard error variables for common conditions.
var (
	ErrNoURLs         = errors.New("no urls available")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrNotRunning     = errors.New("component not running")
	ErrAlreadyBound   = errors.New("implementation already bound")
)

// RegistrationError reports invalid registration data. It is fatal to the
// Register call that produced it, never to the process.
type RegistrationError struct {
	Component string
	Reason    string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed for component %q: %s", e.Component, e.Reason)
}

// NewRegistration builds a RegistrationError.
func NewRegistration(component, reason string) *RegistrationError {
	return &RegistrationError{Component: component, Reason: reason}
}

// ChannelNotFoundError reports that a requested preferred channel is not
// exposed by any resolved address. Surfaced at proxy-resolution time.
type ChannelNotFoundError struct {
	Channel   string
	Component string
}

func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("channel %q not registered for component %q", e.Channel, e.Component)
}

// TransportError reports a connection, timeout, or protocol failure while
// talking to a remote URL. The call may or may not have reached the callee.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransport wraps err as a TransportError for the given URL.
func NewTransport(url string, err error) *TransportError {
	return &TransportError{URL: url, Err: err}
}

// RemoteError carries an application error reported by the callee over the
// wire: the remote type name and message. The dispatcher reconstructs a
// locally typed error from it when the type is registered.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRemote reports whether err is (or wraps) a RemoteError or an error
// reconstructed from one.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// remoteTypes maps remote type names to factories producing locally typed
// errors, so callers can match with errors.Is/As across the wire boundary.
var (
	remoteMu    sync.RWMutex
	remoteTypes = map[string]func(message string) error{}
)

// RegisterRemoteType registers a factory for reconstructing a remote error
// type by name. Later registrations for the same name replace earlier ones.
func RegisterRemoteType(name string, factory func(message string) error) {
	remoteMu.Lock()
	defer remoteMu.Unlock()
	remoteTypes[name] = factory
}

// Reconstruct turns a remote-reported (type, message) pair into a locally
// typed error if the type is registered, else a generic RemoteError that
// preserves both.
func Reconstruct(typeName, message string) error {
	remoteMu.RLock()
	factory, ok := remoteTypes[typeName]
	remoteMu.RUnlock()
	if ok {
		return factory(message)
	}
	return &RemoteError{Type: typeName, Message: message}
}

// TypeName returns the name under which an error is reported over the wire.
// RemoteErrors keep their original type name; everything else is reported
// under its Go type.
func TypeName(err error) string {
	var re *RemoteError
	if errors.As(err, &re) && re.Type != "" {
		return re.Type
	}
	return fmt.Sprintf("%T", err)
}

// Re-exported stdlib helpers so callers need a single errors import.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error with the given text.
func New(text string) error { return errors.New(text) }
