package tunnel

import "fmt"

// ConfigError reports an invalid address, port, or path supplied to a
// ForwardingRule or GatewaySpec.
type ConfigError struct {
	Value string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %q", e.Msg, e.Value)
}

// NoAuthMethodsError is raised when the Authentication Resolver produces an
// empty credential list.
type NoAuthMethodsError struct {
	Gateway string
}

func (e *NoAuthMethodsError) Error() string {
	return fmt.Sprintf("no authentication methods available for gateway %s", e.Gateway)
}

// AuthenticationError is raised when every candidate credential is rejected
// by the gateway.
type AuthenticationError struct {
	Gateway string
	Last    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Gateway, e.Last)
}

func (e *AuthenticationError) Unwrap() error { return e.Last }

// HostKeyError is raised when a gateway's presented host key fails the
// configured HostKeyPolicy.
type HostKeyError struct {
	Gateway     string
	Fingerprint string
	Reason      string
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key rejected for %s (%s): %s", e.Gateway, e.Fingerprint, e.Reason)
}

// SessionError reports that the SSH transport opened but later failed.
type SessionError struct {
	Gateway string
	Cause   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session to %s failed: %v", e.Gateway, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// ListenerError reports that a local bind failed for one rule.
type ListenerError struct {
	LocalBind string
	Cause     error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for %s failed: %v", e.LocalBind, e.Cause)
}

func (e *ListenerError) Unwrap() error { return e.Cause }

// HandlerError reports that a single connection's channel open or byte
// shuttle failed. It never surfaces past the connection it describes.
type HandlerError struct {
	LocalBind string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.LocalBind, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// AggregateError collects per-rule ListenerErrors raised during start() when
// mute_exceptions is false.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d listener(s) failed to start: %v", len(e.Errors), e.Errors)
}

// ShutdownTimeout reports that stop() exceeded TunnelTimeout waiting for a
// graceful drain and escalated to a forced close.
type ShutdownTimeout struct {
	Waited string
}

func (e *ShutdownTimeout) Error() string {
	return fmt.Sprintf("stop exceeded timeout after %s, forcing close", e.Waited)
}
