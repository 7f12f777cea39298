package telemetry

import (
	"errors"
	"fmt"
)

// The error classes of the pipeline. Use errors.Is to classify an error, the typed
// errors below all match their class.
var (
	ErrAuth             = errors.New("bad credentials")
	ErrAuthz            = errors.New("not authorized")
	ErrDecode           = errors.New("payload not decodable")
	ErrStore            = errors.New("store unavailable")
	ErrBackpressureDrop = errors.New("queue full, oldest record dropped")
)

// AuthError is returned when a device or user could not be authenticated. The error
// message never reveals whether the identity exists.
type AuthError struct {
	Identity string
	// Reason is for internal logging only
	Reason string
}

func (e *AuthError) Error() string { return ErrAuth.Error() }

// Is makes AuthError match ErrAuth
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// AuthzError is returned when an authenticated caller is not entitled to an operation
type AuthzError struct {
	Identity string
	Owner    OwnerKey
	Op       string
}

func (e *AuthzError) Error() string {
	return fmt.Sprintf("%s: %s on %s", ErrAuthz, e.Op, e.Owner)
}

// Is makes AuthzError match ErrAuthz
func (e *AuthzError) Is(target error) bool { return target == ErrAuthz }

// DecodeError reports a payload that was stored raw instead of decoded
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s on %s: %v", ErrDecode, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes DecodeError match ErrDecode
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// StoreError is returned when a durable write failed after all retries
type StoreError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v", ErrStore, e.Op, e.Attempts, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes StoreError match ErrStore
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// ReasonClass returns the externally visible class of err. It never contains internal
// detail and is used for negative acknowledgements and error frames.
func ReasonClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrAuthz):
		return "authz"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "internal"
	}
}
