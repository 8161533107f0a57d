package session

import (
	"errors"

	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
)

// Error kinds. Match them with errors.Is against an error returned by the
// controller or recorded in the store.
var (
	ErrProfileFetchTimeout   = errors.New("session: profile fetch timeout")
	ErrProfileNotFound       = errors.New("session: profile not found")
	ErrGateway               = errors.New("session: gateway error")
	ErrUserCreationFailed    = errors.New("session: user creation failed")
	ErrProfileCreationFailed = errors.New("session: profile creation failed")
	ErrOperationFailed       = errors.New("session: operation failed")
)

const (
	messageProfileTimeout     = "Profile fetch timed out"
	messageProfileNotFound    = "User profile not found"
	messageProfileFetchFailed = "Failed to fetch user profile"
	messageUserCreation       = "User creation failed"
	messageProfileCreation    = "Profile creation failed"
	messageSignInFailed       = "Sign in failed"
	messageSignUpFailed       = "Sign up failed"
	messageSignOutFailed      = "Sign out failed"
	messageBootstrapFailed    = "Session initialization failed"
	messageChangeFailed       = "Auth state change error"

	// MessageConfirmationSent is recorded when sign-up needs email confirmation.
	MessageConfirmationSent = "Confirmation email sent. Please verify your account."
)

// Error is an auth failure with a user-facing message.
type Error struct {
	kind    error
	message string
	cause   error
}

func newError(kind error, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func (e *Error) Error() string {
	return e.message
}

// Kind returns the taxonomy sentinel for the failure.
func (e *Error) Kind() error {
	return e.kind
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// classify converts any failure into an *Error. Gateway messages pass through
// verbatim; anything unrecognizable gets the operation's fallback message.
func classify(err error, fallback string) *Error {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr
	}
	if gatewayErr, ok := gateway.AsError(err); ok && gatewayErr.Message != "" {
		return newError(ErrGateway, gatewayErr.Message, err)
	}
	return newError(ErrOperationFailed, fallback, err)
}
