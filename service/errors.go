package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrIdentityConflict = errors.New("username already exists with different key")
	ErrNoChallenge      = errors.New("no challenge")
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrUnauthenticated  = errors.New("not verified")
	ErrMalformedRequest = errors.New("malformed request")
	ErrStoreUnavailable = errors.New("store unavailable")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// ErrorCode is the stable code sent to clients alongside the message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrIdentityConflict):
		return "identity_conflict"
	case errors.Is(err, ErrNoChallenge):
		return "no_challenge"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// NewErrorData builds the error_msg payload for a failed operation. Store
// failures during the handshake are worth resubmitting; everywhere else the
// operation simply did not happen.
func NewErrorData(eventType string, err error) ErrorData {
	retryable := errors.Is(err, ErrStoreUnavailable) &&
		(eventType == EventRegister || eventType == EventVerifySignature)

	message := err.Error()
	if errors.Is(err, ErrStoreUnavailable) {
		// Backend details stay in the server log
		message = ErrStoreUnavailable.Error()
	}

	return ErrorData{
		Message:   message,
		Code:      ErrorCode(err),
		Retryable: retryable,
	}
}
