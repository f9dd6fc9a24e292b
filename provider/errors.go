package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// OAuth error codes the session core reacts to
const (
	CodeLoginRequired       = "login_required"
	CodeInteractionRequired = "interaction_required"
	CodeConsentRequired     = "consent_required"
	CodeInvalidGrant        = "invalid_grant"
	CodeUnauthorized        = "unauthorized"
	CodeMissingRefreshToken = "missing_refresh_token"
	CodeTimeout             = "timeout"
)

// Error is an error reported by the identity provider
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the OAuth error code carried by err, or "" when there is none.
// Deadline expiry reports CodeTimeout.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return ""
}

// RequiresInteraction reports whether the provider refused a silent request
// because the user must sign in or consent interactively.
func RequiresInteraction(err error) bool {
	switch CodeOf(err) {
	case CodeLoginRequired, CodeInteractionRequired, CodeConsentRequired:
		return true
	}
	return false
}
