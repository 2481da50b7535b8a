package auth

import "errors"

// Sentinel errors returned by the auth package. Callers should use errors.Is
// for comparison.
var (
	// ErrInvalidAdminPassword is returned when the X-Admin-Password header
	// does not match the configured admin password.
	ErrInvalidAdminPassword = errors.New("auth: invalid admin password")

	// ErrAdminPasswordNotConfigured is returned when no admin password has
	// been set, making every admin-protected endpoint unreachable.
	ErrAdminPasswordNotConfigured = errors.New("auth: admin password not configured")

	// ErrTokenMalformed names a bearer token that does not parse as a signed
	// token. TokenManager.Verify does not return it: a token that fails to
	// parse is reported as ErrTokenInvalid.
	ErrTokenMalformed = errors.New("auth: malformed bearer token")

	// ErrTokenInvalid is returned when a bearer token fails signature
	// verification, names no stored token, or does not match the stored hash.
	ErrTokenInvalid = errors.New("auth: invalid bearer token")

	// ErrTokenRevoked is returned when a bearer token was found but its
	// RevokedAt is set.
	ErrTokenRevoked = errors.New("auth: bearer token revoked")
)
