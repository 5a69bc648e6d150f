package configstream

import "github.com/vitaliisemenov/configstream/internal/apierr"

// Error codes surfaced to callers, mirroring the taxonomy in the wire
// protocol documentation.
const (
	CodeNotFound       = apierr.NotFound
	CodeTimeout        = apierr.Timeout
	CodeNetworkError   = apierr.NetworkError
	CodeAuthError      = apierr.AuthError
	CodeForbidden      = apierr.Forbidden
	CodeServerError    = apierr.ServerError
	CodeClientError    = apierr.ClientError
	CodeClosed         = apierr.Closed
	CodeNotInitialized = apierr.NotInitialized
	CodeUnknown        = apierr.Unknown
)

// Code identifies the category of a Error.
type Code = apierr.Code

// Error is the error type returned by every operation in this package.
type Error = apierr.Error

// IsCode reports whether err is, or wraps, a Error with the given code.
func IsCode(err error, code Code) bool {
	return apierr.Is(err, code)
}
