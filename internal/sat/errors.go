package sat

import (
	"errors"
	"fmt"
)

// ErrPackageUnavailable matches any *PackageUnavailableError.
var ErrPackageUnavailable = errors.New("package unavailable")

// AuthFault is a rejection of the authentication envelope: bad signature,
// clock skew, revoked or wrong certificate.
type AuthFault struct {
	Code    string
	Message string
}

func (e *AuthFault) Error() string {
	return fmt.Sprintf("authentication rejected (%s): %s", e.Code, e.Message)
}

// RequestFault is a remote rejection of request, verify or download. Known is
// false for codes this client has no handling for; those are passed through
// untouched for operator review.
type RequestFault struct {
	Operation string
	Code      string
	Message   string
	Known     bool
}

func (e *RequestFault) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Operation, e.Code, e.Message)
}

// TransportError is a failure below the protocol: connection, timeout,
// unexpected HTTP status or an unparseable body.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transport failure (http %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport failure: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PackageUnavailableError is a package the remote side refuses to serve,
// either unknown or over its download limit.
type PackageUnavailableError struct {
	PackageID string
	Code      string
	Message   string
}

func (e *PackageUnavailableError) Error() string {
	return fmt.Sprintf("package %s unavailable (%s): %s", e.PackageID, e.Code, e.Message)
}

func (e *PackageUnavailableError) Is(target error) bool {
	return target == ErrPackageUnavailable
}
