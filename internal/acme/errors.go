package acme

import (
	"errors"
	"fmt"

	acmeproto "github.com/go-acme/lego/v4/acme"
)

const problemNS = "urn:ietf:params:acme:error:"

// Problem types that no amount of retrying will fix. Anything else from the
// CA, and any transport error, is treated as transient.
var permanentProblemTypes = map[string]struct{}{
	problemNS + "badCSR":                  {},
	problemNS + "unauthorized":            {},
	problemNS + "accountDoesNotExist":     {},
	problemNS + "externalAccountRequired": {},
	problemNS + "rejectedIdentifier":      {},
	problemNS + "malformed":               {},
	problemNS + "userActionRequired":      {},
	problemNS + "caa":                     {},
}

// permanentError wraps a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanentf marks an error as unretryable.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether an issuance step failure is unretryable,
// either because it was marked so or because the CA returned a problem
// document whose type cannot succeed on retry.
func IsPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}

	var pd *acmeproto.ProblemDetails
	if errors.As(err, &pd) {
		return isPermanentProblem(pd)
	}

	return false
}

func isPermanentProblem(pd *acmeproto.ProblemDetails) bool {
	if _, ok := permanentProblemTypes[pd.Type]; ok {
		return true
	}
	// Server-side problems are worth retrying even when typed.
	return pd.HTTPStatus >= 400 && pd.HTTPStatus < 500 && pd.Type != problemNS+"badNonce" && pd.Type != problemNS+"rateLimited"
}
