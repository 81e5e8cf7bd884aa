package acme

import (
	"errors"
	"fmt"
	"testing"

	acmeproto "github.com/go-acme/lego/v4/acme"
	"github.com/stretchr/testify/require"
)

func TestIsPermanentProblemTypes(t *testing.T) {
	permanent := []string{"badCSR", "unauthorized", "externalAccountRequired", "rejectedIdentifier", "malformed"}
	for _, typ := range permanent {
		err := &acmeproto.ProblemDetails{Type: problemNS + typ, HTTPStatus: 400}
		require.True(t, IsPermanent(fmt.Errorf("request failed: %w", err)), typ)
	}

	transient := []struct {
		typ    string
		status int
	}{
		{"badNonce", 400},
		{"rateLimited", 429},
		{"serverInternal", 500},
	}
	for _, tc := range transient {
		err := &acmeproto.ProblemDetails{Type: problemNS + tc.typ, HTTPStatus: tc.status}
		require.False(t, IsPermanent(fmt.Errorf("request failed: %w", err)), tc.typ)
	}
}

func TestIsPermanentMarked(t *testing.T) {
	require.True(t, IsPermanent(Permanentf("authorization for %s is invalid", "x")))
	require.False(t, IsPermanent(errors.New("connection refused")))
	require.False(t, IsPermanent(fmt.Errorf("fetch directory: %w", errors.New("connection refused"))))
	require.False(t, IsPermanent(nil))
}

func TestIsPermanentClientErrorsWithoutType(t *testing.T) {
	err := &acmeproto.ProblemDetails{Type: problemNS + "unsupportedContact", HTTPStatus: 400}
	require.True(t, IsPermanent(err))

	err = &acmeproto.ProblemDetails{HTTPStatus: 503}
	require.False(t, IsPermanent(err))
}
