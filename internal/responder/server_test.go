package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/certagent/internal/config"
)

const testSecret = "test-hmac-secret"

func newTestServer(t *testing.T) (*Server, *TokenStore) {
	t.Helper()

	settings := &config.ResponderSettings{
		HMACSecret:      testSecret,
		TokenTTL:        config.Duration{Duration: 5 * time.Minute},
		CleanupInterval: config.Duration{Duration: 30 * time.Second},
		MaxSkew:         config.Duration{Duration: time.Minute},
	}

	store := NewTokenStore()
	return NewServer(settings, store, zerolog.Nop()), store
}

func signedRegister(t *testing.T, url, host, token, keyAuth string, ttlSecs int64, ts time.Time) *http.Request {
	t.Helper()

	body, err := json.Marshal(RegisterRequest{
		Token:            token,
		KeyAuthorization: keyAuth,
		Host:             host,
		TTLSecs:          ttlSecs,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url+AdminPath, bytes.NewReader(body))
	require.NoError(t, err)

	payload := registrationPayload(ts.Unix(), host, token, keyAuth, ttlSecs)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts.Unix()))
	req.Header.Set(HeaderSignature, sign(testSecret, payload))

	return req
}

func TestRegisterThenServeChallenge(t *testing.T) {
	server, _ := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()
	public := httptest.NewServer(server.PublicHandler())
	defer public.Close()

	req := signedRegister(t, admin.URL, "127.0.0.1", "tok-1", "tok-1.thumb", 300, time.Now())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// httptest serves on 127.0.0.1, which is also the registered host once
	// the port is stripped.
	chResp, err := http.Get(public.URL + "/.well-known/acme-challenge/tok-1")
	require.NoError(t, err)
	defer chResp.Body.Close()
	require.Equal(t, http.StatusOK, chResp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(chResp.Body)
	require.NoError(t, err)
	require.Equal(t, "tok-1.thumb", buf.String())
}

func TestChallengeUnknownToken(t *testing.T) {
	server, _ := newTestServer(t)
	public := httptest.NewServer(server.PublicHandler())
	defer public.Close()

	resp, err := http.Get(public.URL + "/.well-known/acme-challenge/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	server, store := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	req := signedRegister(t, admin.URL, "api.mesh.internal", "tok-1", "tok-1.thumb", 300, time.Now())
	req.Header.Set(HeaderSignature, sign("wrong-secret", "whatever"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, store.Len())
}

func TestRegisterRejectsStaleTimestamp(t *testing.T) {
	server, store := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	req := signedRegister(t, admin.URL, "api.mesh.internal", "tok-1", "tok-1.thumb", 300, time.Now().Add(-5*time.Minute))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, store.Len())
}

func TestRegisterRejectsMissingHeaders(t *testing.T) {
	server, _ := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	resp, err := http.Post(admin.URL+AdminPath, "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	req, err := http.NewRequest(http.MethodPost, admin.URL+AdminPath, bytes.NewReader([]byte(`not json`)))
	require.NoError(t, err)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set(HeaderSignature, sign(testSecret, "anything"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminClientRoundTrip(t *testing.T) {
	server, store := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	client := NewAdminClient(admin.URL, testSecret, 5*time.Second, 5*time.Minute)

	require.NoError(t, client.Register(t.Context(), "api.mesh.internal", "tok-1", "tok-1.thumb"))

	keyAuth, ok := store.Get("api.mesh.internal", "tok-1")
	require.True(t, ok)
	require.Equal(t, "tok-1.thumb", keyAuth)

	require.NoError(t, client.Unregister(t.Context(), "api.mesh.internal", "tok-1"))
	require.Equal(t, 0, store.Len())
}

func TestAdminClientWrongSecret(t *testing.T) {
	server, _ := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	client := NewAdminClient(admin.URL, "wrong-secret", 5*time.Second, 5*time.Minute)

	err := client.Register(t.Context(), "api.mesh.internal", "tok-1", "tok-1.thumb")
	require.ErrorContains(t, err, "401")
}

func TestRegisterDefaultsTTL(t *testing.T) {
	server, store := newTestServer(t)
	admin := httptest.NewServer(server.AdminHandler())
	defer admin.Close()

	// TTL omitted: the signature must cover the server-side default for the
	// registration to be accepted.
	host, token, keyAuth := "api.mesh.internal", "tok-1", "tok-1.thumb"
	body, err := json.Marshal(RegisterRequest{Token: token, KeyAuthorization: keyAuth, Host: host})
	require.NoError(t, err)

	ts := time.Now().Unix()
	payload := registrationPayload(ts, host, token, keyAuth, 300)

	req, err := http.NewRequest(http.MethodPost, admin.URL+AdminPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, sign(testSecret, payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, store.Len())
}
