package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCA is an in-process ACME server covering the happy path and the
// failure shapes the issuance engine must survive. JWS envelopes are not
// verified; the engine under test is the client, not the CA.
type fakeCA struct {
	t      *testing.T
	server *httptest.Server

	mu                sync.Mutex
	directoryFailures int
	directoryHits     int
	orderFailures     int
	authzStatuses     []string
	authzHits         int
	challengeTriggers int
	onChallenge       func()

	leafPEM  []byte
	chainPEM []byte
	caCert   *x509.Certificate
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()

	ca := &fakeCA{
		t:             t,
		authzStatuses: []string{"pending", "valid"},
	}
	ca.leafPEM, ca.chainPEM, ca.caCert = issueTestChain(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/directory", ca.handleDirectory)
	mux.HandleFunc("/new-nonce", ca.handleNonce)
	mux.HandleFunc("/new-account", ca.handleNewAccount)
	mux.HandleFunc("/new-order", ca.handleNewOrder)
	mux.HandleFunc("/authz/1", ca.handleAuthz)
	mux.HandleFunc("/challenge/1", ca.handleChallenge)
	mux.HandleFunc("/order/1", ca.handleOrder)
	mux.HandleFunc("/order/1/finalize", ca.handleOrder)
	mux.HandleFunc("/cert/1", ca.handleCertificate)

	// The directory URL must be HTTPS; the bootstrap client skips verification.
	ca.server = httptest.NewTLSServer(withNonce(mux))
	t.Cleanup(ca.server.Close)

	return ca
}

// withNonce stamps a Replay-Nonce on every response, as the protocol's
// anti-replay scheme requires.
func withNonce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", time.Now().UnixNano()))
		next.ServeHTTP(w, r)
	})
}

func (ca *fakeCA) url(path string) string { return ca.server.URL + path }

func (ca *fakeCA) directoryURL() string { return ca.url("/directory") }

func (ca *fakeCA) handleDirectory(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	ca.directoryHits++
	fail := ca.directoryFailures > 0
	if fail {
		ca.directoryFailures--
	}
	ca.mu.Unlock()

	if fail {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"newNonce":   ca.url("/new-nonce"),
		"newAccount": ca.url("/new-account"),
		"newOrder":   ca.url("/new-order"),
		"revokeCert": ca.url("/revoke-cert"),
		"keyChange":  ca.url("/key-change"),
	})
}

func (ca *fakeCA) handleNonce(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (ca *fakeCA) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Location", ca.url("/account/1"))
	writeJSON(w, http.StatusCreated, map[string]any{"status": "valid"})
}

func (ca *fakeCA) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	fail := ca.orderFailures > 0
	if fail {
		ca.orderFailures--
	}
	ca.mu.Unlock()

	if fail {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", ca.url("/order/1"))
	writeJSON(w, http.StatusCreated, ca.orderBody("pending", false))
}

func (ca *fakeCA) handleOrder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ca.orderBody("valid", true))
}

func (ca *fakeCA) orderBody(status string, withCert bool) map[string]any {
	body := map[string]any{
		"status":         status,
		"expires":        time.Now().Add(time.Hour).Format(time.RFC3339),
		"identifiers":    []map[string]string{{"type": "dns", "value": "i-1.api.node-7.mesh.internal"}},
		"authorizations": []string{ca.url("/authz/1")},
		"finalize":       ca.url("/order/1/finalize"),
	}
	if withCert {
		body["certificate"] = ca.url("/cert/1")
	}
	return body
}

func (ca *fakeCA) handleAuthz(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	idx := ca.authzHits
	if idx >= len(ca.authzStatuses) {
		idx = len(ca.authzStatuses) - 1
	}
	status := ca.authzStatuses[idx]
	ca.authzHits++
	ca.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"expires":    time.Now().Add(time.Hour).Format(time.RFC3339),
		"identifier": map[string]string{"type": "dns", "value": "i-1.api.node-7.mesh.internal"},
		"challenges": []map[string]any{
			{"type": "http-01", "url": ca.url("/challenge/1"), "status": "pending", "token": "tok-1"},
			{"type": "dns-01", "url": ca.url("/challenge/2"), "status": "pending", "token": "tok-2"},
		},
	})
}

func (ca *fakeCA) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	ca.challengeTriggers++
	hook := ca.onChallenge
	ca.mu.Unlock()

	if hook != nil {
		hook()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type": "http-01", "url": ca.url("/challenge/1"), "status": "pending", "token": "tok-1",
	})
}

func (ca *fakeCA) handleCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(append([]byte{}, ca.leafPEM...), ca.chainPEM...))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// issueTestChain builds a CA certificate and a leaf signed by it.
func issueTestChain(t *testing.T) (leafPEM, chainPEM []byte, caCert *x509.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Mesh Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err = x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "i-1.api.node-7.mesh.internal"},
		DNSNames:     []string{"i-1.api.node-7.mesh.internal"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	require.NoError(t, err)

	leafPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	chainPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})

	return leafPEM, chainPEM, caCert
}
