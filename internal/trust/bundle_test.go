package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testCert struct {
	cert *x509.Certificate
	pem  []byte
}

// generateCert self-signs; fingerprint pinning never validates signatures,
// so a real chain is unnecessary.
func generateCert(t *testing.T, cn string, isCA bool) *testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCert{
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func TestSplitBundle(t *testing.T) {
	leaf := generateCert(t, "api.mesh.internal", false)
	intermediate := generateCert(t, "Mesh Intermediate CA", true)
	root := generateCert(t, "Mesh Root CA", true)

	raw := append(append(append([]byte{}, leaf.pem...), intermediate.pem...), root.pem...)

	bundle, err := SplitBundle(raw)
	require.NoError(t, err)

	parsedLeaf, err := bundle.Leaf()
	require.NoError(t, err)
	require.Equal(t, "api.mesh.internal", parsedLeaf.Subject.CommonName)

	chain, err := bundle.ChainCertificates()
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "Mesh Intermediate CA", chain[0].Subject.CommonName)
	require.Equal(t, "Mesh Root CA", chain[1].Subject.CommonName)
}

func TestSplitBundleRejectsGarbage(t *testing.T) {
	_, err := SplitBundle([]byte("not pem at all"))
	require.Error(t, err)
}

func TestVerifyChainPinned(t *testing.T) {
	leaf := generateCert(t, "api.mesh.internal", false)
	ca := generateCert(t, "Mesh Root CA", true)

	bundle, err := SplitBundle(append(append([]byte{}, leaf.pem...), ca.pem...))
	require.NoError(t, err)

	require.NoError(t, VerifyChain(bundle, []string{Fingerprint(ca.cert)}))
}

func TestVerifyChainRejectsUnpinned(t *testing.T) {
	leaf := generateCert(t, "api.mesh.internal", false)
	ca := generateCert(t, "Mesh Root CA", true)
	other := generateCert(t, "Some Other CA", true)

	bundle, err := SplitBundle(append(append([]byte{}, leaf.pem...), ca.pem...))
	require.NoError(t, err)

	err = VerifyChain(bundle, []string{Fingerprint(other.cert)})
	require.ErrorContains(t, err, "unpinned")
}

func TestVerifyChainFailsClosedOnEmptyChain(t *testing.T) {
	leaf := generateCert(t, "api.mesh.internal", false)

	bundle, err := SplitBundle(leaf.pem)
	require.NoError(t, err)

	ca := generateCert(t, "Mesh Root CA", true)
	require.Error(t, VerifyChain(bundle, []string{Fingerprint(ca.cert)}))
}

func TestVerifyChainNoPinsIsNoop(t *testing.T) {
	leaf := generateCert(t, "api.mesh.internal", false)

	bundle, err := SplitBundle(leaf.pem)
	require.NoError(t, err)

	require.NoError(t, VerifyChain(bundle, nil))
}
