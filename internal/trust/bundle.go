package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

// Bundle is a downloaded certificate chain split into the end-entity
// certificate and the issuing chain, both kept as PEM.
type Bundle struct {
	LeafPEM  []byte
	ChainPEM []byte
}

// SplitBundle separates the first PEM block from the rest. ACME servers
// return the end-entity certificate first, followed by intermediates.
func SplitBundle(bundle []byte) (*Bundle, error) {
	block, rest := pem.Decode(bundle)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in certificate bundle")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q in certificate bundle", block.Type)
	}

	leaf := pem.EncodeToMemory(block)

	return &Bundle{LeafPEM: leaf, ChainPEM: rest}, nil
}

// Leaf parses the end-entity certificate.
func (b *Bundle) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(b.LeafPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in leaf certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	return cert, nil
}

// ChainCertificates parses every certificate in the chain.
func (b *Bundle) ChainCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	rest := b.ChainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse chain certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	return certs, nil
}

// Fingerprint returns the lowercase SHA-256 hex digest of the certificate's
// DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that every certificate in the chain matches one of the
// pinned fingerprints. An empty chain with pins configured fails, as does
// any unpinned certificate.
func VerifyChain(bundle *Bundle, pinned []string) error {
	if len(pinned) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(pinned))
	for _, fp := range pinned {
		allowed[strings.ToLower(fp)] = struct{}{}
	}

	chain, err := bundle.ChainCertificates()
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return fmt.Errorf("certificate bundle has no chain to verify against pinned fingerprints")
	}

	for _, cert := range chain {
		fp := Fingerprint(cert)
		if _, ok := allowed[fp]; !ok {
			return fmt.Errorf("chain certificate %q has unpinned fingerprint %s", cert.Subject.CommonName, fp)
		}
	}

	return nil
}
