package acme

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	acmeproto "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/rs/zerolog"

	"github.com/meshguard/certagent/internal/config"
)

const userAgent = "certagent"

// Client wraps the low-level protocol services with a fresh account key.
// Accounts are ephemeral; identity comes from external account binding, not
// from a persisted account key.
type Client struct {
	core       *api.Core
	accountKey crypto.PrivateKey
	settings   *config.Settings
	logger     zerolog.Logger
}

// Bootstrap generates an account key, builds the HTTP client according to
// the trust settings and fetches the CA directory, retrying transient
// directory failures with exponential backoff.
func Bootstrap(ctx context.Context, settings *config.Settings, insecure bool, logger zerolog.Logger) (*Client, error) {
	accountKey, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	httpClient, err := newHTTPClient(settings.Trust, insecure)
	if err != nil {
		return nil, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = settings.ACME.DirectoryFetchBaseDelay.Duration
	expo.MaxInterval = settings.ACME.DirectoryFetchMaxDelay.Duration

	attempt := 0
	core, err := backoff.Retry(ctx, func() (*api.Core, error) {
		attempt++
		core, err := api.New(httpClient, userAgent, settings.Server, "", accountKey)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Str("server", settings.Server).Msg("directory fetch failed")
			return nil, err
		}
		return core, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(settings.ACME.DirectoryFetchAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directory from %s after %d attempts: %w", settings.Server, settings.ACME.DirectoryFetchAttempts, err)
	}

	return &Client{
		core:       core,
		accountKey: accountKey,
		settings:   settings,
		logger:     logger,
	}, nil
}

func newHTTPClient(trust config.TrustSettings, insecure bool) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case insecure || !trust.VerifyCertificates:
		// Bootstrap mode: the CA's own TLS certificate may not be trusted
		// yet. Hardening flips verify_certificates after the first success.
		tlsConfig.InsecureSkipVerify = true
	case trust.CABundlePath != "":
		pemData, err := os.ReadFile(trust.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", trust.CABundlePath)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   30 * time.Second,
	}, nil
}

// RegisterAccount creates an account, binding it to an external account when
// credentials are present.
func (c *Client) RegisterAccount(email string, eab *config.EAB) (acmeproto.ExtendedAccount, error) {
	accMsg := acmeproto.Account{
		TermsOfServiceAgreed: true,
		Contact:              []string{"mailto:" + email},
	}

	if eab != nil {
		account, err := c.core.Accounts.NewEAB(accMsg, eab.KID, eab.HMAC)
		if err != nil {
			return account, fmt.Errorf("account registration with EAB failed: %w", err)
		}
		return account, nil
	}

	account, err := c.core.Accounts.New(accMsg)
	if err != nil {
		return account, fmt.Errorf("account registration failed: %w", err)
	}
	return account, nil
}

// CreateOrder opens a new order for the given identifiers.
func (c *Client) CreateOrder(domains []string) (acmeproto.ExtendedOrder, error) {
	order, err := c.core.Orders.New(domains)
	if err != nil {
		return order, fmt.Errorf("order creation failed: %w", err)
	}
	return order, nil
}

// GetOrder refreshes order state from the CA.
func (c *Client) GetOrder(orderURL string) (acmeproto.ExtendedOrder, error) {
	return c.core.Orders.Get(orderURL)
}

// GetAuthorization fetches an authorization resource.
func (c *Client) GetAuthorization(authzURL string) (acmeproto.Authorization, error) {
	return c.core.Authorizations.Get(authzURL)
}

// KeyAuthorization derives the token's key authorization from the account
// key thumbprint.
func (c *Client) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

// TriggerChallenge tells the CA the challenge is ready for validation.
func (c *Client) TriggerChallenge(challengeURL string) (acmeproto.ExtendedChallenge, error) {
	chlg, err := c.core.Challenges.New(challengeURL)
	if err != nil {
		return chlg, fmt.Errorf("challenge trigger failed: %w", err)
	}
	return chlg, nil
}

// Finalize submits a CSR for the order's identifiers signed by certKey.
func (c *Client) Finalize(order acmeproto.ExtendedOrder, certKey crypto.Signer, commonName string, sans []string) (acmeproto.ExtendedOrder, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: sans,
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, template, certKey)
	if err != nil {
		return order, fmt.Errorf("failed to create CSR: %w", err)
	}

	finalized, err := c.core.Orders.UpdateForCSR(order.Finalize, csr)
	if err != nil {
		return finalized, fmt.Errorf("order finalization failed: %w", err)
	}
	return finalized, nil
}

// DownloadCertificate fetches the issued bundle, end-entity certificate
// first.
func (c *Client) DownloadCertificate(certURL string) ([]byte, error) {
	cert, _, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return nil, fmt.Errorf("certificate download failed: %w", err)
	}
	return cert, nil
}
