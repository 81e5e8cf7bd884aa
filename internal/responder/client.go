package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AdminClient registers challenge tokens with a responder's admin endpoint
// before the CA is asked to validate them.
type AdminClient struct {
	baseURL    string
	secret     string
	tokenTTL   time.Duration
	httpClient *http.Client

	now func() time.Time
}

func NewAdminClient(baseURL, secret string, timeout, tokenTTL time.Duration) *AdminClient {
	return &AdminClient{
		baseURL:    baseURL,
		secret:     secret,
		tokenTTL:   tokenTTL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Register makes the key authorization available for host before validation
// is triggered. The responder expires the token after the configured TTL.
func (c *AdminClient) Register(ctx context.Context, host, token, keyAuthorization string) error {
	ttlSecs := int64(c.tokenTTL / time.Second)
	timestamp := c.now().Unix()

	body, err := json.Marshal(RegisterRequest{
		Token:            token,
		KeyAuthorization: keyAuthorization,
		Host:             host,
		TTLSecs:          ttlSecs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	payload := registrationPayload(timestamp, host, token, keyAuthorization, ttlSecs)

	return c.do(ctx, http.MethodPost, timestamp, payload, body)
}

// Unregister removes the token. Callers treat failures as best effort since
// the responder expires tokens on its own.
func (c *AdminClient) Unregister(ctx context.Context, host, token string) error {
	timestamp := c.now().Unix()

	body, err := json.Marshal(RemoveRequest{Token: token, Host: host})
	if err != nil {
		return fmt.Errorf("failed to encode removal: %w", err)
	}

	payload := removalPayload(timestamp, host, token)

	return c.do(ctx, http.MethodDelete, timestamp, payload, body)
}

func (c *AdminClient) do(ctx context.Context, method string, timestamp int64, payload string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+AdminPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", timestamp))
	req.Header.Set(HeaderSignature, sign(c.secret, payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("responder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("responder returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	return nil
}
