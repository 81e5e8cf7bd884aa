package acme

import (
	"context"
	"crypto"
	"fmt"
	"time"

	acmeproto "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshguard/certagent/internal/config"
	"github.com/meshguard/certagent/internal/responder"
	"github.com/meshguard/certagent/internal/trust"
)

var tracer = otel.Tracer("github.com/meshguard/certagent/internal/acme")

// State identifies one step of the issuance exchange. Each non-terminal
// state has its own retry budget, driven by the profile's ordered backoff
// sequence.
type State int

const (
	StateAccount State = iota
	StateOrder
	StateAuthorization
	StateChallengeSetup
	StateValidation
	StateFinalize
	StateDownload
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccount:
		return "account"
	case StateOrder:
		return "order"
	case StateAuthorization:
		return "authorization"
	case StateChallengeSetup:
		return "challenge_setup"
	case StateValidation:
		return "validation"
	case StateFinalize:
		return "finalize"
	case StateDownload:
		return "download"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one issuance job. HardenErr is set when
// the certificate was issued and persisted but flipping the config to
// verified mode failed; callers treat that as a distinct fatal condition.
type Result struct {
	JobID        string
	ProfileName  string
	SAN          string
	CertPath     string
	KeyPath      string
	CABundlePath string
	RenewedAt    time.Time
	Err          error
	HardenErr    error
}

// Succeeded reports whether a usable credential landed on disk.
func (r *Result) Succeeded() bool {
	return r.Err == nil
}

// Job drives a single certificate through the protocol for one profile.
type Job struct {
	ID      string
	profile config.Profile
	san     string

	settings   *config.Settings
	configPath string
	insecure   bool
	client     *Client
	admin      *responder.AdminClient
	logger     zerolog.Logger

	state        State
	order        acmeproto.ExtendedOrder
	authzURL     string
	challengeURL string
	token        string
	keyAuth      string
	certKey      crypto.PrivateKey
	registered   bool
}

func NewJob(settings *config.Settings, configPath string, insecure bool, profile config.Profile, client *Client, admin *responder.AdminClient, logger zerolog.Logger) *Job {
	id := uuid.New().String()
	san := profile.SAN(settings.Domain)

	return &Job{
		ID:         id,
		profile:    profile,
		san:        san,
		settings:   settings,
		configPath: configPath,
		insecure:   insecure,
		client:     client,
		admin:      admin,
		logger: logger.With().
			Str("job_id", id).
			Str("profile", profile.Name).
			Str("san", san).
			Logger(),
		state: StateAccount,
	}
}

// Run executes the state machine to a terminal state. Transient step
// failures retry the same state using the ordered backoff sequence;
// permanent failures and exhausted budgets end the job.
func (j *Job) Run(ctx context.Context) *Result {
	ctx, span := tracer.Start(ctx, "issuance", trace.WithAttributes(
		attribute.String("job_id", j.ID),
		attribute.String("profile", j.profile.Name),
		attribute.String("san", j.san),
	))
	defer span.End()

	backoffSeq := j.settings.RetryBackoff(j.profile)
	retries := make(map[State]int)

	result := &Result{
		JobID:       j.ID,
		ProfileName: j.profile.Name,
		SAN:         j.san,
		CertPath:    j.profile.CertPath,
		KeyPath:     j.profile.KeyPath,
	}

	defer j.cleanupToken()

	for j.state != StateDone && j.state != StateFailed {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("issuance cancelled in state %s: %w", j.state, err)
			return result
		}

		span.AddEvent(j.state.String())
		stepErr := j.step(ctx, result)
		if stepErr == nil {
			continue
		}

		if IsPermanent(stepErr) {
			j.logger.Error().Err(stepErr).Str("state", j.state.String()).Msg("permanent failure")
			result.Err = fmt.Errorf("state %s: %w", j.state, stepErr)
			j.state = StateFailed
			continue
		}

		attempt := retries[j.state]
		if attempt >= len(backoffSeq) {
			j.logger.Error().Err(stepErr).Str("state", j.state.String()).Int("retries", attempt).Msg("retry budget exhausted")
			result.Err = fmt.Errorf("state %s failed after %d retries: %w", j.state, attempt, stepErr)
			j.state = StateFailed
			continue
		}

		delay := backoffSeq[attempt]
		retries[j.state] = attempt + 1
		j.logger.Warn().Err(stepErr).Str("state", j.state.String()).Dur("delay", delay).Int("attempt", attempt+1).Msg("transient failure, retrying state")

		select {
		case <-ctx.Done():
			result.Err = fmt.Errorf("issuance cancelled in state %s: %w", j.state, ctx.Err())
			return result
		case <-time.After(delay):
		}
	}

	if j.state == StateDone {
		result.RenewedAt = time.Now()
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, j.state.String())
	}

	return result
}

func (j *Job) step(ctx context.Context, result *Result) error {
	switch j.state {
	case StateAccount:
		return j.stepAccount()
	case StateOrder:
		return j.stepOrder()
	case StateAuthorization:
		return j.stepAuthorization()
	case StateChallengeSetup:
		return j.stepChallengeSetup(ctx)
	case StateValidation:
		return j.stepValidation(ctx)
	case StateFinalize:
		return j.stepFinalize(ctx)
	case StateDownload:
		return j.stepDownload(result)
	default:
		return Permanentf("job in unexpected state %s", j.state)
	}
}

func (j *Job) stepAccount() error {
	eab := j.settings.ResolveEAB(j.profile)

	account, err := j.client.RegisterAccount(j.settings.Email, eab)
	if err != nil {
		return err
	}

	j.logger.Info().Str("account", account.Location).Bool("eab", eab != nil).Msg("account registered")
	j.state = StateOrder
	return nil
}

func (j *Job) stepOrder() error {
	order, err := j.client.CreateOrder([]string{j.san})
	if err != nil {
		return err
	}
	if len(order.Authorizations) == 0 {
		return Permanentf("order has no authorizations")
	}

	j.order = order
	j.authzURL = order.Authorizations[0]
	j.logger.Info().Str("order", order.Location).Msg("order created")
	j.state = StateAuthorization
	return nil
}

func (j *Job) stepAuthorization() error {
	authz, err := j.client.GetAuthorization(j.authzURL)
	if err != nil {
		return err
	}

	if authz.Status == acmeproto.StatusInvalid {
		return Permanentf("authorization for %s is invalid", j.san)
	}
	if authz.Status == acmeproto.StatusValid {
		j.logger.Info().Msg("authorization already valid, skipping challenge")
		j.state = StateFinalize
		return nil
	}

	var challenge *acmeproto.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == "http-01" {
			challenge = &authz.Challenges[i]
			break
		}
	}
	if challenge == nil {
		return Permanentf("no http-01 challenge offered for %s", j.san)
	}

	keyAuth, err := j.client.KeyAuthorization(challenge.Token)
	if err != nil {
		return fmt.Errorf("failed to compute key authorization: %w", err)
	}

	j.challengeURL = challenge.URL
	j.token = challenge.Token
	j.keyAuth = keyAuth
	j.state = StateChallengeSetup
	return nil
}

// stepChallengeSetup publishes the key authorization before the CA is asked
// to validate. Ordering matters: a validation triggered before registration
// races the CA's probe.
func (j *Job) stepChallengeSetup(ctx context.Context) error {
	if err := j.admin.Register(ctx, j.san, j.token, j.keyAuth); err != nil {
		return fmt.Errorf("responder registration failed: %w", err)
	}

	j.registered = true
	j.logger.Info().Msg("challenge token registered with responder")
	j.state = StateValidation
	return nil
}

func (j *Job) stepValidation(ctx context.Context) error {
	if _, err := j.client.TriggerChallenge(j.challengeURL); err != nil {
		return err
	}

	authz, err := j.pollAuthorization(ctx)
	if err != nil {
		return err
	}

	switch authz.Status {
	case acmeproto.StatusValid:
		j.logger.Info().Msg("authorization validated")
		j.state = StateFinalize
		return nil
	case acmeproto.StatusInvalid:
		return Permanentf("authorization became invalid: %s", challengeError(authz))
	default:
		return fmt.Errorf("authorization still %s after %d polls", authz.Status, j.settings.ACME.PollAttempts)
	}
}

func (j *Job) pollAuthorization(ctx context.Context) (acmeproto.Authorization, error) {
	var authz acmeproto.Authorization

	for attempt := 0; attempt < j.settings.ACME.PollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return authz, ctx.Err()
			case <-time.After(j.settings.ACME.PollInterval.Duration):
			}
		}

		var err error
		authz, err = j.client.GetAuthorization(j.authzURL)
		if err != nil {
			return authz, err
		}

		if authz.Status == acmeproto.StatusValid || authz.Status == acmeproto.StatusInvalid {
			return authz, nil
		}
	}

	return authz, nil
}

func (j *Job) stepFinalize(ctx context.Context) error {
	if j.certKey == nil {
		key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
		if err != nil {
			return Permanentf("failed to generate certificate key: %v", err)
		}
		j.certKey = key
	}

	signer, ok := j.certKey.(crypto.Signer)
	if !ok {
		return Permanentf("certificate key does not implement crypto.Signer")
	}

	order, err := j.client.Finalize(j.order, signer, j.san, []string{j.san})
	if err != nil {
		return err
	}
	if order.Location != "" {
		j.order.Location = order.Location
	}

	final, err := j.pollOrder(ctx)
	if err != nil {
		return err
	}

	switch final.Status {
	case acmeproto.StatusValid:
		j.order = final
		j.state = StateDownload
		return nil
	case acmeproto.StatusInvalid:
		return Permanentf("order became invalid during finalization")
	default:
		return fmt.Errorf("order still %s after %d polls", final.Status, j.settings.ACME.PollAttempts)
	}
}

func (j *Job) pollOrder(ctx context.Context) (acmeproto.ExtendedOrder, error) {
	order := j.order

	for attempt := 0; attempt < j.settings.ACME.PollAttempts; attempt++ {
		var err error
		order, err = j.client.GetOrder(j.order.Location)
		if err != nil {
			return order, err
		}

		if order.Status == acmeproto.StatusValid || order.Status == acmeproto.StatusInvalid {
			return order, nil
		}

		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(j.settings.ACME.PollInterval.Duration):
		}
	}

	return order, nil
}

func (j *Job) stepDownload(result *Result) error {
	if j.order.Certificate == "" {
		return Permanentf("valid order has no certificate URL")
	}

	raw, err := j.client.DownloadCertificate(j.order.Certificate)
	if err != nil {
		return err
	}

	bundle, err := trust.SplitBundle(raw)
	if err != nil {
		return Permanentf("malformed certificate bundle: %v", err)
	}

	// Pinning is enforced whenever fingerprints are configured; the leaf is
	// never written on a mismatch.
	if err := trust.VerifyChain(bundle, j.settings.Trust.TrustedCASHA256); err != nil {
		return Permanentf("chain verification failed: %v", err)
	}

	keyPEM := certcrypto.PEMEncode(j.certKey)
	if err := trust.Persist(bundle, keyPEM, j.profile.CertPath, j.profile.KeyPath, j.logger); err != nil {
		return Permanentf("failed to persist credentials: %v", err)
	}
	if len(bundle.ChainPEM) > 0 {
		result.CABundlePath = trust.BundlePath(j.profile.CertPath)
	}

	j.logger.Info().Str("cert_path", j.profile.CertPath).Msg("certificate issued")

	if j.shouldHarden() {
		if err := trust.Harden(j.configPath); err != nil {
			result.HardenErr = fmt.Errorf("certificate issued but config hardening failed: %w", err)
			j.logger.Error().Err(err).Msg("config hardening failed")
		} else {
			j.logger.Info().Str("config", j.configPath).Msg("config hardened, TLS verification now enforced")
		}
	}

	j.state = StateDone
	return nil
}

// shouldHarden is true after the first non-insecure success while TLS
// verification towards the CA is still off.
func (j *Job) shouldHarden() bool {
	return j.configPath != "" &&
		!j.insecure &&
		!j.settings.Trust.VerifyCertificates
}

// cleanupToken removes a registered token at terminal states. Best effort;
// the responder expires tokens on its own.
func (j *Job) cleanupToken() {
	if !j.registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.admin.Unregister(ctx, j.san, j.token); err != nil {
		j.logger.Warn().Err(err).Msg("failed to unregister challenge token")
	}
}

func challengeError(authz acmeproto.Authorization) string {
	for _, chlg := range authz.Challenges {
		if chlg.Error != nil {
			return chlg.Error.Error()
		}
	}
	return "no challenge error reported"
}
