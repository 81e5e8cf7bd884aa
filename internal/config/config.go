// Package config loads and validates agent and responder settings from a
// TOML file, environment variables, and CLI overrides, in that order.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML and env values can be written as
// "30s", "1h", etc.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// FailurePolicy controls what happens to the remaining hooks in a list when
// one of them fails.
type FailurePolicy string

const (
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyStop     FailurePolicy = "stop"
)

func (p *FailurePolicy) UnmarshalText(text []byte) error {
	switch FailurePolicy(text) {
	case FailurePolicyContinue, FailurePolicyStop:
		*p = FailurePolicy(text)
		return nil
	case "":
		*p = FailurePolicyContinue
		return nil
	default:
		return fmt.Errorf("invalid on_failure policy %q (want continue or stop)", text)
	}
}

// Settings is the root agent configuration.
type Settings struct {
	Email     string            `toml:"email" env:"CERTAGENT_EMAIL"`
	Server    string            `toml:"server" env:"CERTAGENT_SERVER"`
	Domain    string            `toml:"domain" env:"CERTAGENT_DOMAIN"`
	EAB       *EAB              `toml:"eab"`
	ACME      ACMESettings      `toml:"acme" envPrefix:"CERTAGENT_ACME_"`
	Retry     RetrySettings     `toml:"retry"`
	Trust     TrustSettings     `toml:"trust"`
	Scheduler SchedulerSettings `toml:"scheduler"`
	Profiles  []Profile         `toml:"profiles"`
}

// EAB is an external account binding credential pair.
type EAB struct {
	KID  string `toml:"kid" json:"kid" env:"CERTAGENT_EAB_KID"`
	HMAC string `toml:"hmac" json:"hmac" env:"CERTAGENT_EAB_HMAC"`
}

// ACMESettings bounds every network step of the protocol exchange and points
// the orchestrator at the challenge responder's admin API.
type ACMESettings struct {
	DirectoryFetchAttempts  uint     `toml:"directory_fetch_attempts"`
	DirectoryFetchBaseDelay Duration `toml:"directory_fetch_base_delay"`
	DirectoryFetchMaxDelay  Duration `toml:"directory_fetch_max_delay"`
	PollAttempts            int      `toml:"poll_attempts"`
	PollInterval            Duration `toml:"poll_interval"`
	ResponderURL            string   `toml:"responder_url"`
	ResponderHMAC           string   `toml:"responder_hmac" env:"RESPONDER_HMAC"`
	ResponderTimeout        Duration `toml:"responder_timeout"`
	ResponderTokenTTL       Duration `toml:"responder_token_ttl"`
}

// RetrySettings is an ordered backoff sequence; its length bounds the number
// of retries for a recoverable protocol-state error.
type RetrySettings struct {
	Backoff []Duration `toml:"backoff"`
}

// TrustSettings pins the accepted issuer chain and controls TLS verification
// towards the CA.
type TrustSettings struct {
	CABundlePath       string   `toml:"ca_bundle_path"`
	TrustedCASHA256    []string `toml:"trusted_ca_sha256"`
	VerifyCertificates bool     `toml:"verify_certificates"`
}

type SchedulerSettings struct {
	MaxConcurrent int64 `toml:"max_concurrent"`
}

// Profile is one certificate identity. It is snapshotted when an issuance
// job starts; config reloads only affect jobs started afterwards.
type Profile struct {
	Name        string         `toml:"name"`
	ServiceName string         `toml:"service_name"`
	InstanceID  string         `toml:"instance_id"`
	Hostname    string         `toml:"hostname"`
	CertPath    string         `toml:"cert_path"`
	KeyPath     string         `toml:"key_path"`
	Daemon      DaemonSettings `toml:"daemon"`
	Retry       *RetrySettings `toml:"retry"`
	EAB         *EAB           `toml:"eab"`
	Hooks       HookSettings   `toml:"hooks"`
}

// SAN composes the profile's single DNS identifier.
func (p Profile) SAN(domain string) string {
	return fmt.Sprintf("%s.%s.%s.%s", p.InstanceID, p.ServiceName, p.Hostname, domain)
}

type DaemonSettings struct {
	CheckInterval Duration `toml:"check_interval"`
	RenewBefore   Duration `toml:"renew_before"`
	CheckJitter   Duration `toml:"check_jitter"`
}

type HookSettings struct {
	Success []Hook `toml:"success"`
	Failure []Hook `toml:"failure"`
}

// Hook is one operator-defined post-issuance command.
type Hook struct {
	Command        string        `toml:"command"`
	Args           []string      `toml:"args"`
	Dir            string        `toml:"dir"`
	Timeout        Duration      `toml:"timeout"`
	RetryBackoff   []Duration    `toml:"retry_backoff"`
	MaxOutputBytes int64         `toml:"max_output_bytes"`
	OnFailure      FailurePolicy `toml:"on_failure"`
}

const (
	defaultServer                  = "https://localhost:9000/acme/acme/directory"
	defaultEmail                   = "admin@example.com"
	defaultDirectoryFetchAttempts  = 10
	defaultDirectoryFetchBaseDelay = time.Second
	defaultDirectoryFetchMaxDelay  = 10 * time.Second
	defaultPollAttempts            = 15
	defaultPollInterval            = 2 * time.Second
	defaultResponderTimeout        = 5 * time.Second
	defaultResponderTokenTTL       = 5 * time.Minute
	defaultCheckInterval           = time.Hour
	defaultRenewBefore             = 720 * time.Hour
	defaultMaxConcurrent           = 4
	defaultHookTimeout             = 30 * time.Second
)

func defaultSettings() Settings {
	return Settings{
		Email:  defaultEmail,
		Server: defaultServer,
		ACME: ACMESettings{
			DirectoryFetchAttempts:  defaultDirectoryFetchAttempts,
			DirectoryFetchBaseDelay: Duration{defaultDirectoryFetchBaseDelay},
			DirectoryFetchMaxDelay:  Duration{defaultDirectoryFetchMaxDelay},
			PollAttempts:            defaultPollAttempts,
			PollInterval:            Duration{defaultPollInterval},
			ResponderTimeout:        Duration{defaultResponderTimeout},
			ResponderTokenTTL:       Duration{defaultResponderTokenTTL},
		},
		Retry: RetrySettings{
			Backoff: []Duration{{5 * time.Second}, {10 * time.Second}, {30 * time.Second}},
		},
		Scheduler: SchedulerSettings{MaxConcurrent: defaultMaxConcurrent},
	}
}

// Load reads settings from the TOML file at path (missing file means
// defaults only), then applies environment overrides.
func Load(path string) (*Settings, error) {
	settings := defaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults + env only
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.Parse(&settings); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	applyProfileDefaults(&settings)

	return &settings, nil
}

func applyProfileDefaults(settings *Settings) {
	for i := range settings.Profiles {
		profile := &settings.Profiles[i]
		if profile.Name == "" {
			profile.Name = fmt.Sprintf("%s-%s", profile.ServiceName, profile.InstanceID)
		}
		if profile.Daemon.CheckInterval.Duration == 0 {
			profile.Daemon.CheckInterval = Duration{defaultCheckInterval}
		}
		if profile.Daemon.RenewBefore.Duration == 0 {
			profile.Daemon.RenewBefore = Duration{defaultRenewBefore}
		}
		applyHookDefaults(profile.Hooks.Success)
		applyHookDefaults(profile.Hooks.Failure)
	}
}

func applyHookDefaults(hooks []Hook) {
	for i := range hooks {
		if hooks[i].Timeout.Duration == 0 {
			hooks[i].Timeout = Duration{defaultHookTimeout}
		}
		if hooks[i].OnFailure == "" {
			hooks[i].OnFailure = FailurePolicyContinue
		}
	}
}

// Validate rejects settings an issuance run cannot safely operate under.
func (s *Settings) Validate() error {
	if s.Email == "" {
		return errors.New("email must not be empty")
	}
	if s.Server == "" {
		return errors.New("server must not be empty")
	}
	if s.Domain == "" {
		return errors.New("domain must not be empty")
	}
	if s.ACME.DirectoryFetchAttempts == 0 {
		return errors.New("acme.directory_fetch_attempts must be greater than 0")
	}
	if s.ACME.DirectoryFetchBaseDelay.Duration <= 0 {
		return errors.New("acme.directory_fetch_base_delay must be greater than 0")
	}
	if s.ACME.DirectoryFetchMaxDelay.Duration < s.ACME.DirectoryFetchBaseDelay.Duration {
		return errors.New("acme.directory_fetch_base_delay must be <= acme.directory_fetch_max_delay")
	}
	if s.ACME.PollAttempts <= 0 {
		return errors.New("acme.poll_attempts must be greater than 0")
	}
	if s.ACME.PollInterval.Duration <= 0 {
		return errors.New("acme.poll_interval must be greater than 0")
	}
	if s.ACME.ResponderURL == "" {
		return errors.New("acme.responder_url must not be empty")
	}
	if s.ACME.ResponderHMAC == "" {
		return errors.New("acme.responder_hmac must not be empty")
	}
	if err := validateBackoff("retry.backoff", s.Retry.Backoff); err != nil {
		return err
	}
	if s.Scheduler.MaxConcurrent <= 0 {
		return errors.New("scheduler.max_concurrent must be greater than 0")
	}
	if err := s.Trust.validate(); err != nil {
		return err
	}
	if len(s.Profiles) == 0 {
		return errors.New("at least one profile must be configured")
	}
	return s.validateProfiles()
}

func (s *Settings) validateProfiles() error {
	seenPaths := make(map[string]string)
	seenNames := make(map[string]struct{})
	for _, profile := range s.Profiles {
		if profile.ServiceName == "" || profile.InstanceID == "" || profile.Hostname == "" {
			return fmt.Errorf("profile %q: service_name, instance_id and hostname are required", profile.Name)
		}
		if profile.CertPath == "" || profile.KeyPath == "" {
			return fmt.Errorf("profile %q: cert_path and key_path are required", profile.Name)
		}
		if _, ok := seenNames[profile.Name]; ok {
			return fmt.Errorf("duplicate profile name %q", profile.Name)
		}
		seenNames[profile.Name] = struct{}{}
		// Output paths are exclusive per profile so concurrent jobs never
		// write to the same file.
		for _, path := range []string{profile.CertPath, profile.KeyPath} {
			if owner, ok := seenPaths[path]; ok {
				return fmt.Errorf("profile %q: output path %s already used by profile %q", profile.Name, path, owner)
			}
			seenPaths[path] = profile.Name
		}
		if profile.Retry != nil {
			if err := validateBackoff(fmt.Sprintf("profile %q retry.backoff", profile.Name), profile.Retry.Backoff); err != nil {
				return err
			}
		}
		if err := validateHooks(profile.Name, profile.Hooks.Success); err != nil {
			return err
		}
		if err := validateHooks(profile.Name, profile.Hooks.Failure); err != nil {
			return err
		}
	}
	return nil
}

func (t TrustSettings) validate() error {
	if len(t.TrustedCASHA256) > 0 && t.CABundlePath == "" {
		return errors.New("trust.ca_bundle_path must be set when trust.trusted_ca_sha256 is configured")
	}
	for _, fingerprint := range t.TrustedCASHA256 {
		if len(fingerprint) != 64 {
			return fmt.Errorf("trust.trusted_ca_sha256 entry %q must be 64 hex characters", fingerprint)
		}
		if _, err := hex.DecodeString(fingerprint); err != nil {
			return fmt.Errorf("trust.trusted_ca_sha256 entry %q is not valid hex: %w", fingerprint, err)
		}
	}
	return nil
}

func validateBackoff(label string, backoff []Duration) error {
	if len(backoff) == 0 {
		return fmt.Errorf("%s must not be empty", label)
	}
	for _, delay := range backoff {
		if delay.Duration <= 0 {
			return fmt.Errorf("%s values must be greater than 0", label)
		}
	}
	return nil
}

func validateHooks(profileName string, hooks []Hook) error {
	for _, hook := range hooks {
		if hook.Command == "" {
			return fmt.Errorf("profile %q: hook command must not be empty", profileName)
		}
		if hook.Timeout.Duration <= 0 {
			return fmt.Errorf("profile %q: hook %q timeout must be greater than 0", profileName, hook.Command)
		}
	}
	return nil
}

// RetryBackoff returns the effective backoff sequence for a profile,
// preferring its override over the global setting.
func (s *Settings) RetryBackoff(profile Profile) []time.Duration {
	source := s.Retry.Backoff
	if profile.Retry != nil {
		source = profile.Retry.Backoff
	}
	backoff := make([]time.Duration, len(source))
	for i, d := range source {
		backoff[i] = d.Duration
	}
	return backoff
}

// ResolveEAB returns the effective EAB credentials for a profile: the
// profile override wins over the global credentials, which win over nil.
func (s *Settings) ResolveEAB(profile Profile) *EAB {
	if profile.EAB != nil {
		return profile.EAB
	}
	return s.EAB
}
