package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Profile selects the operating mode of the Message Pipeline: how many
// recent messages are fetched per backend and how aggressively backends
// are fanned out across in aggregation mode.
type Profile string

const (
	ProfileSingleAccount Profile = "single"
	ProfileAggregated     Profile = "aggregated"
	ProfileUltraFast      Profile = "ultrafast"
)

// QueueTuning holds the Admission Queue parameters for one provider class.
type QueueTuning struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxPerSecond  int `yaml:"max_per_second"`
}

// CacheTuning overrides the default size/TTL of one of the three bounded
// LRU caches described in the cache layer.
type CacheTuning struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// RuntimeConfig is the YAML-sourced tuning layer: everything that is not a
// credential. Account credentials always come from the environment (see
// AccountSpec and LoadAccountSpecs) so they never end up committed alongside the rest of the
// configuration.
type RuntimeConfig struct {
	// Domains lists the catch-all domains of §4.3. Every address under one
	// of these domains is filtered by exact To: match against
	// CatchAllBackend — the domain list itself is "supplied by the
	// collaborator, not the environment" (§6), so it lives in this YAML
	// layer rather than in an env var.
	Domains         []string `yaml:"domains"`
	CatchAllBackend string   `yaml:"catch_all_backend"`
	Profile         Profile  `yaml:"profile"`
	HTTPAddr        string   `yaml:"http_addr"`

	QueueGmail    QueueTuning `yaml:"queue_gmail"`
	QueueOutlook  QueueTuning `yaml:"queue_outlook"`
	QueueDomain   QueueTuning `yaml:"queue_domain"`

	CacheView    CacheTuning `yaml:"cache_view"`
	CacheGlobal  CacheTuning `yaml:"cache_global"`
	CachePayload CacheTuning `yaml:"cache_payload"`

	IDLEDebounceMin time.Duration `yaml:"idle_debounce_min"`
	IDLEDebounceMax time.Duration `yaml:"idle_debounce_max"`
	IDLECycle       time.Duration `yaml:"idle_cycle"`

	MaxAttachmentSize int64 `yaml:"max_attachment_size"`

	RateLimitGeneral  int `yaml:"rate_limit_general_per_min"`
	RateLimitEmailOps int `yaml:"rate_limit_email_ops_per_min"`
	RateLimitAuth     int `yaml:"rate_limit_auth_per_min"`
}

// Default returns the tuning values named throughout the spec, so a
// deployment only needs to override what it actually wants to change.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Profile:  ProfileAggregated,
		HTTPAddr: ":8080",

		QueueGmail:   QueueTuning{MaxConcurrent: 5, MaxPerSecond: 8},
		QueueOutlook: QueueTuning{MaxConcurrent: 5, MaxPerSecond: 8},
		QueueDomain:  QueueTuning{MaxConcurrent: 3, MaxPerSecond: 5},

		CacheView:    CacheTuning{Size: 200, TTL: 10 * time.Second},
		CacheGlobal:  CacheTuning{Size: 500, TTL: 3 * time.Minute},
		CachePayload: CacheTuning{Size: 200, TTL: 3 * time.Minute},

		IDLEDebounceMin: 500 * time.Millisecond,
		IDLEDebounceMax: 3 * time.Second,
		IDLECycle:       25 * time.Minute,

		MaxAttachmentSize: 25 * 1000 * 1000,

		RateLimitGeneral:  100,
		RateLimitEmailOps: 30,
		RateLimitAuth:     10,
	}
}

// FetchWindow returns how many of the most recent UIDs the Message Pipeline
// should take per backend for the configured profile.
func (p Profile) FetchWindow() int {
	switch p {
	case ProfileUltraFast:
		return 15
	case ProfileSingleAccount:
		return 50
	default:
		return 100
	}
}

// Provider identifies which IMAP backend family an Account belongs to.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderDomain  Provider = "domain"
)

const imapPort = 993

func (p Provider) imapHost() (string, error) {
	switch p {
	case ProviderGmail:
		return "imap.gmail.com", nil
	case ProviderOutlook:
		return "outlook.office365.com", nil
	default:
		return "", fmt.Errorf("provider %q has no fixed IMAP host", p)
	}
}

// AccountCredentials is an opaque handle: it carries a password into the
// Connection Manager without exposing it to callers that only hold an
// Account value.
type AccountCredentials struct {
	login    string
	password string
}

// NewAccountCredentials builds an opaque credential handle. Only the
// Account Registry is expected to call this, at load time.
func NewAccountCredentials(login, password string) AccountCredentials {
	return AccountCredentials{login: login, password: password}
}

// Login returns the account's IMAP username, which is its address.
func (c AccountCredentials) Login() string { return c.login }

// Password returns the account's IMAP password. Only the Connection
// Manager is expected to call this.
func (c AccountCredentials) Password() string { return c.password }

// AccountSpec is a single parsed (address, password, provider) triple,
// before host/port resolution.
type AccountSpec struct {
	Address  string
	Password string
	Provider Provider
}

// LoadAccountSpecs parses account credentials from the environment per the
// format documented in §6: a colon-delimited address:password list per
// provider, plus a legacy single-Gmail-account fallback.
func LoadAccountSpecs(getenv func(string) string) ([]AccountSpec, error) {
	var specs []AccountSpec

	gmail, err := parseAccountList(getenv("GMAIL_ACCOUNTS"), ProviderGmail)
	if err != nil {
		return nil, fmt.Errorf("parse GMAIL_ACCOUNTS: %w", err)
	}
	specs = append(specs, gmail...)

	outlook, err := parseAccountList(getenv("OUTLOOK_ACCOUNTS"), ProviderOutlook)
	if err != nil {
		return nil, fmt.Errorf("parse OUTLOOK_ACCOUNTS: %w", err)
	}
	specs = append(specs, outlook...)

	if user, pass := getenv("EMAIL_USER"), getenv("EMAIL_PASSWORD"); user != "" && pass != "" {
		specs = append(specs, AccountSpec{Address: user, Password: pass, Provider: ProviderGmail})
	}

	return specs, nil
}

func parseAccountList(raw string, provider Provider) ([]AccountSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ":")
	if len(parts)%2 != 0 {
		return nil, errors.New("expected an even number of colon-delimited address:password pairs")
	}

	specs := make([]AccountSpec, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		address := strings.TrimSpace(parts[i])
		password := parts[i+1]
		if address == "" {
			return nil, errors.New("empty address in account list")
		}

		specs = append(specs, AccountSpec{Address: address, Password: password, Provider: provider})
	}

	return specs, nil
}

// IMAPHost resolves the fixed host:port pair for a provider, per §4.1:
// provider determines IMAP host and fixed port 993 with TLS.
func (s AccountSpec) IMAPHost() (string, int, error) {
	host, err := s.Provider.imapHost()
	if err != nil {
		return "", 0, err
	}
	return host, imapPort, nil
}

// LoadRuntimeConfig reads the YAML tuning layer from cfgFilepath, falling
// back to Default() when the file does not exist — the tuning layer is
// optional, unlike account credentials.
func LoadRuntimeConfig(cfgFilepath string) (RuntimeConfig, error) {
	cfg := Default()

	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read configuration file: %w", err)
	}

	if err := unmarshalYAML(os.ExpandEnv(string(fileBytes)), &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal configuration file: %w", err)
	}

	return cfg, nil
}
