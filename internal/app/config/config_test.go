package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAccountSpecsParsesColonDelimitedLists(t *testing.T) {
	getenv := func(key string) string {
		switch key {
		case "GMAIL_ACCOUNTS":
			return "a@gmail.com:pw1:b@gmail.com:pw2"
		case "OUTLOOK_ACCOUNTS":
			return "c@outlook.com:pw3"
		default:
			return ""
		}
	}

	specs, err := LoadAccountSpecs(getenv)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, AccountSpec{Address: "a@gmail.com", Password: "pw1", Provider: ProviderGmail}, specs[0])
	assert.Equal(t, AccountSpec{Address: "b@gmail.com", Password: "pw2", Provider: ProviderGmail}, specs[1])
	assert.Equal(t, AccountSpec{Address: "c@outlook.com", Password: "pw3", Provider: ProviderOutlook}, specs[2])
}

func TestLoadAccountSpecsFallsBackToLegacyEmailUser(t *testing.T) {
	getenv := func(key string) string {
		switch key {
		case "EMAIL_USER":
			return "legacy@gmail.com"
		case "EMAIL_PASSWORD":
			return "pw"
		default:
			return ""
		}
	}

	specs, err := LoadAccountSpecs(getenv)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, ProviderGmail, specs[0].Provider)
}

func TestLoadAccountSpecsRejectsOddPairCount(t *testing.T) {
	getenv := func(key string) string {
		if key == "GMAIL_ACCOUNTS" {
			return "a@gmail.com:pw1:b@gmail.com"
		}
		return ""
	}

	_, err := LoadAccountSpecs(getenv)
	assert.Error(t, err)
}

func TestAccountSpecIMAPHostResolvesFixedPort(t *testing.T) {
	spec := AccountSpec{Address: "a@gmail.com", Provider: ProviderGmail}
	host, port, err := spec.IMAPHost()
	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com", host)
	assert.Equal(t, 993, port)
}

func TestAccountSpecIMAPHostRejectsDomainProvider(t *testing.T) {
	spec := AccountSpec{Address: "a@example.com", Provider: ProviderDomain}
	_, _, err := spec.IMAPHost()
	assert.Error(t, err)
}

func TestLoadRuntimeConfigFallsBackToDefaultWhenFileMissing(t *testing.T) {
	cfg, err := LoadRuntimeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRuntimeConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: [\"disposable.test\"]\ncatch_all_backend: catchall@gmail.com\nhttp_addr: \":9090\"\n"), 0o600))

	cfg, err := LoadRuntimeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"disposable.test"}, cfg.Domains)
	assert.Equal(t, "catchall@gmail.com", cfg.CatchAllBackend)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().QueueGmail, cfg.QueueGmail)
}

func TestProfileFetchWindow(t *testing.T) {
	assert.Equal(t, 15, ProfileUltraFast.FetchWindow())
	assert.Equal(t, 50, ProfileSingleAccount.FetchWindow())
	assert.Equal(t, 100, ProfileAggregated.FetchWindow())
}

func TestLoadEnvFileIsANoOpWhenFileMissing(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
