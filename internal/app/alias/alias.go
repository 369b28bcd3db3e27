// Package alias implements the Alias Engine (spec §4.2): generating
// plus-suffix and Gmail dot-variant aliases, and routing an arbitrary
// recipient address back to the physical backend mailbox it resolves to.
package alias

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/inboxhub/aggregator/internal/app/account"
	"github.com/inboxhub/aggregator/internal/app/config"
)

// Alias describes a generated address and the backend it was derived from.
type Alias struct {
	AliasAddress string
	BaseAddress  string
	Provider     config.Provider
	Suffix       string
}

var (
	// ErrUnknownBase is returned when Generate is asked to derive an
	// alias from an address that isn't a registered Account.
	ErrUnknownBase = errors.New("alias: base address is not a known account")
	// ErrProviderMismatch is returned when the requested provider does not
	// match the base account's actual provider.
	ErrProviderMismatch = errors.New("alias: provider does not match base account")
	// ErrInvalidSuffix is returned when a caller-supplied suffix fails
	// validation.
	ErrInvalidSuffix = errors.New("alias: suffix must match [a-z0-9_]{2,}")
	// ErrNotRoutable is returned by Route when no known backend can serve
	// a recipient address.
	ErrNotRoutable = errors.New("alias: address is not routable to any known backend")
)

var suffixPattern = regexp.MustCompile(`^[a-z0-9_]{2,}$`)

const randomSuffixLength = 6

const randomSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Generate produces a new Alias for base, which must be a known Account of
// the requested provider. When suffix is empty and provider is gmail, a
// dot-variant is produced if useDot is true, otherwise a plus-alias with a
// random suffix is produced.
func Generate(reg *account.Registry, provider config.Provider, base, suffix string, useDot bool) (Alias, error) {
	acc, ok := reg.LookupByAddress(base)
	if !ok {
		return Alias{}, fmt.Errorf("%w: %q", ErrUnknownBase, base)
	}
	if acc.Provider != provider {
		return Alias{}, fmt.Errorf("%w: account %q is %q, not %q", ErrProviderMismatch, base, acc.Provider, provider)
	}

	local, domain, ok := splitAddress(acc.Address)
	if !ok {
		return Alias{}, fmt.Errorf("alias: malformed base address %q", acc.Address)
	}

	if provider == config.ProviderGmail && suffix == "" && useDot {
		if dotted, ok := dotAlias(local); ok {
			return Alias{
				AliasAddress: dotted + "@" + domain,
				BaseAddress:  acc.Address,
				Provider:     provider,
			}, nil
		}
		// Falls back to plus-alias below when the local part is too short
		// to carry a dot (spec §4.2).
	}

	if suffix != "" && !suffixPattern.MatchString(suffix) {
		return Alias{}, fmt.Errorf("%w: %q", ErrInvalidSuffix, suffix)
	}
	if suffix == "" {
		suffix = randomSuffix()
	}

	return Alias{
		AliasAddress: fmt.Sprintf("%s+%s@%s", local, suffix, domain),
		BaseAddress:  acc.Address,
		Provider:     provider,
		Suffix:       suffix,
	}, nil
}

func randomSuffix() string {
	var b strings.Builder
	b.Grow(randomSuffixLength)
	for i := 0; i < randomSuffixLength; i++ {
		b.WriteByte(randomSuffixAlphabet[rand.IntN(len(randomSuffixAlphabet))])
	}
	return b.String()
}

// dotAlias strips all dots from local, then reinserts exactly one dot at a
// random interior position. It fails (ok=false) when the dot-stripped
// local part has fewer than 2 characters, per spec §4.2.
func dotAlias(local string) (string, bool) {
	stripped := strings.ReplaceAll(local, ".", "")
	if len(stripped) < 2 {
		return "", false
	}

	// Interior position: anywhere strictly between the first and last rune.
	pos := 1 + rand.IntN(len(stripped)-1)
	return stripped[:pos] + "." + stripped[pos:], true
}

// Route resolves an arbitrary recipient address to the backend Account
// that would receive it, per spec §4.2.
func Route(reg *account.Registry, recipient string) (backend account.Account, isAlias bool, err error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	rLocal, rDomain, ok := splitAddress(recipient)
	if !ok {
		return account.Account{}, false, fmt.Errorf("%w: %q", ErrNotRoutable, recipient)
	}
	rPlusLocal, _ := splitPlus(rLocal)

	for _, acc := range reg.ListAccounts() {
		if acc.Provider != config.ProviderGmail {
			continue
		}

		bLocal, bDomain, ok := splitAddress(acc.Address)
		if !ok || !strings.EqualFold(bDomain, rDomain) {
			continue
		}

		bPlusLocal, _ := splitPlus(bLocal)
		if strings.ReplaceAll(bPlusLocal, ".", "") == strings.ReplaceAll(rPlusLocal, ".", "") {
			return acc, !strings.EqualFold(recipient, acc.Address), nil
		}
	}

	for _, acc := range reg.ListAccounts() {
		if acc.Provider != config.ProviderOutlook {
			continue
		}

		bLocal, bDomain, ok := splitAddress(acc.Address)
		if !ok || !strings.EqualFold(bDomain, rDomain) {
			continue
		}

		bPlusLocal, _ := splitPlus(bLocal)
		if strings.EqualFold(bPlusLocal, rPlusLocal) {
			return acc, !strings.EqualFold(recipient, acc.Address), nil
		}
	}

	return account.Account{}, false, fmt.Errorf("%w: %q", ErrNotRoutable, recipient)
}

// IsAlias reports whether recipient is an alias rather than a backend's
// own address: either it carries a plus-suffix, or routing it resolves to
// a distinct backend address.
func IsAlias(reg *account.Registry, recipient string) bool {
	if strings.Contains(recipient, "+") {
		return true
	}

	_, isAlias, err := Route(reg, recipient)
	return err == nil && isAlias
}

func splitAddress(address string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(address, '@')
	if i <= 0 || i == len(address)-1 {
		return "", "", false
	}
	return address[:i], address[i+1:], true
}

func splitPlus(local string) (base, suffix string) {
	i := strings.IndexByte(local, '+')
	if i < 0 {
		return local, ""
	}
	return local[:i], local[i+1:]
}
