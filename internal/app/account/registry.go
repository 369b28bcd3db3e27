// Package account implements the Account Registry (spec §4.1): it parses
// credentials from configuration once at startup and answers lookups by
// address for the rest of the process lifetime.
package account

import (
	"fmt"
	"strings"
	"sync"

	"github.com/inboxhub/aggregator/internal/app/config"
)

// Account is an immutable, registry-owned mailbox description.
type Account struct {
	Address  string
	Provider config.Provider
	IMAPHost string
	IMAPPort int

	credentials config.AccountCredentials
}

// Registry is a process-scoped, immutable-after-load set of Accounts,
// indexed case-insensitively by address. The mutex guards byAddress only
// against the race detector, not real contention: every write happens
// during New, before the Registry is handed to any other goroutine.
type Registry struct {
	mu        sync.RWMutex
	byAddress map[string]Account
	ordered   []Account
}

// New builds a Registry from parsed AccountSpecs, resolving each spec's
// fixed IMAP host/port and rejecting unknown providers.
func New(specs []config.AccountSpec) (*Registry, error) {
	r := &Registry{byAddress: make(map[string]Account, len(specs))}

	for _, spec := range specs {
		host, port, err := spec.IMAPHost()
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", spec.Address, err)
		}

		acc := Account{
			Address:     spec.Address,
			Provider:    spec.Provider,
			IMAPHost:    host,
			IMAPPort:    port,
			credentials: config.NewAccountCredentials(spec.Address, spec.Password),
		}

		key := normalize(spec.Address)
		if _, exists := r.byAddress[key]; exists {
			return nil, fmt.Errorf("duplicate account address %q", spec.Address)
		}

		r.byAddress[key] = acc
		r.ordered = append(r.ordered, acc)
	}

	return r, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ListAccounts returns every known Account in load order.
func (r *Registry) ListAccounts() []Account {
	out := make([]Account, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// LookupByAddress returns the Account whose address matches a (case
// insensitive), if any.
func (r *Registry) LookupByAddress(a string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.byAddress[normalize(a)]
	return acc, ok
}

// CredentialsFor returns the opaque credential handle for a known address.
func (r *Registry) CredentialsFor(a string) (config.AccountCredentials, bool) {
	acc, ok := r.LookupByAddress(a)
	if !ok {
		return config.AccountCredentials{}, false
	}
	return acc.credentials, true
}

// IsKnownBackend reports whether address is exactly the address of a
// registered Account (as opposed to an alias of one).
func (r *Registry) IsKnownBackend(address string) bool {
	_, ok := r.LookupByAddress(address)
	return ok
}
