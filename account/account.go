// Package account resolves trading accounts and their API credentials from
// the process environment.
package account

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Env key convention: TRADER<NAME>_APIKEY / TRADER<NAME>_APISECRET.
const (
	keyPrefix    = "TRADER"
	apiKeySuffix = "_APIKEY"
	secretSuffix = "_APISECRET"
)

// ErrCredentialNotFound is returned when an account name has no configured
// key/secret pair.
var ErrCredentialNotFound = errors.New("account credentials not found")

// Account is one configured trading identity. Immutable after load.
type Account struct {
	Name      string
	APIKey    string
	APISecret string
}

// Store holds all accounts discovered at startup. Read-only after New, safe
// for concurrent use without locking.
type Store struct {
	accounts map[string]Account
	names    []string
}

// New discovers accounts from the given environment entries ("KEY=VALUE"
// form, as returned by os.Environ). A key matching the prefix+suffix
// convention declares an account; a declared account missing its paired
// secret is logged as a configuration error and excluded, never fatal.
func New(environ []string, logger *zap.Logger) *Store {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	store := &Store{accounts: make(map[string]Account)}
	for key, apiKey := range env {
		if !strings.HasPrefix(key, keyPrefix) || !strings.HasSuffix(key, apiKeySuffix) {
			continue
		}
		name := strings.TrimSuffix(key, apiKeySuffix)
		secret := env[name+secretSuffix]
		if apiKey == "" || secret == "" {
			logger.Error("Account is missing its API secret, excluding it",
				zap.String("account", name))
			continue
		}
		store.accounts[name] = Account{Name: name, APIKey: apiKey, APISecret: secret}
		store.names = append(store.names, name)
	}
	sort.Strings(store.names)

	logger.Info("Loaded trading accounts", zap.Int("count", len(store.names)))
	return store
}

// FromEnv builds a Store from the current process environment.
func FromEnv(logger *zap.Logger) *Store {
	return New(os.Environ(), logger)
}

// Names returns the discovered account names in stable order.
func (s *Store) Names() []string {
	names := make([]string, len(s.names))
	copy(names, s.names)
	return names
}

// Credentials returns the credentials for the named account.
func (s *Store) Credentials(name string) (Account, error) {
	acct, ok := s.accounts[name]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	return acct, nil
}

// Len returns the number of usable accounts.
func (s *Store) Len() int {
	return len(s.accounts)
}
