// Package secrets resolves profile passwords from secret stores: encrypted table in sql database,
// hashicorp vault, aws secrets manager, ansible-vault file or memory.
package secrets

import "errors"

// ErrNotFound returned by providers for a missing key
var ErrNotFound = errors.New("secret not found")

// Provider returns secret value by key
type Provider interface {
	Get(key string) (string, error)
}

// NoOpProvider is a provider that does nothing
type NoOpProvider struct{}

// Get returns an error on every key
func (p *NoOpProvider) Get(string) (string, error) {
	return "", errors.New("secrets provider is not configured")
}
