package secrets

import "fmt"

// MemoryProvider is a secret provider that keeps secrets in a map, used in tests.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
