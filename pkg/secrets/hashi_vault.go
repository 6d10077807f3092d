package secrets

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider reads secrets from a single path of HashiCorp Vault, kv v1 or v2
type HashiVaultProvider struct {
	client *api.Client
	path   string
}

// NewHashiVaultProvider creates a new HashiCorp Vault provider
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}
	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path}, nil
}

// Get returns key of the secret stored at provider's path
func (p *HashiVaultProvider) Get(key string) (string, error) {
	secret, err := p.client.Logical().Read(p.path)
	if err != nil {
		return "", fmt.Errorf("error reading secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p.path)
	}

	data := secret.Data
	// kv v2 keeps values under "data" with "metadata" alongside
	if nested, ok := secret.Data["data"].(map[string]any); ok {
		if _, hasMeta := secret.Data["metadata"]; hasMeta {
			data = nested
		}
	}

	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
