package secrets

import (
	"fmt"
	"log"
	"os"
	"strings"

	vault "github.com/sosedoff/ansible-vault-go"
	yaml "gopkg.in/yaml.v3"
)

// AnsibleVaultProvider is a provider for ansible-vault files
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts yaml vault file with the secret
func NewAnsibleVaultProvider(vaultPath, secret string) (*AnsibleVaultProvider, error) {
	fi, err := os.Lstat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("error get fileinfo of: %s", vaultPath)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, secret)
	if err != nil {
		return nil, fmt.Errorf("error decrypting file: %s", vaultPath)
	}
	log.Printf("[INFO] ansible vault file decrypted")

	m := make(map[string]any)
	if err = yaml.Unmarshal([]byte(decrypted), &m); err != nil {
		return nil, fmt.Errorf("error during unmarshaling yaml file")
	}
	return &AnsibleVaultProvider{data: m}, nil
}

// Get returns value of the key. Dotted key addresses nested maps, i.e. "mysql.main.password",
// the key taken as is first.
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	if v, ok := p.data[key]; ok {
		return fmt.Sprintf("%v", v), nil
	}

	var cur any = p.data
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if cur, ok = m[part]; !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}
	if _, isMap := cur.(map[string]any); isMap {
		return "", fmt.Errorf("key %s is not a value", key)
	}
	return fmt.Sprintf("%v", cur), nil
}
