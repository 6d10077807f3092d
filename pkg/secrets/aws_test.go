package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	values map[string]string
	calls  []string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.ToString(params.SecretId)
	f.calls = append(f.calls, id)
	v, ok := f.values[id]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestAWSSecretsProvider_Get(t *testing.T) {
	client := &fakeSecretsManager{values: map[string]string{
		"plain":   "pass1",
		"rds/app": `{"username":"app","password":"rds-pass","port":5432}`,
	}}
	p := &AWSSecretsProvider{client: client}

	tbl := []struct {
		key, val, err string
	}{
		{key: "plain", val: "pass1"},
		{key: "rds/app#password", val: "rds-pass"},
		{key: "rds/app#port", val: "5432"},
		{key: "rds/app", val: `{"username":"app","password":"rds-pass","port":5432}`},
		{key: "rds/app#nope", err: "secret not found: rds/app#nope"},
		{key: "plain#password", err: `aws secret "plain" is not a json object`},
		{key: "missing", err: `error reading aws secret for "missing": ResourceNotFoundException`},
	}
	for _, tt := range tbl {
		t.Run(tt.key, func(t *testing.T) {
			val, err := p.Get(tt.key)
			if tt.err != "" {
				require.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.val, val)
		})
	}
	assert.Equal(t, "rds/app", client.calls[1], "field suffix not sent to aws")
}

func TestNewAWSSecretsProvider(t *testing.T) {
	p, err := NewAWSSecretsProvider("key", "secret", "us-east-1")
	require.NoError(t, err)
	assert.NotNil(t, p.client)
}
