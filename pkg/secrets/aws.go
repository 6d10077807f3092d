package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsProvider is a provider for AWS Secrets Manager
type AWSSecretsProvider struct {
	client secretsmanagerClient
}

type secretsmanagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsProvider creates a new instance of AWSSecretsProvider. Empty keys use default credentials chain.
func NewAWSSecretsProvider(accessKeyID, secretAccessKey, region string) (*AWSSecretsProvider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" || secretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating aws config: %w", err)
	}
	return &AWSSecretsProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Get returns secret string by id. With "id#field" key the secret is parsed as json object
// and the field returned, as rds credentials are kept.
func (p *AWSSecretsProvider) Get(key string) (string, error) {
	id, field, hasField := strings.Cut(key, "#")
	result, err := p.client.GetSecretValue(context.Background(), &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("error reading aws secret for %q: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("aws secret has no string value")
	}
	if !hasField {
		return *result.SecretString, nil
	}

	obj := map[string]any{}
	if err := json.Unmarshal([]byte(*result.SecretString), &obj); err != nil {
		return "", fmt.Errorf("aws secret %q is not a json object: %w", id, err)
	}
	v, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}
