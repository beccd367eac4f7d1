// Package secrets resolves operator secrets such as ADMIN_HASH from Vault,
// AWS Secrets Manager or the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"pastelink/cfg"
	"pastelink/svc/util"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("secret not found")
	ErrProviderUnavailable = errors.New("secret provider unavailable")
)

type Provider interface {
	Name() string
	GetSecret(ctx context.Context, key string) (string, error)
}

// Resolver asks the primary provider first. The environment fallback is
// only consulted when no primary is configured, or when the primary
// reports a missing key and SECRETS_REQUIRE_PRIMARY is off.
type Resolver struct {
	primary        Provider
	fallback       Provider
	requirePrimary bool
}

func New(primary, fallback Provider, requirePrimary bool) *Resolver {
	return &Resolver{primary: primary, fallback: fallback, requirePrimary: requirePrimary}
}

// NewFromEnv picks Vault when VAULT_ADDR is set, then AWS Secrets Manager
// when AWS_REGION is set, with the environment as fallback.
func NewFromEnv(ctx context.Context) (*Resolver, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		token, err := vaultToken()
		if err != nil {
			return nil, err
		}
		vp, err := NewVault(ctx, addr, token, getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/pastelink"))
		if err != nil {
			util.Warn().Err(err).Msg("vault unavailable")
		} else {
			primary = vp
		}
	}
	if primary == nil {
		if region := os.Getenv("AWS_REGION"); region != "" {
			ap, err := NewAWS(ctx, region, os.Getenv("AWS_SECRET_PREFIX"))
			if err != nil {
				util.Warn().Err(err).Msg("aws secrets manager unavailable")
			} else {
				primary = ap
			}
		}
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS)")
	}
	var fallback Provider
	if !requirePrimary {
		fallback = EnvProvider{}
	}
	return New(primary, fallback, requirePrimary), nil
}

func (r *Resolver) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if r.primary != nil {
		val, err := r.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = errors.Wrap(ErrNotFound, key)
		}
		if r.requirePrimary || !errors.Is(err, ErrNotFound) || r.fallback == nil {
			return "", errors.Wrapf(err, "%s: get %s", r.primary.Name(), key)
		}
	}
	if r.fallback != nil {
		return r.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// Apply fills the secret fields of c from r. ADMIN_HASH is required; the
// others keep their current value when the provider has none.
func Apply(ctx context.Context, r *Resolver, c *cfg.Cfg) error {
	fields := []struct {
		key      string
		dst      *cfg.Secret
		required bool
	}{
		{"ADMIN_HASH", &c.AdminHash, true},
		{"METRICS_PASS", &c.MetricsPass, false},
		{"DATABASE_URL", &c.DatabaseURL, false},
		{"REDIS_PASSWORD", &c.RedisPassword, false},
	}
	for _, f := range fields {
		val, err := r.GetSecret(ctx, f.key)
		if err != nil {
			if errors.Is(err, ErrNotFound) && !f.required {
				continue
			}
			return errors.Wrapf(err, "resolve %s", f.key)
		}
		f.dst.Wipe()
		*f.dst = cfg.NewSecret(val)
		util.Debug().Str("key", f.key).Msg("secret resolved")
	}
	return nil
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func vaultToken() (string, error) {
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		b, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		return strings.TrimSpace(string(b)), nil
	}
	return os.Getenv("VAULT_TOKEN"), nil
}

// NewVault reads KV v2 secrets under secretPath. Each secret stores its
// value in a "value" field.
func NewVault(ctx context.Context, addr, token, secretPath string) (Provider, error) {
	vc := vault.DefaultConfig()
	vc.Address = addr
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{client: client, secretPath: strings.TrimRight(secretPath, "/")}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return value, nil
}

type awsProvider struct {
	sm     *secretsmanager.Client
	prefix string
}

// NewAWS reads string secrets named prefix+key from AWS Secrets Manager.
func NewAWS(ctx context.Context, region, prefix string) (Provider, error) {
	ac, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsProvider{sm: secretsmanager.NewFromConfig(ac), prefix: prefix}, nil
}
func (a *awsProvider) Name() string { return "aws-secretsmanager" }
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	var missing *types.ResourceNotFoundException
	if errors.As(err, &missing) {
		return "", errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", id)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s is binary, not string", id)
	}
	return *result.SecretString, nil
}

type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }
func (EnvProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
