package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// MaxSecretVersion bounds the MASTER_SECRET_Vn keys scanned.
const MaxSecretVersion = 10

// ErrNoMasterSecret is returned when neither the environment nor SSM yields
// a master secret.
var ErrNoMasterSecret = errors.New("config: no master secret configured (MASTER_SECRET or MASTER_SECRET_SSM_PARAM)")

// ParameterGetter is the SSM call used to fetch secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveMasterSecrets collects versioned master secrets. MASTER_SECRET is
// version 1 and MASTER_SECRET_V2..V10 are later versions. When
// MASTER_SECRET_SSM_PARAM is set and MASTER_SECRET is empty, version 1 is read
// from SSM Parameter Store with decryption. A nil getter builds an SSM client
// from the default AWS config.
func (c *Config) ResolveMasterSecrets(ctx context.Context, getter ParameterGetter) (map[int][]byte, error) {
	secrets := make(map[int][]byte)
	if s := strings.TrimSpace(c.lookup("master_secret")); s != "" {
		secrets[1] = []byte(s)
	}
	for ver := 2; ver <= MaxSecretVersion; ver++ {
		if s := strings.TrimSpace(c.lookup("master_secret_v" + strconv.Itoa(ver))); s != "" {
			secrets[ver] = []byte(s)
		}
	}

	if _, ok := secrets[1]; !ok && c.MasterSecretSSMParam != "" {
		value, err := getParameter(ctx, getter, c.MasterSecretSSMParam)
		if err != nil {
			return nil, err
		}
		if value != "" {
			secrets[1] = []byte(value)
		}
	}

	if len(secrets) == 0 {
		return nil, ErrNoMasterSecret
	}
	return secrets, nil
}

func (c *Config) lookup(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func getParameter(ctx context.Context, getter ParameterGetter, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if getter == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("load aws config: %w", err)
		}
		getter = ssm.NewFromConfig(awsCfg)
	}

	decrypt := true
	out, err := getter.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &decrypt,
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", nil
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}
