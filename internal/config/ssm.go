package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ApplySSMParameters overlays every parameter stored under path onto viper.
// A parameter named <path>/backup/manifest_table sets backup.manifest_table.
func ApplySSMParameters(ctx context.Context, client ssm.GetParametersByPathAPIClient, path string) error {
	params, err := fetchSSMParameters(ctx, client, path)
	if err != nil {
		return err
	}
	for key, value := range params {
		log.Debugf("Applying SSM parameter %s", key)
		viper.Set(key, value)
	}
	return nil
}

func fetchSSMParameters(ctx context.Context, client ssm.GetParametersByPathAPIClient, path string) (map[string]string, error) {
	prefix := "/" + strings.Trim(path, "/")
	paginator := ssm.NewGetParametersByPathPaginator(client, &ssm.GetParametersByPathInput{
		Path:           aws.String(prefix),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})

	params := make(map[string]string)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSM parameters under %s: %w", prefix, err)
		}
		for _, p := range page.Parameters {
			name := aws.ToString(p.Name)
			key := strings.Trim(strings.TrimPrefix(name, prefix), "/")
			if key == "" {
				continue
			}
			params[strings.ReplaceAll(key, "/", ".")] = aws.ToString(p.Value)
		}
	}
	return params, nil
}
