package db

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/zzenonn/shardb/internal/domain"
)

// ManifestRepository stores backup manifests.
type ManifestRepository interface {
	PutManifest(ctx context.Context, manifest domain.BackupManifest) error
	GetManifest(ctx context.Context, dataset, backupID string) (domain.BackupManifest, error)
	ListManifests(ctx context.Context, dataset string) ([]domain.BackupManifest, error)
	DeleteManifest(ctx context.Context, dataset, backupID string) error
}

type DynamoDb struct {
	Client *dynamodb.Client
}

func NewDatabase(awsConfig aws.Config) (*DynamoDb, error) {
	return &DynamoDb{
		Client: dynamodb.NewFromConfig(awsConfig),
	}, nil
}
