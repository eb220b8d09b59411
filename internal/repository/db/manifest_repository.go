package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/shardb/internal/domain"
	apperrors "github.com/zzenonn/shardb/internal/errors"
)

// DynamoDBAPI is the subset of the DynamoDB client the manifest repository uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoManifestRepository manages DynamoDB interactions for BackupManifest.
type DynamoManifestRepository struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoManifestRepository initializes a new DynamoManifestRepository.
func NewDynamoManifestRepository(client DynamoDBAPI, tableName string) *DynamoManifestRepository {
	return &DynamoManifestRepository{
		client:    client,
		tableName: tableName,
	}
}

func manifestKey(dataset, backupID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"dataset":   &types.AttributeValueMemberS{Value: dataset},
		"backup_id": &types.AttributeValueMemberS{Value: backupID},
	}
}

// PutManifest stores a backup manifest, replacing any previous one.
func (repo *DynamoManifestRepository) PutManifest(ctx context.Context, manifest domain.BackupManifest) error {
	item, err := attributevalue.MarshalMap(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(repo.tableName),
		Item:      item,
	}
	if _, err := repo.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves a backup manifest by dataset and backup id.
func (repo *DynamoManifestRepository) GetManifest(ctx context.Context, dataset, backupID string) (domain.BackupManifest, error) {
	result, err := repo.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(repo.tableName),
		Key:            manifestKey(dataset, backupID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.BackupManifest{}, apperrors.FetchingResourceError("manifest", err)
	}
	if result.Item == nil {
		return domain.BackupManifest{}, fmt.Errorf("%s/%s: %w", dataset, backupID, apperrors.ErrManifestNotFound)
	}

	var manifest domain.BackupManifest
	if err := attributevalue.UnmarshalMap(result.Item, &manifest); err != nil {
		return domain.BackupManifest{}, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return manifest, nil
}

// ListManifests retrieves every manifest of a dataset, oldest backup id first.
func (repo *DynamoManifestRepository) ListManifests(ctx context.Context, dataset string) ([]domain.BackupManifest, error) {
	paginator := dynamodb.NewQueryPaginator(repo.client, &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		KeyConditionExpression: aws.String("#dataset = :dataset"),
		ExpressionAttributeNames: map[string]string{
			"#dataset": "dataset",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":dataset": &types.AttributeValueMemberS{Value: dataset},
		},
	})

	var manifests []domain.BackupManifest
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query manifests: %w", err)
		}
		for _, item := range page.Items {
			var manifest domain.BackupManifest
			if err := attributevalue.UnmarshalMap(item, &manifest); err != nil {
				return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
			}
			manifests = append(manifests, manifest)
		}
	}
	return manifests, nil
}

// DeleteManifest removes a manifest by dataset and backup id.
func (repo *DynamoManifestRepository) DeleteManifest(ctx context.Context, dataset, backupID string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(repo.tableName),
		Key:       manifestKey(dataset, backupID),
	}
	if _, err := repo.client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}
