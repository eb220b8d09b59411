package migrate

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTables struct {
	created *dynamodb.CreateTableInput
	deleted string
}

func (f *fakeTables) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = in
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeTables) DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.deleted = aws.ToString(in.TableName)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeTables) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   in.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func TestUpCreatesKeyedTable(t *testing.T) {
	client := &fakeTables{}
	m := &CreateBackupManifestsTable{Table: "manifests"}

	require.NoError(t, m.Up(context.Background(), client))
	require.NotNil(t, client.created)
	assert.Equal(t, "manifests", aws.ToString(client.created.TableName))
	require.Len(t, client.created.KeySchema, 2)
	assert.Equal(t, "dataset", aws.ToString(client.created.KeySchema[0].AttributeName))
	assert.Equal(t, types.KeyTypeHash, client.created.KeySchema[0].KeyType)
	assert.Equal(t, "backup_id", aws.ToString(client.created.KeySchema[1].AttributeName))
	assert.Equal(t, types.KeyTypeRange, client.created.KeySchema[1].KeyType)
}

func TestDownDeletesTable(t *testing.T) {
	client := &fakeTables{}
	m := &CreateBackupManifestsTable{Table: "manifests"}

	require.NoError(t, m.Down(context.Background(), client))
	assert.Equal(t, "manifests", client.deleted)
	assert.Equal(t, BackupManifestsVersion, m.Version())
}
