package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another writer committed a catalog
// version first.
var ErrConcurrentCommit = errors.New("s3: concurrent catalog commit")

// DynamoClient is the DynamoDB surface the catalog uses.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Catalog records the latest archive of each database in DynamoDB. S3 has
// no conditional write across objects, so the "which archive is current"
// pointer lives here: conditional puts on a monotonically increasing
// version keep concurrent writers from overwriting each other.
//
// Table schema:
//   - Partition key: db_path (string)
//   - Sort key: version (number)
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name sharedb-archives \
//	  --attribute-definitions AttributeName=db_path,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=db_path,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type Catalog struct {
	client DynamoClient
	table  string
}

// NewCatalog creates a catalog over the given table.
func NewCatalog(client DynamoClient, table string) *Catalog {
	return &Catalog{client: client, table: table}
}

// Latest returns the most recently committed archive ID and version for
// dbPath. A database with no commits returns version zero.
func (c *Catalog) Latest(ctx context.Context, dbPath string) (string, uint64, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("db_path = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: dbPath},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return "", 0, fmt.Errorf("s3: query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", 0, nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return "", 0, errors.New("s3: catalog item without version")
	}
	idAttr, ok := item["archive_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", 0, errors.New("s3: catalog item without archive_id")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("s3: parse catalog version: %w", err)
	}

	return idAttr.Value, version, nil
}

// Commit records archiveID as the next version for dbPath and returns that
// version. A concurrent writer claiming the same version first surfaces as
// ErrConcurrentCommit; rerun Commit to claim the version after it.
func (c *Catalog) Commit(ctx context.Context, dbPath, archiveID string) (uint64, error) {
	_, current, err := c.Latest(ctx, dbPath)
	if err != nil {
		return 0, err
	}
	next := current + 1

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			"db_path":      &types.AttributeValueMemberS{Value: dbPath},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"archive_id":   &types.AttributeValueMemberS{Value: archiveID},
			"committed_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return 0, ErrConcurrentCommit
		}
		return 0, fmt.Errorf("s3: commit catalog version: %w", err)
	}

	return next, nil
}
