package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

const snapshotSK = "SNAPSHOT"

// snapshotItem is the stored form of a graph snapshot. The graph itself is
// kept as canonical JSON so its checksum can be verified on load.
type snapshotItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GraphID   string `dynamodbav:"GraphID"`
	Version   int64  `dynamodbav:"Version"`
	Document  string `dynamodbav:"Document"`
	Checksum  string `dynamodbav:"Checksum"`
	NodeCount int    `dynamodbav:"NodeCount"`
	EdgeCount int    `dynamodbav:"EdgeCount"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

// GraphStore implements ports.GraphStore on a DynamoDB table.
type GraphStore struct {
	client    API
	tableName string
	logger    *zap.Logger
}

// NewGraphStore creates a store over tableName.
func NewGraphStore(client API, tableName string, logger *zap.Logger) *GraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{client: client, tableName: tableName, logger: logger.Named("dynamodb-store")}
}

func graphKey(graphID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "GRAPH#" + graphID},
		"SK": &types.AttributeValueMemberS{Value: snapshotSK},
	}
}

// LoadSnapshot reads the latest snapshot with a strongly consistent read.
func (s *GraphStore) LoadSnapshot(ctx context.Context, graphID string) (*graph.Snapshot, int64, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            graphKey(graphID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, wrapAPIError("load snapshot", err)
	}
	if out.Item == nil {
		return nil, 0, fmt.Errorf("%w: %s", ports.ErrGraphNotFound, graphID)
	}

	var item snapshotItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to parse snapshot item: %w", err)
	}
	snap := graph.New()
	if err := json.Unmarshal([]byte(item.Document), snap); err != nil {
		return nil, 0, fmt.Errorf("failed to decode snapshot %s: %w", graphID, err)
	}
	sum, err := snap.Checksum()
	if err != nil {
		return nil, 0, err
	}
	if item.Checksum != "" && sum != item.Checksum {
		return nil, 0, fmt.Errorf("snapshot %s at version %d: checksum mismatch", graphID, item.Version)
	}
	return snap, item.Version, nil
}

// SaveSnapshot writes snap when the table holds nothing newer. Saving the
// stored version again succeeds without writing.
func (s *GraphStore) SaveSnapshot(ctx context.Context, graphID string, snap *graph.Snapshot, version int64) error {
	doc, err := snap.Canonical()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum, err := snap.Checksum()
	if err != nil {
		return err
	}
	nodes, edges := snap.Counts()

	item, err := attributevalue.MarshalMap(snapshotItem{
		PK:        "GRAPH#" + graphID,
		SK:        snapshotSK,
		GraphID:   graphID,
		Version:   version,
		Document:  string(doc),
		Checksum:  sum,
		NodeCount: nodes,
		EdgeCount: edges,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot item: %w", err)
	}

	cond := expression.Name("PK").AttributeNotExists().
		Or(expression.Name("Version").LessThan(expression.Value(version)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.tableName),
		Item:                                item,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		s.logger.Debug("Snapshot stored",
			zap.String("graphID", graphID),
			zap.Int64("version", version),
			zap.Int("bytes", len(doc)),
		)
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return wrapAPIError("save snapshot", err)
	}
	var stored struct {
		Version int64 `dynamodbav:"Version"`
	}
	if ccf.Item != nil {
		if uerr := attributevalue.UnmarshalMap(ccf.Item, &stored); uerr == nil && stored.Version == version {
			return nil
		}
	}
	return fmt.Errorf("%w: have %d, got %d", ports.ErrStaleVersion, stored.Version, version)
}
