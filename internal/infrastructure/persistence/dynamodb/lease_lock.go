package dynamodb

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
)

const lockSK = "LOCK"

// lockRecord is one lease. ExpiresAt is unix milliseconds so conditions
// can compare it numerically; TTL lets DynamoDB reap abandoned leases.
type lockRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	LockID     string `dynamodbav:"LockID"`
	Owner      string `dynamodbav:"Owner"`
	AcquiredAt string `dynamodbav:"AcquiredAt"`
	ExpiresAt  int64  `dynamodbav:"ExpiresAt"`
	TTL        int64  `dynamodbav:"TTL"`
}

// LeaseLocker implements ports.Locker with conditional writes.
type LeaseLocker struct {
	client    API
	tableName string
	logger    *zap.Logger
	now       func() time.Time
}

// NewLeaseLocker creates a locker over tableName.
func NewLeaseLocker(client API, tableName string, logger *zap.Logger) *LeaseLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseLocker{client: client, tableName: tableName, logger: logger.Named("lease-lock"), now: time.Now}
}

func lockKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "LOCK#" + key},
		"SK": &types.AttributeValueMemberS{Value: lockSK},
	}
}

// Acquire takes the lease on key unless another owner holds a live one.
// Every acquisition gets its own lock id, so a stale holder can neither
// extend nor release a lease taken after its own expired.
func (l *LeaseLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (ports.Lease, error) {
	now := l.now()
	expiresAt := now.Add(ttl)
	rec := lockRecord{
		PK:         "LOCK#" + key,
		SK:         lockSK,
		LockID:     uuid.NewString(),
		Owner:      owner,
		AcquiredAt: now.UTC().Format(time.RFC3339),
		ExpiresAt:  expiresAt.UnixMilli(),
		TTL:        expiresAt.Add(time.Hour).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, err
	}

	cond := expression.Name("PK").AttributeNotExists().
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, err
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(l.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.logger.Debug("Lease already held", zap.String("key", key), zap.String("owner", owner))
			return nil, ports.ErrLockHeld
		}
		return nil, wrapAPIError("acquire lease", err)
	}

	l.logger.Debug("Lease acquired",
		zap.String("key", key),
		zap.String("lockID", rec.LockID),
		zap.String("owner", owner),
		zap.Duration("ttl", ttl),
	)
	return &dynamoLease{locker: l, key: key, lockID: rec.LockID}, nil
}

type dynamoLease struct {
	locker *LeaseLocker
	key    string
	lockID string
}

func (d *dynamoLease) Key() string { return d.key }

func (d *dynamoLease) Extend(ctx context.Context, ttl time.Duration) error {
	l := d.locker
	now := l.now()
	expiresAt := now.Add(ttl)

	update := expression.Set(expression.Name("ExpiresAt"), expression.Value(expiresAt.UnixMilli())).
		Set(expression.Name("TTL"), expression.Value(expiresAt.Add(time.Hour).Unix()))
	cond := expression.Name("LockID").Equal(expression.Value(d.lockID)).
		And(expression.Name("ExpiresAt").GreaterThanEqual(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return err
	}

	_, err = l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.tableName),
		Key:                       lockKey(d.key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ports.ErrLockLost
		}
		return wrapAPIError("extend lease", err)
	}
	return nil
}

func (d *dynamoLease) Release(ctx context.Context) error {
	l := d.locker
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.tableName),
		Key:                 lockKey(d.key),
		ConditionExpression: aws.String("LockID = :lockId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockId": &types.AttributeValueMemberS{Value: d.lockID},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.logger.Warn("Lease already released or taken over",
				zap.String("key", d.key),
				zap.String("lockID", d.lockID),
			)
			return nil
		}
		return wrapAPIError("release lease", err)
	}
	l.logger.Debug("Lease released", zap.String("key", d.key), zap.String("lockID", d.lockID))
	return nil
}

