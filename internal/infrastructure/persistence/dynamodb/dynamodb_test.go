package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub010/internal/application/ports"
	"github.com/KlikkAI/reporunner-sub010/internal/domain/graph"
)

// fakeAPI answers with scripted results and records what it was asked.
type fakeAPI struct {
	item    map[string]types.AttributeValue
	putErr  error
	updErr  error
	delErr  error
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	deletes []*dynamodb.DeleteItemInput
}

func (f *fakeAPI) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.item = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.updErr
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletes = append(f.deletes, in)
	return &dynamodb.DeleteItemOutput{}, f.delErr
}

func testSnapshot() *graph.Snapshot {
	s := graph.New()
	s.Nodes = []graph.Element{{ID: "n1", Attrs: map[string]any{"label": "Start", "retries": 3.0}}}
	s.Edges = []graph.Element{{ID: "e1", Source: "n1", Target: "n1"}}
	return s
}

func TestGraphStore_RoundTrip(t *testing.T) {
	api := &fakeAPI{}
	store := NewGraphStore(api, "graphs", nil)
	ctx := context.Background()

	_, _, err := store.LoadSnapshot(ctx, "g1")
	assert.ErrorIs(t, err, ports.ErrGraphNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, "g1", testSnapshot(), 5))
	require.Len(t, api.puts, 1)
	put := api.puts[0]
	assert.Equal(t, "graphs", *put.TableName)
	assert.NotEmpty(t, *put.ConditionExpression)
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, put.ReturnValuesOnConditionCheckFailure)

	var stored snapshotItem
	require.NoError(t, attributevalue.UnmarshalMap(api.item, &stored))
	assert.Equal(t, "GRAPH#g1", stored.PK)
	assert.Equal(t, 1, stored.NodeCount)
	assert.Equal(t, 1, stored.EdgeCount)

	snap, version, err := store.LoadSnapshot(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
	assert.Equal(t, testSnapshot(), snap)
}

func TestGraphStore_ChecksumMismatch(t *testing.T) {
	api := &fakeAPI{}
	store := NewGraphStore(api, "graphs", nil)
	require.NoError(t, store.SaveSnapshot(context.Background(), "g1", testSnapshot(), 1))
	api.item["Checksum"] = &types.AttributeValueMemberS{Value: "bogus"}

	_, _, err := store.LoadSnapshot(context.Background(), "g1")
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestGraphStore_ConditionFailures(t *testing.T) {
	tests := []struct {
		name      string
		stored    int64
		wantStale bool
	}{
		{"same version is a no-op", 5, false},
		{"newer version is stale", 9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, err := attributevalue.MarshalMap(map[string]any{"Version": tt.stored})
			require.NoError(t, err)
			api := &fakeAPI{putErr: &types.ConditionalCheckFailedException{Item: old}}
			store := NewGraphStore(api, "graphs", nil)

			err = store.SaveSnapshot(context.Background(), "g1", testSnapshot(), 5)
			if tt.wantStale {
				assert.ErrorIs(t, err, ports.ErrStaleVersion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGraphStore_ServiceError(t *testing.T) {
	api := &fakeAPI{putErr: &types.ProvisionedThroughputExceededException{Message: ptr("slow down")}}
	store := NewGraphStore(api, "graphs", nil)

	err := store.SaveSnapshot(context.Background(), "g1", testSnapshot(), 1)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ProvisionedThroughputExceededException")
	assert.False(t, errors.Is(err, ports.ErrStaleVersion))
}

func TestLeaseLocker(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	locker := NewLeaseLocker(api, "locks", nil)
	locker.now = func() time.Time { return time.Unix(1000, 0) }

	lease, err := locker.Acquire(ctx, "g1", "server-a", time.Minute)
	require.NoError(t, err)
	var rec lockRecord
	require.NoError(t, attributevalue.UnmarshalMap(api.puts[0].Item, &rec))
	assert.Equal(t, "LOCK#g1", rec.PK)
	assert.Equal(t, "server-a", rec.Owner)
	assert.Equal(t, time.Unix(1060, 0).UnixMilli(), rec.ExpiresAt)
	assert.NotEmpty(t, rec.LockID)

	require.NoError(t, lease.Extend(ctx, time.Minute))
	require.Len(t, api.updates, 1)

	api.updErr = &types.ConditionalCheckFailedException{}
	assert.ErrorIs(t, lease.Extend(ctx, time.Minute), ports.ErrLockLost)

	api.delErr = &types.ConditionalCheckFailedException{}
	assert.NoError(t, lease.Release(ctx), "a lease taken over is already released")
	lockID := api.deletes[0].ExpressionAttributeValues[":lockId"].(*types.AttributeValueMemberS).Value
	assert.Equal(t, rec.LockID, lockID)

	api.putErr = &types.ConditionalCheckFailedException{}
	_, err = locker.Acquire(ctx, "g1", "server-b", time.Minute)
	assert.ErrorIs(t, err, ports.ErrLockHeld)
}

func TestLeaseLocker_UniqueLockIDs(t *testing.T) {
	api := &fakeAPI{}
	locker := NewLeaseLocker(api, "locks", nil)

	_, err := locker.Acquire(context.Background(), "g1", "server-a", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(context.Background(), "g1", "server-a", time.Minute)
	require.NoError(t, err)

	var first, second lockRecord
	require.NoError(t, attributevalue.UnmarshalMap(api.puts[0].Item, &first))
	require.NoError(t, attributevalue.UnmarshalMap(api.puts[1].Item, &second))
	assert.NotEqual(t, first.LockID, second.LockID)
}

func ptr(s string) *string { return &s }
