package repository

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
)

func makeQueueItem(userID, joinedAt string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"joinedAt":  &types.AttributeValueMemberS{Value: joinedAt},
		"expiresAt": &types.AttributeValueMemberN{Value: "1784000000"},
	}
}

func TestEnqueue_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	queued, err := s.Enqueue(context.Background(), domain.QueueEntry{
		UserID:    "userA",
		JoinedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, "queue-test", *db.lastPutInput.TableName)
	require.Equal(t, "attribute_not_exists(userId)", *db.lastPutInput.ConditionExpression)
}

func TestEnqueue_AlreadyQueued(t *testing.T) {
	db := &fakeDynamo{putErr: condFailedErr()}
	s := mustNewStore(t, db)

	queued, err := s.Enqueue(context.Background(), domain.QueueEntry{UserID: "userA", JoinedAt: time.Now()})
	require.NoError(t, err)
	require.False(t, queued)
}

func TestWaitingEntries_SortsOldestFirstAndExcludesCaller(t *testing.T) {
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{{
		Items: []map[string]types.AttributeValue{
			makeQueueItem("userC", "2026-08-01T10:05:00Z"),
			makeQueueItem("userA", "2026-08-01T10:00:00Z"),
			makeQueueItem("userB", "2026-08-01T10:02:00Z"),
		},
	}}}
	s := mustNewStore(t, db)

	entries, err := s.WaitingEntries(context.Background(), "userA")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "userB", entries[0].UserID)
	require.Equal(t, "userC", entries[1].UserID)
}

func TestClaimEntry_RaceLost(t *testing.T) {
	db := &fakeDynamo{deleteErr: condFailedErr()}
	s := mustNewStore(t, db)

	claimed, err := s.ClaimEntry(context.Background(), "userB", time.Date(2026, 8, 1, 10, 2, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "joinedAt = :joined", *db.lastDeleteInput.ConditionExpression)
}

func TestClaimEntry_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	claimed, err := s.ClaimEntry(context.Background(), "userB", time.Date(2026, 8, 1, 10, 2, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, claimed)

	joined := db.lastDeleteInput.ExpressionAttributeValues[":joined"].(*types.AttributeValueMemberS)
	require.Equal(t, "2026-08-01T10:02:00Z", joined.Value)
}

func TestRemoveEntry_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.RemoveEntry(context.Background(), "userA"))
	key := db.lastDeleteInput.Key["userId"].(*types.AttributeValueMemberS)
	require.Equal(t, "userA", key.Value)
	require.Nil(t, db.lastDeleteInput.ConditionExpression)
}
