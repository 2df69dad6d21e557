package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
)

func makeUserItem(userID, connectionID, chatID string, ready bool, index int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":        &types.AttributeValueMemberS{Value: userID},
		"connectionId":  &types.AttributeValueMemberS{Value: connectionID},
		"activeChatId":  &types.AttributeValueMemberS{Value: chatID},
		"ready":         &types.AttributeValueMemberBOOL{Value: ready},
		"questionIndex": &types.AttributeValueMemberN{Value: strconv.Itoa(index)},
		"presence":      &types.AttributeValueMemberS{Value: domain.PresenceOnline},
		"lastSeenAt":    &types.AttributeValueMemberS{Value: "2026-08-01T10:00:00Z"},
	}
}

func TestGetUser_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeUserItem("userA", "conn-1", "userA#userB", true, 5)}}
	s := mustNewStore(t, db)

	u, found, err := s.GetUser(context.Background(), "userA")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "userA", u.UserID)
	require.Equal(t, "conn-1", u.ConnectionID)
	require.Equal(t, "userA#userB", u.ActiveChatID)
	require.True(t, u.Ready)
	require.Equal(t, 5, u.QuestionIndex)
	require.Equal(t, domain.PresenceOnline, u.Presence)

	require.Equal(t, "users-test", *db.lastGetInput.TableName)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetUser_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)

	_, found, err := s.GetUser(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, found)
}

func TestUserByConnection_HappyPath(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{makeUserItem("userA", "conn-1", "", false, 0)}},
	}}
	s := mustNewStore(t, db)

	u, found, err := s.UserByConnection(context.Background(), "conn-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "userA", u.UserID)

	in := db.queryInputs[0]
	require.Equal(t, "users-test", *in.TableName)
	require.Equal(t, "connectionId-index", *in.IndexName)
	require.Equal(t, "connectionId = :conn", *in.KeyConditionExpression)
}

func TestUserByConnection_NeverBound(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}}
	s := mustNewStore(t, db)

	_, found, err := s.UserByConnection(context.Background(), "conn-ghost")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCreateUserIfAbsent_AlreadyExists(t *testing.T) {
	db := &fakeDynamo{putErr: condFailedErr()}
	s := mustNewStore(t, db)

	created, err := s.CreateUserIfAbsent(context.Background(), domain.User{UserID: "userA"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "attribute_not_exists(userId)", *db.lastPutInput.ConditionExpression)
}

func TestBindConnection_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.BindConnection(context.Background(), "userA", "conn-9", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	in := db.lastUpdateInput
	require.Equal(t, "users-test", *in.TableName)
	require.Contains(t, *in.UpdateExpression, "connectionId = :conn")
	require.Contains(t, *in.UpdateExpression, "presence = :online")
	conn := in.ExpressionAttributeValues[":conn"].(*types.AttributeValueMemberS)
	require.Equal(t, "conn-9", conn.Value)
}

func TestUnbindConnection_SupersededConnection(t *testing.T) {
	db := &fakeDynamo{updateErr: condFailedErr()}
	s := mustNewStore(t, db)

	cleared, err := s.UnbindConnection(context.Background(), "userA", "conn-old", time.Now())
	require.NoError(t, err)
	require.False(t, cleared)
	require.Equal(t, "connectionId = :conn", *db.lastUpdateInput.ConditionExpression)
}

func TestSetReadyFlag_WrongConversation(t *testing.T) {
	db := &fakeDynamo{updateErr: condFailedErr()}
	s := mustNewStore(t, db)

	applied, err := s.SetReadyFlag(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, "activeChatId = :chat", *db.lastUpdateInput.ConditionExpression)
}

func TestAdvanceBothIfReady_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	pair := domain.Pair{"userA", "userB"}

	advanced, err := s.AdvanceBothIfReady(context.Background(), "userA#userB", pair, 5)
	require.NoError(t, err)
	require.True(t, advanced)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	for i, userID := range pair {
		update := items[i].Update
		require.Equal(t, "users-test", *update.TableName)
		key := update.Key["userId"].(*types.AttributeValueMemberS)
		require.Equal(t, userID, key.Value)
		require.Contains(t, *update.ConditionExpression, "ready = :true")
		require.Contains(t, *update.ConditionExpression, "questionIndex = :obs")
		next := update.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN)
		require.Equal(t, "6", next.Value)
	}
}

func TestAdvanceBothIfReady_ConcurrentAdvanceAbsorbed(t *testing.T) {
	db := &fakeDynamo{txErr: txCanceledErr()}
	s := mustNewStore(t, db)

	advanced, err := s.AdvanceBothIfReady(context.Background(), "userA#userB", domain.Pair{"userA", "userB"}, 5)
	require.NoError(t, err)
	require.False(t, advanced)
}

func TestAdvanceBothIfReady_StoreError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("throttled")}
	s := mustNewStore(t, db)

	_, err := s.AdvanceBothIfReady(context.Background(), "userA#userB", domain.Pair{"userA", "userB"}, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "AdvanceBothIfReady")
}

func TestClearConversation_AlreadyMovedOn(t *testing.T) {
	db := &fakeDynamo{updateErr: condFailedErr()}
	s := mustNewStore(t, db)

	cleared, err := s.ClearConversation(context.Background(), "userA", "userA#userB")
	require.NoError(t, err)
	require.False(t, cleared)
}
