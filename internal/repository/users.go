package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
)

// gsiConnection inverts the users table for connection to user lookups on
// disconnect, where the transport only reports the handle.
const gsiConnection = "connectionId-index"

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
	}
}

// GetUser loads one user record. The second return is false when the user
// has never connected.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Users),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, false, nil
	}
	u, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	return u, true, nil
}

// UserByConnection resolves which user a connection handle is bound to.
// The second return is false for handles that were never bound or whose
// binding was already superseded.
func (s *Store) UserByConnection(ctx context.Context, connectionID string) (domain.User, bool, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Users),
		IndexName:              aws.String(gsiConnection),
		KeyConditionExpression: aws.String("connectionId = :conn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conn": &types.AttributeValueMemberS{Value: connectionID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: UserByConnection: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.User{}, false, nil
	}
	u, err := itemToUser(out.Items[0])
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: UserByConnection decode: %w", err)
	}
	return u, true, nil
}

// CreateUserIfAbsent writes a fresh user record unless one already exists.
// Returns false without error when the record was already there.
func (s *Store) CreateUserIfAbsent(ctx context.Context, u domain.User) (bool, error) {
	if u.UserID == "" {
		return false, errors.New("repository: CreateUserIfAbsent: userId is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Users),
		Item:                userItem(u),
		ConditionExpression: aws.String("attribute_not_exists(userId)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: CreateUserIfAbsent: %w", err)
	}
	return true, nil
}

// BindConnection records connectionID as the user's single live connection,
// superseding any previous one, and marks the user online.
func (s *Store) BindConnection(ctx context.Context, userID, connectionID string, at time.Time) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.Users),
		Key:              userKey(userID),
		UpdateExpression: aws.String("SET connectionId = :conn, lastSeenAt = :seen, presence = :online"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conn":   &types.AttributeValueMemberS{Value: connectionID},
			":seen":   &types.AttributeValueMemberS{Value: formatTime(at)},
			":online": &types.AttributeValueMemberS{Value: domain.PresenceOnline},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: BindConnection: %w", err)
	}
	return nil
}

// UnbindConnection clears the user's connection only if connectionID is
// still the bound one, so a late disconnect of a superseded connection
// cannot knock out its replacement. Returns false when the bound
// connection had already moved on.
func (s *Store) UnbindConnection(ctx context.Context, userID, connectionID string, at time.Time) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Users),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET connectionId = :empty, lastSeenAt = :seen, presence = :offline, typing = :false"),
		ConditionExpression: aws.String("connectionId = :conn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conn":    &types.AttributeValueMemberS{Value: connectionID},
			":empty":   &types.AttributeValueMemberS{Value: ""},
			":seen":    &types.AttributeValueMemberS{Value: formatTime(at)},
			":offline": &types.AttributeValueMemberS{Value: domain.PresenceOffline},
			":false":   &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: UnbindConnection: %w", err)
	}
	return true, nil
}

// SetPresence stores the user's self-reported presence status.
func (s *Store) SetPresence(ctx context.Context, userID, status string, at time.Time) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.Users),
		Key:              userKey(userID),
		UpdateExpression: aws.String("SET presence = :status, lastSeenAt = :seen"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: status},
			":seen":   &types.AttributeValueMemberS{Value: formatTime(at)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetPresence: %w", err)
	}
	return nil
}

// SetTyping stores the user's typing indicator.
func (s *Store) SetTyping(ctx context.Context, userID string, typing bool) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.Users),
		Key:              userKey(userID),
		UpdateExpression: aws.String("SET typing = :typing"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":typing": &types.AttributeValueMemberBOOL{Value: typing},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetTyping: %w", err)
	}
	return nil
}

// SetReadyFlag flips the user's ready flag, guarded so it only applies
// while the user is still in the given conversation. Returns false when
// the guard fails.
func (s *Store) SetReadyFlag(ctx context.Context, userID, chatID string, ready bool) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Users),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET ready = :ready"),
		ConditionExpression: aws.String("activeChatId = :chat"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ready": &types.AttributeValueMemberBOOL{Value: ready},
			":chat":  &types.AttributeValueMemberS{Value: chatID},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: SetReadyFlag: %w", err)
	}
	return true, nil
}

// AdvanceBothIfReady moves both participants from fromIndex to fromIndex+1
// and clears both ready flags in one transaction. Every update is
// conditioned on the flags and index observed by the caller, so a
// concurrent advance for the same turn cancels the transaction instead of
// double-incrementing. Returns false when the transaction was canceled by
// a condition, which callers resolve by re-reading.
func (s *Store) AdvanceBothIfReady(ctx context.Context, chatID string, pair domain.Pair, fromIndex int) (bool, error) {
	next := fmt.Sprintf("%d", fromIndex+1)
	observed := fmt.Sprintf("%d", fromIndex)

	update := func(userID string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.tables.Users),
				Key:                 userKey(userID),
				UpdateExpression:    aws.String("SET questionIndex = :next, ready = :false"),
				ConditionExpression: aws.String("activeChatId = :chat AND ready = :true AND questionIndex = :obs"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":next":  &types.AttributeValueMemberN{Value: next},
					":obs":   &types.AttributeValueMemberN{Value: observed},
					":chat":  &types.AttributeValueMemberS{Value: chatID},
					":true":  &types.AttributeValueMemberBOOL{Value: true},
					":false": &types.AttributeValueMemberBOOL{Value: false},
				},
			},
		}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{update(pair[0]), update(pair[1])},
	})
	if err != nil {
		if transactionConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: AdvanceBothIfReady: %w", err)
	}
	return true, nil
}

// ClearConversation detaches the user from chatID after it ends. Guarded
// so a user who already moved to a new conversation is left alone.
func (s *Store) ClearConversation(ctx context.Context, userID, chatID string) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Users),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET activeChatId = :empty, ready = :false, typing = :false"),
		ConditionExpression: aws.String("activeChatId = :chat"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberS{Value: ""},
			":chat":  &types.AttributeValueMemberS{Value: chatID},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClearConversation: %w", err)
	}
	return true, nil
}

func userItem(u domain.User) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"userId":        &types.AttributeValueMemberS{Value: u.UserID},
		"email":         &types.AttributeValueMemberS{Value: u.Email},
		"name":          &types.AttributeValueMemberS{Value: u.Name},
		"connectionId":  &types.AttributeValueMemberS{Value: u.ConnectionID},
		"activeChatId":  &types.AttributeValueMemberS{Value: u.ActiveChatID},
		"ready":         &types.AttributeValueMemberBOOL{Value: u.Ready},
		"questionIndex": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", u.QuestionIndex)},
		"presence":      &types.AttributeValueMemberS{Value: u.Presence},
		"typing":        &types.AttributeValueMemberBOOL{Value: u.Typing},
	}
	if !u.LastSeenAt.IsZero() {
		item["lastSeenAt"] = &types.AttributeValueMemberS{Value: formatTime(u.LastSeenAt)}
	}
	return item
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	index := 0
	if _, ok := item["questionIndex"]; ok {
		index, err = intAttr(item, "questionIndex")
		if err != nil {
			return domain.User{}, err
		}
	}
	lastSeen, err := timeAttr(item, "lastSeenAt")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		UserID:        userID,
		Email:         optStrAttr(item, "email"),
		Name:          optStrAttr(item, "name"),
		ConnectionID:  optStrAttr(item, "connectionId"),
		ActiveChatID:  optStrAttr(item, "activeChatId"),
		Ready:         boolAttr(item, "ready"),
		QuestionIndex: index,
		LastSeenAt:    lastSeen,
		Presence:      optStrAttr(item, "presence"),
		Typing:        boolAttr(item, "typing"),
	}, nil
}
