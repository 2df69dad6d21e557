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

// GSIs mapping a participant to their conversations, newest first by
// lastUpdatedAt. A user can sit in either slot of the sorted pair, so a
// lookup queries both.
const (
	gsiParticipantA = "participantA-index"
	gsiParticipantB = "participantB-index"
)

func conversationKey(chatID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"chatId": &types.AttributeValueMemberS{Value: chatID},
	}
}

// GetConversation loads one conversation by chat id.
func (s *Store) GetConversation(ctx context.Context, chatID string) (domain.Conversation, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Conversations),
		Key:            conversationKey(chatID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	c, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return c, true, nil
}

// CreateConversation writes the conversation record and attaches both
// participants to it in one transaction. The conversation put requires the
// chat id to be unused and each participant update requires the user to
// have no active conversation, so double-booking cancels the whole
// transaction. Returns false when any condition failed.
func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (bool, error) {
	if conv.ChatID == "" {
		return false, errors.New("repository: CreateConversation: chatId is required")
	}

	attach := func(userID string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.tables.Users),
				Key:                 userKey(userID),
				UpdateExpression:    aws.String("SET activeChatId = :chat, questionIndex = :one, ready = :false"),
				ConditionExpression: aws.String("attribute_not_exists(activeChatId) OR activeChatId = :empty"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":chat":  &types.AttributeValueMemberS{Value: conv.ChatID},
					":one":   &types.AttributeValueMemberN{Value: "1"},
					":false": &types.AttributeValueMemberBOOL{Value: false},
					":empty": &types.AttributeValueMemberS{Value: ""},
				},
			},
		}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tables.Conversations),
					Item:                conversationItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(chatId)"),
				},
			},
			attach(conv.Participants[0]),
			attach(conv.Participants[1]),
		},
	})
	if err != nil {
		if transactionConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return true, nil
}

// TouchLastMessage refreshes the conversation's denormalized last-message
// preview. Unconditional so history listings stay accurate even while the
// recipient is offline.
func (s *Store) TouchLastMessage(ctx context.Context, chatID string, preview domain.MessagePreview) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.Conversations),
		Key:              conversationKey(chatID),
		UpdateExpression: aws.String("SET lastMessageContent = :content, lastMessageAt = :at, lastUpdatedAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":content": &types.AttributeValueMemberS{Value: preview.Content},
			":at":      &types.AttributeValueMemberS{Value: formatTime(preview.SentAt)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: TouchLastMessage: %w", err)
	}
	return nil
}

// EndConversation records who ended the conversation and detaches both
// participants, all in one transaction. First end wins: the conversation
// update is conditioned on no prior endedBy, so the losing side of a
// simultaneous end gets false and changes nothing.
func (s *Store) EndConversation(ctx context.Context, chatID, endedBy, reason string, pair domain.Pair, at time.Time) (bool, error) {
	detach := func(userID string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.tables.Users),
				Key:                 userKey(userID),
				UpdateExpression:    aws.String("SET activeChatId = :empty, ready = :false, typing = :false"),
				ConditionExpression: aws.String("activeChatId = :chat"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":empty": &types.AttributeValueMemberS{Value: ""},
					":chat":  &types.AttributeValueMemberS{Value: chatID},
					":false": &types.AttributeValueMemberBOOL{Value: false},
				},
			},
		}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(s.tables.Conversations),
					Key:                 conversationKey(chatID),
					UpdateExpression:    aws.String("SET endedBy = :by, endReason = :reason, endedAt = :at, lastUpdatedAt = :at"),
					ConditionExpression: aws.String("attribute_exists(chatId) AND (attribute_not_exists(endedBy) OR endedBy = :empty)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":by":     &types.AttributeValueMemberS{Value: endedBy},
						":reason": &types.AttributeValueMemberS{Value: reason},
						":at":     &types.AttributeValueMemberS{Value: formatTime(at)},
						":empty":  &types.AttributeValueMemberS{Value: ""},
					},
				},
			},
			detach(pair[0]),
			detach(pair[1]),
		},
	})
	if err != nil {
		if transactionConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: EndConversation: %w", err)
	}
	return true, nil
}

// LatestConversationForUser finds the user's most recently updated
// conversation across both participant slots.
func (s *Store) LatestConversationForUser(ctx context.Context, userID string) (domain.Conversation, bool, error) {
	latest := domain.Conversation{}
	found := false
	for _, q := range []struct {
		index, attr string
	}{
		{gsiParticipantA, "participantA"},
		{gsiParticipantB, "participantB"},
	} {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Conversations),
			IndexName:              aws.String(q.index),
			KeyConditionExpression: aws.String(q.attr + " = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(1),
		})
		if err != nil {
			return domain.Conversation{}, false, fmt.Errorf("repository: LatestConversationForUser: %w", err)
		}
		if len(out.Items) == 0 {
			continue
		}
		c, err := itemToConversation(out.Items[0])
		if err != nil {
			return domain.Conversation{}, false, fmt.Errorf("repository: LatestConversationForUser decode: %w", err)
		}
		if !found || c.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = c
			found = true
		}
	}
	return latest, found, nil
}

func conversationItem(c domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"chatId":        &types.AttributeValueMemberS{Value: c.ChatID},
		"participantA":  &types.AttributeValueMemberS{Value: c.Participants[0]},
		"participantB":  &types.AttributeValueMemberS{Value: c.Participants[1]},
		"createdAt":     &types.AttributeValueMemberS{Value: formatTime(c.CreatedAt)},
		"createdBy":     &types.AttributeValueMemberS{Value: c.CreatedBy},
		"lastUpdatedAt": &types.AttributeValueMemberS{Value: formatTime(c.LastUpdatedAt)},
		"endedBy":       &types.AttributeValueMemberS{Value: c.EndedBy},
		"endReason":     &types.AttributeValueMemberS{Value: c.EndReason},
	}
	if c.LastMessagePreview != nil {
		item["lastMessageContent"] = &types.AttributeValueMemberS{Value: c.LastMessagePreview.Content}
		item["lastMessageAt"] = &types.AttributeValueMemberS{Value: formatTime(c.LastMessagePreview.SentAt)}
	}
	if !c.EndedAt.IsZero() {
		item["endedAt"] = &types.AttributeValueMemberS{Value: formatTime(c.EndedAt)}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	chatID, err := strAttr(item, "chatId")
	if err != nil {
		return domain.Conversation{}, err
	}
	a, err := strAttr(item, "participantA")
	if err != nil {
		return domain.Conversation{}, err
	}
	b, err := strAttr(item, "participantB")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastUpdatedAt, err := timeAttr(item, "lastUpdatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	endedAt, err := timeAttr(item, "endedAt")
	if err != nil {
		return domain.Conversation{}, err
	}

	conv := domain.Conversation{
		ChatID:        chatID,
		Participants:  domain.Pair{a, b},
		CreatedAt:     createdAt,
		CreatedBy:     optStrAttr(item, "createdBy"),
		LastUpdatedAt: lastUpdatedAt,
		EndedBy:       optStrAttr(item, "endedBy"),
		EndReason:     optStrAttr(item, "endReason"),
		EndedAt:       endedAt,
	}
	if content := optStrAttr(item, "lastMessageContent"); content != "" {
		sentAt, err := timeAttr(item, "lastMessageAt")
		if err != nil {
			return domain.Conversation{}, err
		}
		conv.LastMessagePreview = &domain.MessagePreview{Content: content, SentAt: sentAt}
	}
	return conv, nil
}
