package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
)

// ErrBadCursor marks a pagination cursor the client sent that cannot be
// decoded. Distinct from store failures so callers can reject it as input.
var ErrBadCursor = errors.New("repository: malformed pagination cursor")

func messageKey(chatID, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"chatId":  &types.AttributeValueMemberS{Value: chatID},
		"sortKey": &types.AttributeValueMemberS{Value: sortKey},
	}
}

// PutMessage persists one message. The write is keyed by sent time and
// message id, so a client retry of the same send lands on the same item
// and is absorbed: returns false without error when the message already
// existed.
func (s *Store) PutMessage(ctx context.Context, msg domain.Message) (bool, error) {
	if msg.ChatID == "" || msg.MessageID == "" {
		return false, errors.New("repository: PutMessage: chatId and messageId are required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Messages),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(chatId) AND attribute_not_exists(sortKey)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: PutMessage: %w", err)
	}
	return true, nil
}

// MarkDelivered flips one queued message to delivered. A message already
// delivered by a racing push keeps its original deliveredAt.
func (s *Store) MarkDelivered(ctx context.Context, chatID, sortKey string, at time.Time) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Messages),
		Key:                 messageKey(chatID, sortKey),
		UpdateExpression:    aws.String("SET queued = :false, deliveredAt = :at"),
		ConditionExpression: aws.String("queued = :true"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":at":    &types.AttributeValueMemberS{Value: formatTime(at)},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: MarkDelivered: %w", err)
	}
	return nil
}

// QueuedMessages returns the messages in chatID still waiting for their
// recipient, oldest first, excluding those the recipient sent.
func (s *Store) QueuedMessages(ctx context.Context, chatID, recipientID string) ([]domain.Message, error) {
	var msgs []domain.Message
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Messages),
			KeyConditionExpression: aws.String("chatId = :chat"),
			FilterExpression:       aws.String("queued = :true AND senderId <> :recipient"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":chat":      &types.AttributeValueMemberS{Value: chatID},
				":true":      &types.AttributeValueMemberBOOL{Value: true},
				":recipient": &types.AttributeValueMemberS{Value: recipientID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: QueuedMessages: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToStoredMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: QueuedMessages decode: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if out.LastEvaluatedKey == nil {
			return msgs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// History returns one page of messages for chatID in chronological order.
// cursor is the opaque continuation key from a previous page, empty for
// the newest page. The returned cursor is empty when no older messages
// remain.
func (s *Store) History(ctx context.Context, chatID string, limit int, cursor string) ([]domain.Message, string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Messages),
		KeyConditionExpression: aws.String("chatId = :chat"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":chat": &types.AttributeValueMemberS{Value: chatID},
		},
		// Read newest first so LIMIT pages backwards through history.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if cursor != "" {
		startKey, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		in.ExclusiveStartKey = startKey
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("repository: History: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToStoredMessage(item)
		if err != nil {
			return nil, "", fmt.Errorf("repository: History decode: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order for the client.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	next := ""
	if out.LastEvaluatedKey != nil {
		next, err = encodeCursor(out.LastEvaluatedKey)
		if err != nil {
			return nil, "", fmt.Errorf("repository: History encode cursor: %w", err)
		}
	}
	return msgs, next, nil
}

// historyCursor is the JSON shape hidden inside the opaque cursor string.
type historyCursor struct {
	ChatID  string `json:"chatId"`
	SortKey string `json:"sortKey"`
}

func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	chatID, err := strAttr(key, "chatId")
	if err != nil {
		return "", err
	}
	sortKey, err := strAttr(key, "sortKey")
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(historyCursor{ChatID: chatID, SortKey: sortKey})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c historyCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if c.ChatID == "" || c.SortKey == "" {
		return nil, ErrBadCursor
	}
	return messageKey(c.ChatID, c.SortKey), nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"chatId":    &types.AttributeValueMemberS{Value: msg.ChatID},
		"sortKey":   &types.AttributeValueMemberS{Value: msg.SortKey()},
		"messageId": &types.AttributeValueMemberS{Value: msg.MessageID},
		"senderId":  &types.AttributeValueMemberS{Value: msg.SenderID},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"sentAt":    &types.AttributeValueMemberS{Value: formatTime(msg.SentAt)},
		"queued":    &types.AttributeValueMemberBOOL{Value: msg.Queued},
	}
	if msg.DeliveredAt != nil {
		item["deliveredAt"] = &types.AttributeValueMemberS{Value: formatTime(*msg.DeliveredAt)}
	}
	return item
}

func itemToStoredMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	chatID, err := strAttr(item, "chatId")
	if err != nil {
		return domain.Message{}, err
	}
	messageID, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	sentAt, err := timeAttr(item, "sentAt")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		MessageID: messageID,
		ChatID:    chatID,
		SenderID:  optStrAttr(item, "senderId"),
		Content:   optStrAttr(item, "content"),
		SentAt:    sentAt,
		Queued:    boolAttr(item, "queued"),
	}
	if raw := optStrAttr(item, "deliveredAt"); raw != "" {
		at, err := timeAttr(item, "deliveredAt")
		if err != nil {
			return domain.Message{}, err
		}
		msg.DeliveredAt = &at
	}
	return msg, nil
}
