package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
)

func queueKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
	}
}

// Enqueue adds the user to the match queue. Returns false without error
// when the user is already waiting.
func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) (bool, error) {
	if entry.UserID == "" {
		return false, errors.New("repository: Enqueue: userId is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.MatchQueue),
		Item:                queueItem(entry),
		ConditionExpression: aws.String("attribute_not_exists(userId)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: Enqueue: %w", err)
	}
	return true, nil
}

// WaitingEntries returns everyone currently queued except excludeUser,
// ordered oldest join first.
func (s *Store) WaitingEntries(ctx context.Context, excludeUser string) ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tables.MatchQueue),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: WaitingEntries: %w", err)
		}
		for _, item := range out.Items {
			entry, err := itemToQueueEntry(item)
			if err != nil {
				return nil, fmt.Errorf("repository: WaitingEntries decode: %w", err)
			}
			if entry.UserID == excludeUser {
				continue
			}
			entries = append(entries, entry)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// ClaimEntry removes a candidate from the queue, conditioned on the
// joinedAt the caller observed. This makes scan-then-claim a critical
// section per candidate: two matchers claiming the same entry resolve to
// one winner, the loser gets false and rescans.
func (s *Store) ClaimEntry(ctx context.Context, userID string, observedJoinedAt time.Time) (bool, error) {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tables.MatchQueue),
		Key:                 queueKey(userID),
		ConditionExpression: aws.String("joinedAt = :joined"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":joined": &types.AttributeValueMemberS{Value: formatTime(observedJoinedAt)},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimEntry: %w", err)
	}
	return true, nil
}

// RemoveEntry drops the user's queue entry unconditionally. Used for the
// caller's own entry after a match and for reconciling stale entries.
func (s *Store) RemoveEntry(ctx context.Context, userID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.MatchQueue),
		Key:       queueKey(userID),
	})
	if err != nil {
		return fmt.Errorf("repository: RemoveEntry: %w", err)
	}
	return nil
}

func queueItem(entry domain.QueueEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":    &types.AttributeValueMemberS{Value: entry.UserID},
		"joinedAt":  &types.AttributeValueMemberS{Value: formatTime(entry.JoinedAt)},
		"expiresAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", entry.ExpiresAt.Unix())},
	}
}

func itemToQueueEntry(item map[string]types.AttributeValue) (domain.QueueEntry, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.QueueEntry{}, err
	}
	joinedAt, err := timeAttr(item, "joinedAt")
	if err != nil {
		return domain.QueueEntry{}, err
	}
	entry := domain.QueueEntry{UserID: userID, JoinedAt: joinedAt}
	if _, ok := item["expiresAt"]; ok {
		unix, err := intAttr(item, "expiresAt")
		if err != nil {
			return domain.QueueEntry{}, err
		}
		entry.ExpiresAt = time.Unix(int64(unix), 0).UTC()
	}
	return entry, nil
}
