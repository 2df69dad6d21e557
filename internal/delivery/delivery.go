package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/repository"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// store is the durable-store surface the pipeline needs.
// Defined here for testability.
type store interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	GetConversation(ctx context.Context, chatID string) (domain.Conversation, bool, error)
	PutMessage(ctx context.Context, msg domain.Message) (bool, error)
	TouchLastMessage(ctx context.Context, chatID string, preview domain.MessagePreview) error
	MarkDelivered(ctx context.Context, chatID, sortKey string, at time.Time) error
	QueuedMessages(ctx context.Context, chatID, recipientID string) ([]domain.Message, error)
	History(ctx context.Context, chatID string, limit int, cursor string) ([]domain.Message, string, error)
}

// pusher delivers an event to one live connection.
type pusher interface {
	Push(ctx context.Context, connectionID string, ev session.Event) error
}

// SendInput carries one inbound sendMessage request. ConnectionID is the
// transport connection the request arrived on; it must match the sender's
// bound connection. SentAt is the client's wire timestamp.
type SendInput struct {
	SenderID     string
	ConnectionID string
	ChatID       string
	MessageID    string
	Content      string
	SentAt       string
}

// SendResult reports the stored message and whether the peer copy was
// pushed on the spot. Delivered false means the message waits queued for
// the peer's next replay.
type SendResult struct {
	Message   domain.Message
	Delivered bool
}

// HistoryInput selects one page of a conversation's messages. Cursor is
// the opaque continuation key from the previous page, empty for the first.
type HistoryInput struct {
	UserID string
	ChatID string
	Limit  int
	Cursor string
}

// HistoryResult is one chronological page plus the cursor for the next.
type HistoryResult struct {
	Messages   []domain.Message
	NextCursor string
	HasMore    bool
}

// Pipeline moves messages between the two participants of a conversation.
// Every message is persisted before any push attempt, so a crash or a dead
// connection defers delivery instead of losing the message.
type Pipeline struct {
	store  store
	pusher pusher
}

// New creates a Pipeline.
func New(s store, p pusher) (*Pipeline, error) {
	if s == nil {
		return nil, errors.New("delivery: store must not be nil")
	}
	if p == nil {
		return nil, errors.New("delivery: pusher must not be nil")
	}
	return &Pipeline{store: s, pusher: p}, nil
}

// Send validates, persists, and attempts to deliver one message. Once the
// record is committed the send succeeds regardless of what the push does;
// an undelivered copy stays queued for replay. Re-sending a message the
// store already has is absorbed without a second record.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (SendResult, error) {
	sender, found, err := p.store.GetUser(ctx, in.SenderID)
	if err != nil {
		return SendResult{}, storeErr("sendMessage", err)
	}
	if !found || sender.ConnectionID == "" || sender.ConnectionID != in.ConnectionID {
		return SendResult{}, session.NewError(session.ErrorAuth, "connection is not bound to sender", nil)
	}

	conv, found, err := p.store.GetConversation(ctx, in.ChatID)
	if err != nil {
		return SendResult{}, storeErr("sendMessage", err)
	}
	if !found {
		return SendResult{}, session.NewError(session.ErrorNotFound, "conversation not found", nil)
	}
	peerID, ok := conv.Participants.Peer(in.SenderID)
	if !ok {
		return SendResult{}, session.NewError(session.ErrorAuth, "sender is not a participant", nil)
	}

	if in.MessageID == "" || in.Content == "" {
		return SendResult{}, session.NewError(session.ErrorValidation, "messageId and content are required", nil)
	}
	sentAt, err := time.Parse(time.RFC3339Nano, in.SentAt)
	if err != nil {
		return SendResult{}, session.NewError(session.ErrorValidation, "sentAt must be an RFC 3339 timestamp", err)
	}
	if conv.Ended() {
		return SendResult{}, session.NewError(session.ErrorConflict, session.ReasonConversationEnded, nil)
	}

	msg := domain.Message{
		MessageID: in.MessageID,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		SentAt:    sentAt.UTC(),
		Queued:    true,
	}
	stored, err := p.store.PutMessage(ctx, msg)
	if err != nil {
		return SendResult{}, storeErr("sendMessage", err)
	}
	if !stored {
		// Client retry of a message the store already has. The original
		// send did the preview update and the delivery attempt.
		return SendResult{Message: msg}, nil
	}

	// The preview keeps conversation lists accurate even for offline peers.
	// The message row is committed; a stale preview corrects itself on the
	// next send.
	_ = p.store.TouchLastMessage(ctx, in.ChatID, domain.MessagePreview{Content: in.Content, SentAt: msg.SentAt})

	res := SendResult{Message: msg}
	peer, found, err := p.store.GetUser(ctx, peerID)
	if err != nil || !found || !peer.Reachable() {
		return res, nil
	}
	ev := session.Event{
		Action: session.EventMessage,
		Data: session.Message{
			ChatID:    msg.ChatID,
			MessageID: msg.MessageID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			Timestamp: msg.SentAt,
		},
	}
	if err := p.pusher.Push(ctx, peer.ConnectionID, ev); err != nil {
		// Push failure defers the message, it never fails the send.
		return res, nil
	}
	res.Delivered = true

	now := time.Now().UTC()
	if err := p.store.MarkDelivered(ctx, msg.ChatID, msg.SortKey(), now); err != nil {
		// The peer has the message but the row stays queued; the next
		// replay may push it again.
		return res, nil
	}
	res.Message.Queued = false
	res.Message.DeliveredAt = &now
	return res, nil
}

// ReplayQueued pushes every undelivered message addressed to userID over
// their live connection, oldest first, and flips each to delivered on a
// confirmed push. One failed push skips that message only. Returns how
// many were delivered.
func (p *Pipeline) ReplayQueued(ctx context.Context, userID, chatID string) (int, error) {
	if userID == "" || chatID == "" {
		return 0, session.NewError(session.ErrorValidation, "userId and chatId are required", nil)
	}
	user, found, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return 0, storeErr("replayQueued", err)
	}
	if !found || !user.Reachable() {
		return 0, nil
	}

	msgs, err := p.store.QueuedMessages(ctx, chatID, userID)
	if err != nil {
		return 0, storeErr("replayQueued", err)
	}
	delivered := 0
	for _, msg := range msgs {
		ev := session.Event{
			Action: session.EventMessage,
			Data: session.Message{
				ChatID:    msg.ChatID,
				MessageID: msg.MessageID,
				SenderID:  msg.SenderID,
				Content:   msg.Content,
				Timestamp: msg.SentAt,
			},
		}
		if err := p.pusher.Push(ctx, user.ConnectionID, ev); err != nil {
			continue
		}
		_ = p.store.MarkDelivered(ctx, chatID, msg.SortKey(), time.Now().UTC())
		delivered++
	}
	return delivered, nil
}

// History returns one page of the conversation in chronological order.
// Callers must be a participant; ended conversations stay readable.
func (p *Pipeline) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.UserID == "" || in.ChatID == "" {
		return HistoryResult{}, session.NewError(session.ErrorValidation, "userId and chatId are required", nil)
	}
	conv, found, err := p.store.GetConversation(ctx, in.ChatID)
	if err != nil {
		return HistoryResult{}, storeErr("fetchChatHistory", err)
	}
	if !found {
		return HistoryResult{}, session.NewError(session.ErrorNotFound, "conversation not found", nil)
	}
	if _, ok := conv.Participants.Peer(in.UserID); !ok {
		return HistoryResult{}, session.NewError(session.ErrorAuth, "caller is not a participant", nil)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, next, err := p.store.History(ctx, in.ChatID, limit, in.Cursor)
	if err != nil {
		if errors.Is(err, repository.ErrBadCursor) {
			return HistoryResult{}, session.NewError(session.ErrorValidation, "lastEvaluatedKey is not a valid continuation key", err)
		}
		return HistoryResult{}, storeErr("fetchChatHistory", err)
	}
	return HistoryResult{Messages: msgs, NextCursor: next, HasMore: next != ""}, nil
}

func storeErr(op string, err error) *session.Error {
	return session.NewError(session.ErrorStoreUnavailable, op+" failed", fmt.Errorf("delivery: %s: %w", op, err))
}
