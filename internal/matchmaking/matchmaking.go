package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

// maxRescans bounds how many times one request walks the queue after losing
// claim races before giving up and leaving the caller queued.
const maxRescans = 3

// store is the durable-store surface the engine needs.
// Defined here for testability.
type store interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	GetConversation(ctx context.Context, chatID string) (domain.Conversation, bool, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) (bool, error)
	Enqueue(ctx context.Context, entry domain.QueueEntry) (bool, error)
	WaitingEntries(ctx context.Context, excludeUser string) ([]domain.QueueEntry, error)
	ClaimEntry(ctx context.Context, userID string, observedJoinedAt time.Time) (bool, error)
	RemoveEntry(ctx context.Context, userID string) error
}

// pusher delivers an event to one live connection.
type pusher interface {
	Push(ctx context.Context, connectionID string, ev session.Event) error
}

// Result is the outcome of a match request: either a formed conversation or
// a spot in the queue.
type Result struct {
	Matched      bool
	Queued       bool
	Conversation domain.Conversation
}

// Engine pairs waiting users into conversations. Pairing is first come
// first served over the queue; the scan-then-claim step is a critical
// section per candidate via a conditional delete of the candidate's entry.
type Engine struct {
	store  store
	pusher pusher
}

// New creates an Engine.
func New(s store, p pusher) (*Engine, error) {
	if s == nil {
		return nil, errors.New("matchmaking: store must not be nil")
	}
	if p == nil {
		return nil, errors.New("matchmaking: pusher must not be nil")
	}
	return &Engine{store: s, pusher: p}, nil
}

// RequestMatch queues the caller and tries to pair them with the longest
// waiting reachable user. Returns a queued result when nobody suitable is
// waiting; the entry then stays until matched by a later arrival or
// expired by its TTL.
func (e *Engine) RequestMatch(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		return Result{}, session.NewError(session.ErrorValidation, "userId is required", nil)
	}

	caller, found, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Result{}, storeErr("requestMatch", err)
	}
	if !found {
		return Result{}, session.NewError(session.ErrorNotFound, "unknown user", nil)
	}
	if caller.InConversation() {
		return Result{}, session.NewError(session.ErrorConflict, session.ReasonAlreadyInConversation, nil)
	}

	now := time.Now().UTC()
	queued, err := e.store.Enqueue(ctx, domain.QueueEntry{
		UserID:    userID,
		JoinedAt:  now,
		ExpiresAt: now.Add(domain.DefaultQueueTTL),
	})
	if err != nil {
		return Result{}, storeErr("requestMatch", err)
	}
	if !queued {
		// Already waiting; the earlier request's entry stands.
		return Result{Queued: true}, nil
	}

	for attempt := 0; attempt < maxRescans; attempt++ {
		conv, matched, lostRace, err := e.scanAndClaim(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if matched {
			return Result{Matched: true, Conversation: conv}, nil
		}

		// A concurrent matcher may have claimed our own entry and paired
		// us while we were scanning. The user record is authoritative.
		self, found, err := e.store.GetUser(ctx, userID)
		if err != nil {
			return Result{}, storeErr("requestMatch", err)
		}
		if found && self.InConversation() {
			conv, ok, err := e.store.GetConversation(ctx, self.ActiveChatID)
			if err != nil {
				return Result{}, storeErr("requestMatch", err)
			}
			if ok {
				return Result{Matched: true, Conversation: conv}, nil
			}
		}
		if !lostRace {
			break
		}
	}
	return Result{Queued: true}, nil
}

// scanAndClaim walks the queue oldest first looking for a reachable
// candidate, claims one via conditional delete, and forms the conversation.
// lostRace reports that at least one claim or create was beaten by a
// concurrent matcher, which makes a rescan worthwhile.
func (e *Engine) scanAndClaim(ctx context.Context, userID string) (conv domain.Conversation, matched, lostRace bool, err error) {
	entries, err := e.store.WaitingEntries(ctx, userID)
	if err != nil {
		return domain.Conversation{}, false, false, storeErr("requestMatch", err)
	}

	for _, entry := range entries {
		candidate, found, err := e.store.GetUser(ctx, entry.UserID)
		if err != nil {
			return domain.Conversation{}, false, lostRace, storeErr("requestMatch", err)
		}
		if !found || candidate.InConversation() {
			// Stale entry: the user record is authoritative, so reconcile
			// the leftover queue row. Best effort.
			_ = e.store.RemoveEntry(ctx, entry.UserID)
			continue
		}
		if !candidate.Reachable() {
			// Not matchable right now, but may reconnect before the TTL.
			continue
		}

		claimed, err := e.store.ClaimEntry(ctx, entry.UserID, entry.JoinedAt)
		if err != nil {
			return domain.Conversation{}, false, lostRace, storeErr("requestMatch", err)
		}
		if !claimed {
			lostRace = true
			continue
		}

		conv, created, err := e.createPair(ctx, userID, entry.UserID, userID)
		if err != nil {
			return domain.Conversation{}, false, lostRace, err
		}
		if !created {
			// The claimed candidate (or we) got paired elsewhere between
			// claim and create. Their entry was stale by definition; keep
			// scanning.
			lostRace = true
			continue
		}

		// Our own entry is consumed by the match.
		_ = e.store.RemoveEntry(ctx, userID)

		e.notifyPeer(ctx, entry.UserID, conv, true)
		return conv, true, lostRace, nil
	}
	return domain.Conversation{}, false, lostRace, nil
}

// StartConversationWith forms a conversation directly with a chosen user,
// bypassing the queue.
func (e *Engine) StartConversationWith(ctx context.Context, userID, otherUserID string) (domain.Conversation, error) {
	if userID == "" || otherUserID == "" {
		return domain.Conversation{}, session.NewError(session.ErrorValidation, "userId and otherUserId are required", nil)
	}
	if userID == otherUserID {
		return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonSelfConversation, nil)
	}

	pair, err := domain.NewPair(userID, otherUserID)
	if err != nil {
		return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonSelfConversation, err)
	}
	if _, exists, err := e.store.GetConversation(ctx, pair.ChatID()); err != nil {
		return domain.Conversation{}, storeErr("startConversation", err)
	} else if exists {
		return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonConversationAlreadyExists, nil)
	}

	for _, id := range pair {
		u, found, err := e.store.GetUser(ctx, id)
		if err != nil {
			return domain.Conversation{}, storeErr("startConversation", err)
		}
		if !found {
			return domain.Conversation{}, session.NewError(session.ErrorNotFound, fmt.Sprintf("unknown user %s", id), nil)
		}
		if u.InConversation() {
			return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonAlreadyInConversation, nil)
		}
	}

	conv, created, err := e.createPair(ctx, userID, otherUserID, userID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !created {
		if _, exists, err := e.store.GetConversation(ctx, pair.ChatID()); err == nil && exists {
			return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonConversationAlreadyExists, nil)
		}
		return domain.Conversation{}, session.NewError(session.ErrorConflict, session.ReasonAlreadyInConversation, nil)
	}

	// Either side may have been idling in the queue; their entries are
	// stale now. Best effort.
	_ = e.store.RemoveEntry(ctx, userID)
	_ = e.store.RemoveEntry(ctx, otherUserID)

	e.notifyPeer(ctx, otherUserID, conv, true)
	return conv, nil
}

// createPair builds and persists the conversation for the two users.
// Returns created=false when the store transaction lost its conditions.
func (e *Engine) createPair(ctx context.Context, a, b, createdBy string) (domain.Conversation, bool, error) {
	pair, err := domain.NewPair(a, b)
	if err != nil {
		return domain.Conversation{}, false, session.NewError(session.ErrorConflict, session.ReasonSelfConversation, err)
	}
	now := time.Now().UTC()
	conv := domain.Conversation{
		ChatID:        pair.ChatID(),
		Participants:  pair,
		CreatedAt:     now,
		CreatedBy:     createdBy,
		LastUpdatedAt: now,
	}
	created, err := e.store.CreateConversation(ctx, conv)
	if err != nil {
		return domain.Conversation{}, false, storeErr("createConversation", err)
	}
	return conv, created, nil
}

// notifyPeer pushes conversationStarted to the peer's live connection.
// Failures never unwind a formed conversation; the peer catches up on
// reconnect via getCurrentState.
func (e *Engine) notifyPeer(ctx context.Context, peerID string, conv domain.Conversation, matched bool) {
	peer, found, err := e.store.GetUser(ctx, peerID)
	if err != nil || !found || !peer.Reachable() {
		return
	}
	_ = e.pusher.Push(ctx, peer.ConnectionID, session.Event{
		Action: session.EventConversationStarted,
		Data: session.ConversationStarted{
			ChatID:       conv.ChatID,
			Participants: conv.Participants[:],
			Matched:      matched,
		},
	})
}

func storeErr(op string, err error) *session.Error {
	return session.NewError(session.ErrorStoreUnavailable, op+" failed", fmt.Errorf("matchmaking: %s: %w", op, err))
}
