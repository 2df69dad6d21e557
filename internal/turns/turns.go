package turns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

// store is the durable-store surface the machine needs.
// Defined here for testability.
type store interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	GetConversation(ctx context.Context, chatID string) (domain.Conversation, bool, error)
	SetReadyFlag(ctx context.Context, userID, chatID string, ready bool) (bool, error)
	AdvanceBothIfReady(ctx context.Context, chatID string, pair domain.Pair, fromIndex int) (bool, error)
	EndConversation(ctx context.Context, chatID, endedBy, reason string, pair domain.Pair, at time.Time) (bool, error)
}

// pusher delivers an event to one live connection.
type pusher interface {
	Push(ctx context.Context, connectionID string, ev session.Event) error
}

// ReadyResult reports the caller's turn state after a setReady call.
// NewIndex is only meaningful when Advanced is true. Completed signals the
// pair has reached the final question; ending remains the participants'
// explicit choice.
type ReadyResult struct {
	Advanced  bool
	NewIndex  int
	Ready     bool
	Completed bool
}

// Machine owns per-conversation turn progress: the two ready flags and the
// shared question index. Both participants mark ready before the pair
// advances; the advance itself is a conditional store transaction, so the
// machine stays correct when both ready calls land at once.
type Machine struct {
	store  store
	pusher pusher
}

// New creates a Machine.
func New(s store, p pusher) (*Machine, error) {
	if s == nil {
		return nil, errors.New("turns: store must not be nil")
	}
	if p == nil {
		return nil, errors.New("turns: pusher must not be nil")
	}
	return &Machine{store: s, pusher: p}, nil
}

// SetReady records the caller's ready flag for chatID. When this completes
// the pair, both participants advance one question and both flags reset.
// The peer's live connection is told about flag changes and advances;
// notification failures never unwind the committed state.
func (m *Machine) SetReady(ctx context.Context, userID, chatID string, ready bool) (ReadyResult, error) {
	if userID == "" || chatID == "" {
		return ReadyResult{}, session.NewError(session.ErrorValidation, "userId and chatId are required", nil)
	}

	conv, found, err := m.store.GetConversation(ctx, chatID)
	if err != nil {
		return ReadyResult{}, storeErr("setReady", err)
	}
	if !found {
		return ReadyResult{}, session.NewError(session.ErrorNotFound, "conversation not found", nil)
	}
	if conv.Ended() {
		return ReadyResult{}, session.NewError(session.ErrorConflict, session.ReasonConversationEnded, nil)
	}
	peerID, ok := conv.Participants.Peer(userID)
	if !ok {
		return ReadyResult{}, session.NewError(session.ErrorAuth, "caller is not a participant", nil)
	}

	applied, err := m.store.SetReadyFlag(ctx, userID, chatID, ready)
	if err != nil {
		return ReadyResult{}, storeErr("setReady", err)
	}
	if !applied {
		// The caller is no longer attached to this conversation; it ended
		// between the read above and the write.
		return ReadyResult{}, session.NewError(session.ErrorConflict, session.ReasonConversationEnded, nil)
	}

	if !ready {
		m.notifyPeerReady(ctx, peerID, userID, false)
		return ReadyResult{Ready: false}, nil
	}

	peer, found, err := m.store.GetUser(ctx, peerID)
	if err != nil {
		return ReadyResult{}, storeErr("setReady", err)
	}
	if !found {
		return ReadyResult{}, session.NewError(session.ErrorNotFound, "peer record not found", nil)
	}
	if !peer.Ready || peer.ActiveChatID != chatID {
		m.notifyPeerReady(ctx, peerID, userID, true)
		return ReadyResult{Ready: true}, nil
	}

	observed := peer.QuestionIndex
	advanced, err := m.store.AdvanceBothIfReady(ctx, chatID, conv.Participants, observed)
	if err != nil {
		return ReadyResult{}, storeErr("setReady", err)
	}
	if !advanced {
		// Lost the advance transaction: either the peer's symmetric call
		// advanced the pair first, or the peer went unready. The caller's
		// own record says which.
		return m.resolveAfterLostAdvance(ctx, userID, observed)
	}

	newIndex := observed + 1
	res := ReadyResult{
		Advanced:  true,
		NewIndex:  newIndex,
		Completed: newIndex >= domain.TotalQuestions,
	}
	m.notifyPeerAdvance(ctx, peerID, newIndex)
	return res, nil
}

// resolveAfterLostAdvance re-reads the caller to report what a concurrent
// transaction did to the pair.
func (m *Machine) resolveAfterLostAdvance(ctx context.Context, userID string, observed int) (ReadyResult, error) {
	self, found, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return ReadyResult{}, storeErr("setReady", err)
	}
	if !found {
		return ReadyResult{}, session.NewError(session.ErrorNotFound, "user record not found", nil)
	}
	if self.QuestionIndex > observed {
		return ReadyResult{
			Advanced:  true,
			NewIndex:  self.QuestionIndex,
			Completed: self.QuestionIndex >= domain.TotalQuestions,
		}, nil
	}
	return ReadyResult{Ready: self.Ready}, nil
}

// EndConversation moves the conversation to its terminal state. Idempotent
// under races: whichever participant's end lands first is recorded, and the
// loser receives the winner's outcome.
func (m *Machine) EndConversation(ctx context.Context, userID, chatID, reason string) (domain.Conversation, error) {
	if userID == "" || chatID == "" {
		return domain.Conversation{}, session.NewError(session.ErrorValidation, "userId and chatId are required", nil)
	}

	conv, found, err := m.store.GetConversation(ctx, chatID)
	if err != nil {
		return domain.Conversation{}, storeErr("endConversation", err)
	}
	if !found {
		return domain.Conversation{}, session.NewError(session.ErrorNotFound, "conversation not found", nil)
	}
	peerID, ok := conv.Participants.Peer(userID)
	if !ok {
		return domain.Conversation{}, session.NewError(session.ErrorAuth, "caller is not a participant", nil)
	}
	if conv.Ended() {
		return conv, nil
	}

	now := time.Now().UTC()
	won, err := m.store.EndConversation(ctx, chatID, userID, reason, conv.Participants, now)
	if err != nil {
		return domain.Conversation{}, storeErr("endConversation", err)
	}
	if !won {
		ended, found, err := m.store.GetConversation(ctx, chatID)
		if err != nil {
			return domain.Conversation{}, storeErr("endConversation", err)
		}
		if !found {
			return domain.Conversation{}, session.NewError(session.ErrorNotFound, "conversation not found", nil)
		}
		return ended, nil
	}

	conv.EndedBy = userID
	conv.EndReason = reason
	conv.EndedAt = now
	conv.LastUpdatedAt = now

	m.notifyPeerEnded(ctx, peerID, conv)
	return conv, nil
}

func (m *Machine) notifyPeerReady(ctx context.Context, peerID, userID string, ready bool) {
	connID, ok := m.peerConnection(ctx, peerID)
	if !ok {
		return
	}
	_ = m.pusher.Push(ctx, connID, session.Event{
		Action: session.EventReadyStatusUpdated,
		Data:   session.ReadyStatusUpdated{UserID: userID, Ready: ready},
	})
}

func (m *Machine) notifyPeerAdvance(ctx context.Context, peerID string, newIndex int) {
	connID, ok := m.peerConnection(ctx, peerID)
	if !ok {
		return
	}
	question, _ := domain.QuestionAt(newIndex)
	_ = m.pusher.Push(ctx, connID, session.Event{
		Action: session.EventAdvanceQuestion,
		Data:   session.AdvanceQuestion{QuestionIndex: newIndex, Question: question, Ready: false},
	})
}

func (m *Machine) notifyPeerEnded(ctx context.Context, peerID string, conv domain.Conversation) {
	connID, ok := m.peerConnection(ctx, peerID)
	if !ok {
		return
	}
	_ = m.pusher.Push(ctx, connID, session.Event{
		Action: session.EventConversationEnded,
		Data: session.ConversationEnded{
			ChatID:    conv.ChatID,
			EndedBy:   conv.EndedBy,
			EndReason: conv.EndReason,
			Timestamp: conv.EndedAt,
		},
	})
}

func (m *Machine) peerConnection(ctx context.Context, peerID string) (string, bool) {
	peer, found, err := m.store.GetUser(ctx, peerID)
	if err != nil || !found || !peer.Reachable() {
		return "", false
	}
	return peer.ConnectionID, true
}

func storeErr(op string, err error) *session.Error {
	return session.NewError(session.ErrorStoreUnavailable, op+" failed", fmt.Errorf("turns: %s: %w", op, err))
}
