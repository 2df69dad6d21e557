package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/delivery"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/identity"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/matchmaking"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/turns"
)

// Inbound action names.
const (
	actionConnect           = "connect"
	actionStartConversation = "startConversation"
	actionSetReady          = "setReady"
	actionSendMessage       = "sendMessage"
	actionEndConversation   = "endConversation"
	actionUpdatePresence    = "updatePresence"
	actionTyping            = "typing"
	actionFetchChatHistory  = "fetchChatHistory"
	actionGetCurrentState   = "getCurrentState"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
)

// TokenVerifier authenticates a bearer credential.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (identity.Identity, error)
}

// ConnectionRegistry owns the userId to connection binding.
type ConnectionRegistry interface {
	Bind(ctx context.Context, id identity.Identity, connectionID string) (domain.User, error)
	UnbindByConnection(ctx context.Context, connectionID string) (string, bool, error)
	Lookup(ctx context.Context, userID string) (string, bool, error)
	LookupUser(ctx context.Context, connectionID string) (string, bool, error)
}

// Matchmaker pairs waiting users into conversations.
type Matchmaker interface {
	RequestMatch(ctx context.Context, userID string) (matchmaking.Result, error)
	StartConversationWith(ctx context.Context, userID, otherUserID string) (domain.Conversation, error)
}

// TurnMachine advances and ends conversations.
type TurnMachine interface {
	SetReady(ctx context.Context, userID, chatID string, ready bool) (turns.ReadyResult, error)
	EndConversation(ctx context.Context, userID, chatID, reason string) (domain.Conversation, error)
}

// MessagePipeline stores and delivers messages.
type MessagePipeline interface {
	Send(ctx context.Context, in delivery.SendInput) (delivery.SendResult, error)
	ReplayQueued(ctx context.Context, userID, chatID string) (int, error)
	History(ctx context.Context, in delivery.HistoryInput) (delivery.HistoryResult, error)
}

// StateStore is the slice of the durable store the gateway reads and
// writes directly: presence, typing, and state assembly for currentState.
type StateStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	GetConversation(ctx context.Context, chatID string) (domain.Conversation, bool, error)
	LatestConversationForUser(ctx context.Context, userID string) (domain.Conversation, bool, error)
	SetPresence(ctx context.Context, userID, status string, at time.Time) error
	SetTyping(ctx context.Context, userID string, typing bool) error
	ClearConversation(ctx context.Context, userID, chatID string) (bool, error)
}

// ConnectionPusher delivers one event to one live connection.
type ConnectionPusher interface {
	Push(ctx context.Context, connectionID string, ev session.Event) error
}

type actionFunc func(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error)

// Gateway is the session gateway: it authenticates connections, dispatches
// inbound envelopes to the components, and pushes the direct response for
// every inbound request. Peer notifications ride on the components.
type Gateway struct {
	verifier TokenVerifier
	registry ConnectionRegistry
	matches  Matchmaker
	turns    TurnMachine
	pipeline MessagePipeline
	store    StateStore
	pusher   ConnectionPusher

	validate *validator.Validate
	logger   *slog.Logger
	actions  map[string]actionFunc

	retryAttempts int
	retryBase     time.Duration
}

// Option adjusts optional Gateway behavior.
type Option func(*Gateway)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRetry tunes the transient-failure retry policy.
func WithRetry(attempts int, base time.Duration) Option {
	return func(g *Gateway) {
		if attempts > 0 {
			g.retryAttempts = attempts
		}
		if base > 0 {
			g.retryBase = base
		}
	}
}

// New wires a Gateway. All dependencies are required.
func New(v TokenVerifier, r ConnectionRegistry, m Matchmaker, t TurnMachine, p MessagePipeline, s StateStore, push ConnectionPusher, opts ...Option) (*Gateway, error) {
	if v == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	if r == nil {
		return nil, errors.New("handler: connection registry must not be nil")
	}
	if m == nil {
		return nil, errors.New("handler: matchmaker must not be nil")
	}
	if t == nil {
		return nil, errors.New("handler: turn machine must not be nil")
	}
	if p == nil {
		return nil, errors.New("handler: message pipeline must not be nil")
	}
	if s == nil {
		return nil, errors.New("handler: state store must not be nil")
	}
	if push == nil {
		return nil, errors.New("handler: connection pusher must not be nil")
	}
	g := &Gateway{
		verifier:      v,
		registry:      r,
		matches:       m,
		turns:         t,
		pipeline:      p,
		store:         s,
		pusher:        push,
		validate:      validator.New(),
		logger:        slog.Default(),
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.actions = map[string]actionFunc{
		actionConnect:           g.handleConnect,
		actionStartConversation: g.handleStartConversation,
		actionSetReady:          g.handleSetReady,
		actionSendMessage:       g.handleSendMessage,
		actionEndConversation:   g.handleEndConversation,
		actionUpdatePresence:    g.handleUpdatePresence,
		actionTyping:            g.handleTyping,
		actionFetchChatHistory:  g.handleFetchChatHistory,
		actionGetCurrentState:   g.handleGetCurrentState,
	}
	return g, nil
}

// HandleConnect authenticates a fresh transport connection and binds it.
// Transports whose connect handshake cannot receive pushes (the WebSocket
// API's $connect route) get their queued backlog on the in-band connect
// that follows.
func (g *Gateway) HandleConnect(ctx context.Context, connectionID, credential string) (domain.User, error) {
	id, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		return domain.User{}, identityErr(err)
	}
	user, err := g.bindAndReplay(ctx, id, connectionID)
	if err != nil {
		return domain.User{}, err
	}
	g.logger.Info("connection bound", "userId", user.UserID, "connectionId", connectionID)
	return user, nil
}

// HandleDisconnect clears the binding if connectionID is still the current
// one; late disconnects of superseded handles are no-ops. The user's active
// conversation survives, disconnection is not conversation end.
func (g *Gateway) HandleDisconnect(ctx context.Context, connectionID string) (string, error) {
	userID, cleared, err := g.registry.UnbindByConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !cleared {
		return userID, nil
	}
	g.logger.Info("connection unbound", "userId", userID, "connectionId", connectionID)
	g.notifyPeerPresence(ctx, userID, domain.PresenceOffline, time.Now().UTC())
	return userID, nil
}

// HandleAction decodes one inbound envelope, dispatches it, and pushes the
// direct response (or an error event) back to the calling connection.
func (g *Gateway) HandleAction(ctx context.Context, connectionID string, raw []byte) error {
	requestID := uuid.NewString()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Action == "" {
		return g.sendError(ctx, connectionID, "", requestID,
			session.NewError(session.ErrorValidation, "request envelope must be {action, data}", err))
	}
	log := g.logger.With("action", env.Action, "requestId", requestID)

	h, ok := g.actions[env.Action]
	if !ok {
		return g.sendError(ctx, connectionID, env.Action, requestID,
			session.NewError(session.ErrorValidation, "unknown action", nil))
	}

	ev, err := h(ctx, connectionID, env.Data)
	if err != nil {
		log.Warn("action failed", "err", err)
		return g.sendError(ctx, connectionID, env.Action, requestID, err)
	}
	if err := g.pusher.Push(ctx, connectionID, ev); err != nil {
		log.Warn("direct response push failed", "err", err)
		return err
	}
	return nil
}

type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type connectPayload struct {
	UserID string `json:"userId" validate:"required"`
	Token  string `json:"token"`
}

type startConversationPayload struct {
	OtherUserID string `json:"otherUserId"`
}

type setReadyPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	Ready  *bool  `json:"ready" validate:"required"`
}

// sendMessagePayload carries no validate tags: the pipeline checks its
// preconditions itself, in a fixed order.
type sendMessagePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	SentAt    string `json:"sentAt"`
}

type endConversationPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	Reason string `json:"reason"`
}

type updatePresencePayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Status string `json:"status" validate:"required,oneof=online offline away"`
}

type typingPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Typing *bool  `json:"typing" validate:"required"`
}

type fetchChatHistoryPayload struct {
	ChatID           string `json:"chatId" validate:"required"`
	Limit            int    `json:"limit"`
	LastEvaluatedKey string `json:"lastEvaluatedKey"`
}

type getCurrentStatePayload struct {
	UserID string `json:"userId" validate:"required"`
}

// handleConnect is the in-band bind: it authenticates the supplied token,
// rejects a handle already bound to someone else, rebinds, replays the
// queued backlog, and replies with the caller's full state.
func (g *Gateway) handleConnect(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p connectPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}

	boundID, bound, err := g.registry.LookupUser(ctx, connectionID)
	if err != nil {
		return session.Event{}, err
	}
	if bound && boundID != p.UserID {
		// A connection speaks for one identity for its whole lifetime.
		return session.Event{}, session.NewError(session.ErrorAuth, "connection is bound to a different user", nil)
	}

	id := identity.Identity{UserID: p.UserID}
	if !bound || p.Token != "" {
		id, err = g.verifier.Verify(ctx, p.Token)
		if err != nil {
			return session.Event{}, identityErr(err)
		}
		if id.UserID != p.UserID {
			return session.Event{}, session.NewError(session.ErrorAuth, "token subject does not match userId", nil)
		}
	}

	user, err := g.bindAndReplay(ctx, id, connectionID)
	if err != nil {
		return session.Event{}, err
	}
	state, err := g.currentState(ctx, user.UserID)
	if err != nil {
		return session.Event{}, err
	}
	return session.Event{Action: session.EventCurrentState, Data: state}, nil
}

func (g *Gateway) handleStartConversation(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p startConversationPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	callerID, err := g.callerFor(ctx, connectionID)
	if err != nil {
		return session.Event{}, err
	}

	if p.OtherUserID != "" {
		var conv domain.Conversation
		err := g.withRetry(ctx, func() error {
			var err error
			conv, err = g.matches.StartConversationWith(ctx, callerID, p.OtherUserID)
			return err
		})
		if err != nil {
			return session.Event{}, err
		}
		return session.Event{Action: session.EventConversationStarted, Data: session.ConversationStarted{
			ChatID:       conv.ChatID,
			Participants: conv.Participants[:],
			Matched:      true,
		}}, nil
	}

	var res matchmaking.Result
	err = g.withRetry(ctx, func() error {
		var err error
		res, err = g.matches.RequestMatch(ctx, callerID)
		return err
	})
	if err != nil {
		return session.Event{}, err
	}
	if !res.Matched {
		return session.Event{Action: session.EventConversationStarted, Data: session.ConversationStarted{Queued: true}}, nil
	}
	return session.Event{Action: session.EventConversationStarted, Data: session.ConversationStarted{
		ChatID:       res.Conversation.ChatID,
		Participants: res.Conversation.Participants[:],
		Matched:      true,
	}}, nil
}

func (g *Gateway) handleSetReady(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p setReadyPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	if err := g.requireBound(ctx, p.UserID, connectionID); err != nil {
		return session.Event{}, err
	}

	var res turns.ReadyResult
	err := g.withRetry(ctx, func() error {
		var err error
		res, err = g.turns.SetReady(ctx, p.UserID, p.ChatID, *p.Ready)
		return err
	})
	if err != nil {
		return session.Event{}, err
	}

	if !res.Advanced {
		return session.Event{Action: session.EventReadyStatusUpdated, Data: session.ReadyStatusUpdated{
			UserID: p.UserID,
			Ready:  res.Ready,
		}}, nil
	}
	if res.Completed {
		g.logger.Info("conversation reached the final question", "chatId", p.ChatID)
	}
	question, _ := domain.QuestionAt(res.NewIndex)
	return session.Event{Action: session.EventAdvanceQuestion, Data: session.AdvanceQuestion{
		QuestionIndex: res.NewIndex,
		Question:      question,
		Ready:         false,
	}}, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p sendMessagePayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}

	var res delivery.SendResult
	err := g.withRetry(ctx, func() error {
		var err error
		res, err = g.pipeline.Send(ctx, delivery.SendInput{
			SenderID:     p.SenderID,
			ConnectionID: connectionID,
			ChatID:       p.ChatID,
			MessageID:    p.MessageID,
			Content:      p.Content,
			SentAt:       p.SentAt,
		})
		return err
	})
	if err != nil {
		return session.Event{}, err
	}
	return session.Event{Action: session.EventMessageConfirmed, Data: session.MessageConfirmed{
		ChatID:    res.Message.ChatID,
		MessageID: res.Message.MessageID,
		Timestamp: res.Message.SentAt,
		Delivered: res.Delivered,
	}}, nil
}

func (g *Gateway) handleEndConversation(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p endConversationPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	if err := g.requireBound(ctx, p.UserID, connectionID); err != nil {
		return session.Event{}, err
	}

	var conv domain.Conversation
	err := g.withRetry(ctx, func() error {
		var err error
		conv, err = g.turns.EndConversation(ctx, p.UserID, p.ChatID, p.Reason)
		return err
	})
	if err != nil {
		return session.Event{}, err
	}
	return session.Event{Action: session.EventConversationEnded, Data: session.ConversationEnded{
		ChatID:    conv.ChatID,
		EndedBy:   conv.EndedBy,
		EndReason: conv.EndReason,
		Timestamp: conv.EndedAt,
	}}, nil
}

func (g *Gateway) handleUpdatePresence(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p updatePresencePayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	callerID, err := g.callerFor(ctx, connectionID)
	if err != nil {
		return session.Event{}, err
	}
	if err := g.requireParticipant(ctx, p.ChatID, callerID); err != nil {
		return session.Event{}, err
	}

	now := time.Now().UTC()
	err = g.withRetry(ctx, func() error {
		if err := g.store.SetPresence(ctx, callerID, p.Status, now); err != nil {
			return storeErr("updatePresence", err)
		}
		return nil
	})
	if err != nil {
		return session.Event{}, err
	}

	update := session.PresenceUpdated{UserID: callerID, Status: p.Status, Timestamp: now}
	g.notifyPeer(ctx, p.ChatID, callerID, session.Event{Action: session.EventPresenceUpdated, Data: update})
	return session.Event{Action: session.EventPresenceUpdated, Data: update}, nil
}

func (g *Gateway) handleTyping(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p typingPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	callerID, err := g.callerFor(ctx, connectionID)
	if err != nil {
		return session.Event{}, err
	}
	if err := g.requireParticipant(ctx, p.ChatID, callerID); err != nil {
		return session.Event{}, err
	}

	err = g.withRetry(ctx, func() error {
		if err := g.store.SetTyping(ctx, callerID, *p.Typing); err != nil {
			return storeErr("typing", err)
		}
		return nil
	})
	if err != nil {
		return session.Event{}, err
	}

	status := session.TypingStatus{ChatID: p.ChatID, UserID: callerID, Typing: *p.Typing}
	g.notifyPeer(ctx, p.ChatID, callerID, session.Event{Action: session.EventTypingStatus, Data: status})
	return session.Event{Action: session.EventTypingStatus, Data: status}, nil
}

func (g *Gateway) handleFetchChatHistory(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p fetchChatHistoryPayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	callerID, err := g.callerFor(ctx, connectionID)
	if err != nil {
		return session.Event{}, err
	}

	var res delivery.HistoryResult
	err = g.withRetry(ctx, func() error {
		var err error
		res, err = g.pipeline.History(ctx, delivery.HistoryInput{
			UserID: callerID,
			ChatID: p.ChatID,
			Limit:  p.Limit,
			Cursor: p.LastEvaluatedKey,
		})
		return err
	})
	if err != nil {
		return session.Event{}, err
	}

	msgs := lo.Map(res.Messages, func(m domain.Message, _ int) session.Message {
		return session.Message{
			ChatID:    m.ChatID,
			MessageID: m.MessageID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Timestamp: m.SentAt,
		}
	})
	return session.Event{Action: session.EventChatHistory, Data: session.ChatHistory{
		ChatID:           p.ChatID,
		Messages:         msgs,
		LastEvaluatedKey: res.NextCursor,
		HasMore:          res.HasMore,
	}}, nil
}

func (g *Gateway) handleGetCurrentState(ctx context.Context, connectionID string, data json.RawMessage) (session.Event, error) {
	var p getCurrentStatePayload
	if err := g.decode(data, &p); err != nil {
		return session.Event{}, err
	}
	if err := g.requireBound(ctx, p.UserID, connectionID); err != nil {
		return session.Event{}, err
	}
	state, err := g.currentState(ctx, p.UserID)
	if err != nil {
		return session.Event{}, err
	}
	return session.Event{Action: session.EventCurrentState, Data: state}, nil
}

// bindAndReplay is the shared bind sequence: registry bind with retry, then
// queued-message replay when the user resumes an active conversation.
func (g *Gateway) bindAndReplay(ctx context.Context, id identity.Identity, connectionID string) (domain.User, error) {
	var user domain.User
	err := g.withRetry(ctx, func() error {
		var err error
		user, err = g.registry.Bind(ctx, id, connectionID)
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	if user.InConversation() {
		count, err := g.pipeline.ReplayQueued(ctx, user.UserID, user.ActiveChatID)
		if err != nil {
			g.logger.Warn("replay after bind failed", "userId", user.UserID, "err", err)
		} else if count > 0 {
			g.logger.Info("replayed queued messages", "userId", user.UserID, "count", count)
		}
	}
	return user, nil
}

// currentState assembles the full resume view for one user. A dangling
// activeChatId pointing at an ended conversation is repaired here.
func (g *Gateway) currentState(ctx context.Context, userID string) (session.CurrentState, error) {
	var user domain.User
	err := g.withRetry(ctx, func() error {
		u, found, err := g.store.GetUser(ctx, userID)
		if err != nil {
			return storeErr("getCurrentState", err)
		}
		if !found {
			return session.NewError(session.ErrorNotFound, "user not found", nil)
		}
		user = u
		return nil
	})
	if err != nil {
		return session.CurrentState{}, err
	}

	state := session.CurrentState{
		UserID:   user.UserID,
		Ready:    user.Ready,
		Presence: user.Presence,
	}
	if !user.LastSeenAt.IsZero() {
		seen := user.LastSeenAt
		state.LastSeenAt = &seen
	}

	if !user.InConversation() {
		conv, found, err := g.store.LatestConversationForUser(ctx, userID)
		if err != nil {
			return session.CurrentState{}, storeErr("getCurrentState", err)
		}
		if found && conv.Ended() {
			state.ChatID = conv.ChatID
			state.Participants = conv.Participants[:]
			state.Ended = true
			state.EndedBy = conv.EndedBy
		}
		return state, nil
	}

	conv, found, err := g.store.GetConversation(ctx, user.ActiveChatID)
	if err != nil {
		return session.CurrentState{}, storeErr("getCurrentState", err)
	}
	if !found {
		_, _ = g.store.ClearConversation(ctx, userID, user.ActiveChatID)
		return state, nil
	}
	if conv.Ended() {
		// Detach failed or happened elsewhere; repair lazily.
		_, _ = g.store.ClearConversation(ctx, userID, user.ActiveChatID)
		state.ChatID = conv.ChatID
		state.Participants = conv.Participants[:]
		state.Ended = true
		state.EndedBy = conv.EndedBy
		return state, nil
	}

	state.ChatID = conv.ChatID
	state.Participants = conv.Participants[:]
	state.QuestionIndex = user.QuestionIndex
	if q, ok := domain.QuestionAt(user.QuestionIndex); ok {
		state.Question = q
	}
	if peerID, ok := conv.Participants.Peer(userID); ok {
		if peer, found, err := g.store.GetUser(ctx, peerID); err == nil && found {
			state.PeerReady = peer.Ready
		}
	}
	return state, nil
}

// callerFor resolves which user the calling connection is bound to.
func (g *Gateway) callerFor(ctx context.Context, connectionID string) (string, error) {
	userID, ok, err := g.registry.LookupUser(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", session.NewError(session.ErrorAuth, "connection is not bound, connect first", nil)
	}
	return userID, nil
}

// requireBound rejects requests whose claimed userId does not own the
// calling connection.
func (g *Gateway) requireBound(ctx context.Context, userID, connectionID string) error {
	connID, ok, err := g.registry.Lookup(ctx, userID)
	if err != nil {
		return err
	}
	if !ok || connID != connectionID {
		return session.NewError(session.ErrorAuth, "connection is not bound to this user", nil)
	}
	return nil
}

// requireParticipant rejects callers outside the conversation.
func (g *Gateway) requireParticipant(ctx context.Context, chatID, userID string) error {
	conv, found, err := g.store.GetConversation(ctx, chatID)
	if err != nil {
		return storeErr("lookup conversation", err)
	}
	if !found {
		return session.NewError(session.ErrorNotFound, "conversation not found", nil)
	}
	if _, ok := conv.Participants.Peer(userID); !ok {
		return session.NewError(session.ErrorAuth, "caller is not a participant", nil)
	}
	return nil
}

// notifyPeer pushes one event to the caller's conversation peer, if any and
// live. Failures are logged, never surfaced.
func (g *Gateway) notifyPeer(ctx context.Context, chatID, callerID string, ev session.Event) {
	conv, found, err := g.store.GetConversation(ctx, chatID)
	if err != nil || !found {
		return
	}
	peerID, ok := conv.Participants.Peer(callerID)
	if !ok {
		return
	}
	connID, ok, err := g.registry.Lookup(ctx, peerID)
	if err != nil || !ok {
		return
	}
	if err := g.pusher.Push(ctx, connID, ev); err != nil {
		g.logger.Warn("peer notification failed", "chatId", chatID, "err", err)
	}
}

// notifyPeerPresence tells the peer of the user's active conversation about
// a presence change.
func (g *Gateway) notifyPeerPresence(ctx context.Context, userID, status string, at time.Time) {
	if userID == "" {
		return
	}
	user, found, err := g.store.GetUser(ctx, userID)
	if err != nil || !found || !user.InConversation() {
		return
	}
	g.notifyPeer(ctx, user.ActiveChatID, userID, session.Event{
		Action: session.EventPresenceUpdated,
		Data:   session.PresenceUpdated{UserID: userID, Status: status, Timestamp: at},
	})
}

// sendError maps err onto the error event shape and pushes it to the
// caller.
func (g *Gateway) sendError(ctx context.Context, connectionID, action, requestID string, err error) error {
	var se *session.Error
	if !errors.As(err, &se) {
		se = session.NewError(session.ErrorInternal, "internal error", err)
	}
	ev := session.Event{Action: session.EventError, Data: session.ErrorEvent{
		Error:     se.Reason,
		Code:      se.Code,
		Action:    action,
		RequestID: requestID,
	}}
	if err := g.pusher.Push(ctx, connectionID, ev); err != nil {
		g.logger.Warn("error event push failed", "action", action, "requestId", requestID, "err", err)
		return err
	}
	return nil
}

// decode unmarshals an action payload and applies its validate tags.
func (g *Gateway) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return session.NewError(session.ErrorValidation, "malformed data payload", err)
	}
	if err := g.validate.Struct(v); err != nil {
		return session.NewError(session.ErrorValidation, "missing or invalid fields", err)
	}
	return nil
}

// withRetry re-runs fn on transient store failures with exponential
// backoff. Callers only hand it idempotent operations: reads, conditional
// writes, and messageId-keyed puts.
func (g *Gateway) withRetry(ctx context.Context, fn func() error) error {
	delay := g.retryBase
	var err error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		var se *session.Error
		if !errors.As(err, &se) || !se.Retryable() {
			return err
		}
	}
	return err
}

// identityErr maps verifier failures onto the session taxonomy.
func identityErr(err error) *session.Error {
	switch {
	case errors.Is(err, identity.ErrTokenMissing):
		return session.NewError(session.ErrorAuth, session.ReasonTokenMissing, err)
	case errors.Is(err, identity.ErrTokenInvalid):
		return session.NewError(session.ErrorAuth, session.ReasonTokenInvalid, err)
	default:
		return session.NewError(session.ErrorInternal, "identity verification failed", err)
	}
}

func storeErr(op string, err error) *session.Error {
	return session.NewError(session.ErrorStoreUnavailable, op+" failed", err)
}
