package turns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

type push struct {
	connectionID string
	event        session.Event
}

type capturingPusher struct {
	pushes []push
	err    error
}

func (p *capturingPusher) Push(_ context.Context, connectionID string, ev session.Event) error {
	p.pushes = append(p.pushes, push{connectionID: connectionID, event: ev})
	return p.err
}

type fakeStore struct {
	users map[string]domain.User
	convs map[string]domain.Conversation

	// beforeAdvance runs just before the advance transaction evaluates its
	// conditions, standing in for a concurrent writer.
	beforeAdvance func(*fakeStore)
	// beforeEnd does the same for the end transaction.
	beforeEnd func(*fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]domain.User{},
		convs: map[string]domain.Conversation{},
	}
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (domain.User, bool, error) {
	u, ok := f.users[userID]
	return u, ok, nil
}

func (f *fakeStore) GetConversation(_ context.Context, chatID string) (domain.Conversation, bool, error) {
	c, ok := f.convs[chatID]
	return c, ok, nil
}

func (f *fakeStore) SetReadyFlag(_ context.Context, userID, chatID string, ready bool) (bool, error) {
	u, ok := f.users[userID]
	if !ok || u.ActiveChatID != chatID {
		return false, nil
	}
	u.Ready = ready
	f.users[userID] = u
	return true, nil
}

func (f *fakeStore) AdvanceBothIfReady(_ context.Context, chatID string, pair domain.Pair, fromIndex int) (bool, error) {
	if f.beforeAdvance != nil {
		hook := f.beforeAdvance
		f.beforeAdvance = nil
		hook(f)
	}
	for _, id := range pair {
		u := f.users[id]
		if u.ActiveChatID != chatID || !u.Ready || u.QuestionIndex != fromIndex {
			return false, nil
		}
	}
	for _, id := range pair {
		u := f.users[id]
		u.QuestionIndex = fromIndex + 1
		u.Ready = false
		f.users[id] = u
	}
	return true, nil
}

func (f *fakeStore) EndConversation(_ context.Context, chatID, endedBy, reason string, pair domain.Pair, at time.Time) (bool, error) {
	if f.beforeEnd != nil {
		hook := f.beforeEnd
		f.beforeEnd = nil
		hook(f)
	}
	c, ok := f.convs[chatID]
	if !ok || c.Ended() {
		return false, nil
	}
	for _, id := range pair {
		if f.users[id].ActiveChatID != chatID {
			return false, nil
		}
	}
	c.EndedBy = endedBy
	c.EndReason = reason
	c.EndedAt = at
	c.LastUpdatedAt = at
	f.convs[chatID] = c
	for _, id := range pair {
		u := f.users[id]
		u.ActiveChatID = ""
		u.Ready = false
		f.users[id] = u
	}
	return true, nil
}

// endByPeer applies the peer's winning end transaction.
func (f *fakeStore) endByPeer(chatID, peerID string, at time.Time) {
	c := f.convs[chatID]
	c.EndedBy = peerID
	c.EndReason = "peer reason"
	c.EndedAt = at
	c.LastUpdatedAt = at
	f.convs[chatID] = c
	for id, u := range f.users {
		if u.ActiveChatID == chatID {
			u.ActiveChatID = ""
			u.Ready = false
			f.users[id] = u
		}
	}
}

// addPair installs an active conversation with both participants attached
// at the given question index.
func (f *fakeStore) addPair(chatID string, index int) {
	participants, ok := domain.ParticipantsFromChatID(chatID)
	if !ok {
		panic("bad chat id: " + chatID)
	}
	f.convs[chatID] = domain.Conversation{
		ChatID:       chatID,
		Participants: participants,
		CreatedAt:    time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, id := range participants {
		f.users[id] = domain.User{
			UserID:        id,
			ConnectionID:  "conn-" + id,
			ActiveChatID:  chatID,
			QuestionIndex: index,
		}
	}
}

func (f *fakeStore) setReady(userID string, ready bool) {
	u := f.users[userID]
	u.Ready = ready
	f.users[userID] = u
}

func (f *fakeStore) disconnect(userID string) {
	u := f.users[userID]
	u.ConnectionID = ""
	f.users[userID] = u
}

func newTestMachine(t *testing.T) (*Machine, *fakeStore, *capturingPusher) {
	t.Helper()
	store := newFakeStore()
	pusher := &capturingPusher{}
	m, err := New(store, pusher)
	require.NoError(t, err)
	return m, store, pusher
}

func requireSessionError(t *testing.T, err error, code session.ErrorCode, reason string) {
	t.Helper()
	var se *session.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, code, se.Code)
	if reason != "" {
		require.Equal(t, reason, se.Reason)
	}
}

func TestSetReady_FirstReadyNotifiesPeer(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.True(t, res.Ready)
	require.True(t, store.users["userA"].Ready)
	require.Equal(t, 5, store.users["userA"].QuestionIndex)

	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "conn-userB", pusher.pushes[0].connectionID)
	require.Equal(t, session.EventReadyStatusUpdated, pusher.pushes[0].event.Action)
	status := pusher.pushes[0].event.Data.(session.ReadyStatusUpdated)
	require.Equal(t, "userA", status.UserID)
	require.True(t, status.Ready)
}

func TestSetReady_BothReadyAdvances(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.setReady("userB", true)

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 6, res.NewIndex)
	require.False(t, res.Completed)

	require.Equal(t, 6, store.users["userA"].QuestionIndex)
	require.Equal(t, 6, store.users["userB"].QuestionIndex)
	require.False(t, store.users["userA"].Ready)
	require.False(t, store.users["userB"].Ready)

	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "conn-userB", pusher.pushes[0].connectionID)
	require.Equal(t, session.EventAdvanceQuestion, pusher.pushes[0].event.Action)
	adv := pusher.pushes[0].event.Data.(session.AdvanceQuestion)
	require.Equal(t, 6, adv.QuestionIndex)
	question, ok := domain.QuestionAt(6)
	require.True(t, ok)
	require.Equal(t, question, adv.Question)
	require.False(t, adv.Ready)
}

func TestSetReady_Unready(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.setReady("userA", true)

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", false)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.False(t, res.Ready)
	require.False(t, store.users["userA"].Ready)
	require.Equal(t, 5, store.users["userA"].QuestionIndex)

	require.Len(t, pusher.pushes, 1)
	status := pusher.pushes[0].event.Data.(session.ReadyStatusUpdated)
	require.False(t, status.Ready)
}

func TestSetReady_FinalQuestionCompletes(t *testing.T) {
	m, store, _ := newTestMachine(t)
	store.addPair("userA#userB", domain.TotalQuestions-1)
	store.setReady("userB", true)

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, domain.TotalQuestions, res.NewIndex)
	require.True(t, res.Completed)
	// Reaching the last question never ends the conversation by itself.
	require.False(t, store.convs["userA#userB"].Ended())
}

func TestSetReady_ConcurrentAdvanceResolvedByReread(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.setReady("userB", true)
	store.beforeAdvance = func(f *fakeStore) {
		// The peer's symmetric setReady wins the transaction first.
		for _, id := range []string{"userA", "userB"} {
			u := f.users[id]
			u.QuestionIndex = 6
			u.Ready = false
			f.users[id] = u
		}
	}

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 6, res.NewIndex)
	// One advance total, not one per racer.
	require.Equal(t, 6, store.users["userA"].QuestionIndex)
	require.Equal(t, 6, store.users["userB"].QuestionIndex)
	require.Empty(t, pusher.pushes)
}

func TestSetReady_PeerWentUnready(t *testing.T) {
	m, store, _ := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.setReady("userB", true)
	store.beforeAdvance = func(f *fakeStore) {
		f.setReady("userB", false)
	}

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.True(t, res.Ready)
	require.Equal(t, 5, store.users["userA"].QuestionIndex)
}

func TestSetReady_EndedConversation(t *testing.T) {
	m, store, _ := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.endByPeer("userA#userB", "userB", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))

	_, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	requireSessionError(t, err, session.ErrorConflict, session.ReasonConversationEnded)
	require.Equal(t, 5, store.users["userA"].QuestionIndex)
	require.False(t, store.users["userA"].Ready)
}

func TestSetReady_NotParticipant(t *testing.T) {
	m, store, _ := newTestMachine(t)
	store.addPair("userA#userB", 5)

	_, err := m.SetReady(context.Background(), "intruder", "userA#userB", true)
	requireSessionError(t, err, session.ErrorAuth, "")
}

func TestSetReady_UnknownConversation(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	requireSessionError(t, err, session.ErrorNotFound, "")
}

func TestSetReady_PeerOffline(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.disconnect("userB")

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.Empty(t, pusher.pushes)
}

func TestSetReady_PushFailureKeepsAdvance(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.setReady("userB", true)
	pusher.err = context.DeadlineExceeded

	res, err := m.SetReady(context.Background(), "userA", "userA#userB", true)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 6, store.users["userA"].QuestionIndex)
}

func TestEndConversation_HappyPath(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)

	conv, err := m.EndConversation(context.Background(), "userA", "userA#userB", "felt done")
	require.NoError(t, err)
	require.Equal(t, "userA", conv.EndedBy)
	require.Equal(t, "felt done", conv.EndReason)
	require.False(t, conv.EndedAt.IsZero())

	require.True(t, store.convs["userA#userB"].Ended())
	require.Empty(t, store.users["userA"].ActiveChatID)
	require.Empty(t, store.users["userB"].ActiveChatID)

	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "conn-userB", pusher.pushes[0].connectionID)
	require.Equal(t, session.EventConversationEnded, pusher.pushes[0].event.Action)
	ended := pusher.pushes[0].event.Data.(session.ConversationEnded)
	require.Equal(t, "userA", ended.EndedBy)
	require.Equal(t, "felt done", ended.EndReason)
}

func TestEndConversation_IdempotentRepeat(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.endByPeer("userA#userB", "userB", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))

	conv, err := m.EndConversation(context.Background(), "userA", "userA#userB", "felt done")
	require.NoError(t, err)
	// The first end wins; the repeat reports it unchanged.
	require.Equal(t, "userB", conv.EndedBy)
	require.Equal(t, "peer reason", conv.EndReason)
	require.Empty(t, pusher.pushes)
}

func TestEndConversation_RaceLoserGetsWinner(t *testing.T) {
	m, store, pusher := newTestMachine(t)
	store.addPair("userA#userB", 5)
	store.beforeEnd = func(f *fakeStore) {
		f.endByPeer("userA#userB", "userB", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))
	}

	conv, err := m.EndConversation(context.Background(), "userA", "userA#userB", "felt done")
	require.NoError(t, err)
	require.Equal(t, "userB", conv.EndedBy)
	require.Empty(t, pusher.pushes)
}

func TestEndConversation_NotParticipant(t *testing.T) {
	m, store, _ := newTestMachine(t)
	store.addPair("userA#userB", 5)

	_, err := m.EndConversation(context.Background(), "intruder", "userA#userB", "")
	requireSessionError(t, err, session.ErrorAuth, "")
	require.False(t, store.convs["userA#userB"].Ended())
}

func TestEndConversation_NotFound(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.EndConversation(context.Background(), "userA", "userA#userB", "")
	requireSessionError(t, err, session.ErrorNotFound, "")
}
