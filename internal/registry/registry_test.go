package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/identity"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]domain.User

	getErr  error
	bindErr error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]domain.User{}}
}

// enter tracks overlapping store calls so tests can prove per-user
// serialization.
func (f *fakeUserStore) enter() func() {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeUserStore) GetUser(_ context.Context, userID string) (domain.User, bool, error) {
	if f.getErr != nil {
		return domain.User{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	return u, ok, nil
}

func (f *fakeUserStore) UserByConnection(_ context.Context, connectionID string) (domain.User, bool, error) {
	if f.getErr != nil {
		return domain.User{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ConnectionID == connectionID {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (f *fakeUserStore) CreateUserIfAbsent(_ context.Context, u domain.User) (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.UserID]; ok {
		return false, nil
	}
	f.users[u.UserID] = u
	return true, nil
}

func (f *fakeUserStore) BindConnection(_ context.Context, userID, connectionID string, at time.Time) error {
	defer f.enter()()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.UserID = userID
	u.ConnectionID = connectionID
	u.LastSeenAt = at
	u.Presence = domain.PresenceOnline
	f.users[userID] = u
	return nil
}

func (f *fakeUserStore) UnbindConnection(_ context.Context, userID, connectionID string, at time.Time) (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.ConnectionID != connectionID {
		return false, nil
	}
	u.ConnectionID = ""
	u.Presence = domain.PresenceOffline
	u.LastSeenAt = at
	f.users[userID] = u
	return true, nil
}

func mustNewRegistry(t *testing.T, store userStore) *Registry {
	t.Helper()
	r, err := New(store)
	require.NoError(t, err)
	return r
}

func TestBind_FirstConnectCreatesRecord(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	u, err := r.Bind(context.Background(), identity.Identity{UserID: "userA", Email: "a@example.com", Name: "Alex"}, "conn-1")
	require.NoError(t, err)
	require.Equal(t, "conn-1", u.ConnectionID)
	require.Equal(t, "a@example.com", u.Email)
	require.Equal(t, domain.PresenceOnline, u.Presence)
	require.False(t, u.InConversation())
}

func TestBind_SupersedesPreviousConnection(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	_, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-1")
	require.NoError(t, err)
	u, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-2")
	require.NoError(t, err)
	require.Equal(t, "conn-2", u.ConnectionID)

	// The superseded connection's late disconnect must not clear conn-2.
	cleared, err := r.Unbind(context.Background(), "userA", "conn-1")
	require.NoError(t, err)
	require.False(t, cleared)

	connID, ok, err := r.Lookup(context.Background(), "userA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "conn-2", connID)
}

func TestUnbind_ClearsLiveConnection(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	_, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-1")
	require.NoError(t, err)

	cleared, err := r.Unbind(context.Background(), "userA", "conn-1")
	require.NoError(t, err)
	require.True(t, cleared)

	_, ok, err := r.Lookup(context.Background(), "userA")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnbindByConnection_ResolvesUser(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	_, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-1")
	require.NoError(t, err)

	userID, cleared, err := r.UnbindByConnection(context.Background(), "conn-1")
	require.NoError(t, err)
	require.True(t, cleared)
	require.Equal(t, "userA", userID)
}

func TestUnbindByConnection_NeverBoundHandle(t *testing.T) {
	r := mustNewRegistry(t, newFakeUserStore())

	_, cleared, err := r.UnbindByConnection(context.Background(), "conn-ghost")
	require.NoError(t, err)
	require.False(t, cleared)
}

func TestLookupUser_ResolvesHandle(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	_, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-1")
	require.NoError(t, err)

	userID, ok, err := r.LookupUser(context.Background(), "conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "userA", userID)
}

func TestBind_StoreErrorMapsToTransient(t *testing.T) {
	store := newFakeUserStore()
	store.bindErr = errors.New("throttled")
	r := mustNewRegistry(t, store)

	_, err := r.Bind(context.Background(), identity.Identity{UserID: "userA"}, "conn-1")
	var se *session.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, session.ErrorStoreUnavailable, se.Code)
}

func TestBind_RejectsEmptyIdentity(t *testing.T) {
	r := mustNewRegistry(t, newFakeUserStore())

	_, err := r.Bind(context.Background(), identity.Identity{}, "conn-1")
	var se *session.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, session.ErrorValidation, se.Code)
}

func TestBind_SerializesPerUser(t *testing.T) {
	store := newFakeUserStore()
	r := mustNewRegistry(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := []string{"conn-a", "conn-b", "conn-c", "conn-d"}[n%4]
			if n%2 == 0 {
				_, _ = r.Bind(context.Background(), identity.Identity{UserID: "userA"}, conn)
			} else {
				_, _ = r.Unbind(context.Background(), "userA", conn)
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, store.maxInFlight.Load(), int32(1))
	require.Empty(t, r.locks)
}
