package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/domain"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/identity"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

// userStore is the durable-store surface the registry needs.
// Defined here for testability.
type userStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	UserByConnection(ctx context.Context, connectionID string) (domain.User, bool, error)
	CreateUserIfAbsent(ctx context.Context, u domain.User) (bool, error)
	BindConnection(ctx context.Context, userID, connectionID string, at time.Time) error
	UnbindConnection(ctx context.Context, userID, connectionID string, at time.Time) (bool, error)
}

// Registry maintains the userId to connection handle mapping. The handle of
// record lives in the durable store; the registry's job is serializing
// bind/unbind for one user within this process, since rapid reconnects race
// a fresh bind against the stale connection's disconnect.
type Registry struct {
	store userStore

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Registry over the given store.
func New(store userStore) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry: store must not be nil")
	}
	return &Registry{store: store, locks: map[string]*userLock{}}, nil
}

// acquire locks the per-user mutex, creating it on first use.
func (r *Registry) acquire(userID string) *userLock {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return l
}

// release unlocks the per-user mutex and drops it once nobody waits on it.
func (r *Registry) release(userID string, l *userLock) {
	l.mu.Unlock()

	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, userID)
	}
	r.mu.Unlock()
}

// Bind records connectionID as the verified user's live connection,
// superseding any previous one, and returns the bound record so the caller
// can decide whether a replay is due. Creates the user record on first
// connect.
func (r *Registry) Bind(ctx context.Context, id identity.Identity, connectionID string) (domain.User, error) {
	if id.UserID == "" || connectionID == "" {
		return domain.User{}, session.NewError(session.ErrorValidation, "userId and connectionId are required", nil)
	}

	l := r.acquire(id.UserID)
	defer r.release(id.UserID, l)

	now := time.Now()
	_, err := r.store.CreateUserIfAbsent(ctx, domain.User{
		UserID:   id.UserID,
		Email:    id.Email,
		Name:     id.Name,
		Presence: domain.PresenceOffline,
	})
	if err != nil {
		return domain.User{}, storeErr("bind", err)
	}
	if err := r.store.BindConnection(ctx, id.UserID, connectionID, now); err != nil {
		return domain.User{}, storeErr("bind", err)
	}

	u, found, err := r.store.GetUser(ctx, id.UserID)
	if err != nil {
		return domain.User{}, storeErr("bind", err)
	}
	if !found {
		return domain.User{}, session.NewError(session.ErrorInternal, "user record vanished after bind", nil)
	}
	return u, nil
}

// Unbind clears the user's connection if connectionID is still the bound
// one. Returns false when a newer connection superseded this one, in which
// case nothing was changed. Never touches the user's active conversation.
func (r *Registry) Unbind(ctx context.Context, userID, connectionID string) (bool, error) {
	if userID == "" || connectionID == "" {
		return false, session.NewError(session.ErrorValidation, "userId and connectionId are required", nil)
	}

	l := r.acquire(userID)
	defer r.release(userID, l)

	cleared, err := r.store.UnbindConnection(ctx, userID, connectionID, time.Now())
	if err != nil {
		return false, storeErr("unbind", err)
	}
	return cleared, nil
}

// UnbindByConnection clears whichever user's binding still points at
// connectionID and returns that user's id. Handles that were never bound,
// or whose user already rebound elsewhere, return ok false with no error;
// disconnect signals race with binds and late ones must be harmless.
func (r *Registry) UnbindByConnection(ctx context.Context, connectionID string) (string, bool, error) {
	if connectionID == "" {
		return "", false, session.NewError(session.ErrorValidation, "connectionId is required", nil)
	}

	u, found, err := r.store.UserByConnection(ctx, connectionID)
	if err != nil {
		return "", false, storeErr("unbind", err)
	}
	if !found {
		return "", false, nil
	}

	cleared, err := r.Unbind(ctx, u.UserID, connectionID)
	if err != nil {
		return "", false, err
	}
	return u.UserID, cleared, nil
}

// Lookup resolves a user's live connection handle. ok is false when the
// user is unknown or has no live connection.
func (r *Registry) Lookup(ctx context.Context, userID string) (string, bool, error) {
	u, found, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return "", false, storeErr("lookup", err)
	}
	if !found || !u.Reachable() {
		return "", false, nil
	}
	return u.ConnectionID, true, nil
}

// LookupUser resolves which user a connection handle belongs to.
func (r *Registry) LookupUser(ctx context.Context, connectionID string) (string, bool, error) {
	u, found, err := r.store.UserByConnection(ctx, connectionID)
	if err != nil {
		return "", false, storeErr("lookup", err)
	}
	if !found {
		return "", false, nil
	}
	return u.UserID, true, nil
}

func storeErr(op string, err error) *session.Error {
	return session.NewError(session.ErrorStoreUnavailable, op+" failed", fmt.Errorf("registry: %s: %w", op, err))
}
