// Package session keeps each user's stored transport id in agreement with the
// transports that are actually open, and fans events out to a user's live session.
//
// The Identity Store holds the authoritative transport id per user. The registry
// additionally tracks the endpoints this process has joined to each user's group.
// A session is live when the stored id names an endpoint in the user's group.
//
// All operations for one user id are serialized, so a read-then-write never
// interleaves with another operation on the same user. OnTransportClosed re-reads the
// stored id under that lock and only clears it if it still names the closed transport.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/store"
	"github.com/rs/zerolog"
)

// Response messages.
const (
	MsgUserNotFound   = "User does not exist"
	MsgSocketUpdated  = "Socket was updated"
	MsgSocketUpToDate = "Socket is up to date"
)

// Store is the part of the Identity Store the registry needs.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetUserBySocket(ctx context.Context, socketID string) (*store.User, error)
	UpdateUserSocketID(ctx context.Context, id int64, socketID *string) (*store.User, error)
}

// Endpoint is one live transport connection.
type Endpoint interface {
	ID() string
	Send(event string, payload any) error
}

// Registry maps users to their live transport.
type Registry struct {
	log   zerolog.Logger
	store Store

	mu     sync.Mutex
	groups map[int64]map[string]Endpoint // user id → transport id → endpoint
	member map[string]int64              // transport id → user id whose group it joined
	locks  map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(log zerolog.Logger, st Store) *Registry {
	return &Registry{
		log:    log.With().Str("component", "session").Logger(),
		store:  st,
		groups: make(map[int64]map[string]Endpoint),
		member: make(map[string]int64),
		locks:  make(map[int64]*userLock),
	}
}

// lockUser serializes work on one user id. The returned func releases it.
func (r *Registry) lockUser(userID int64) func() {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
		r.mu.Unlock()
	}
}

// Register binds ep to the user: the stored transport id becomes ep.ID() and ep
// joins the user's group. The write is skipped when the id is already stored.
func (r *Registry) Register(ctx context.Context, userID int64, ep Endpoint) (protocol.CallbackResponse, error) {
	unlock := r.lockUser(userID)
	defer unlock()

	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return protocol.CallbackResponse{}, storeFailure(OpLoadUser, err)
	}
	if user == nil {
		return protocol.Fail(MsgUserNotFound), nil
	}

	if !socketIs(user.SocketID, ep.ID()) {
		id := ep.ID()
		if _, err := r.store.UpdateUserSocketID(ctx, userID, &id); err != nil {
			return protocol.CallbackResponse{}, storeFailure(OpUpdateSocket, err)
		}
		r.log.Debug().Int64("user", userID).Str("socket", id).Msg("stored transport id")
	}

	r.Join(userID, ep)

	r.log.Info().Int64("user", userID).Str("socket", ep.ID()).Msg("user registered")
	return protocol.OKForUser(fmt.Sprintf("User %d added", userID), userID), nil
}

// Unregister clears the user's stored transport id, if any, and empties the
// user's group. It succeeds for any existing user.
func (r *Registry) Unregister(ctx context.Context, userID int64) (protocol.CallbackResponse, error) {
	unlock := r.lockUser(userID)
	defer unlock()

	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return protocol.CallbackResponse{}, storeFailure(OpLoadUser, err)
	}
	if user == nil {
		return protocol.Fail(MsgUserNotFound), nil
	}

	if user.SocketID != nil {
		if _, err := r.store.UpdateUserSocketID(ctx, userID, nil); err != nil {
			return protocol.CallbackResponse{}, storeFailure(OpUpdateSocket, err)
		}
	}

	r.leaveAll(userID)

	r.log.Info().Int64("user", userID).Msg("user unregistered")
	return protocol.OKForUser(fmt.Sprintf("User %d removed", userID), userID), nil
}

// Reconcile makes the stored transport id match ep after a possible silent
// reconnect. The response tells whether a write was needed.
func (r *Registry) Reconcile(ctx context.Context, userID int64, ep Endpoint) (protocol.CallbackResponse, error) {
	unlock := r.lockUser(userID)
	defer unlock()

	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return protocol.CallbackResponse{}, storeFailure(OpLoadUser, err)
	}
	if user == nil {
		return protocol.Fail(MsgUserNotFound), nil
	}

	r.Join(userID, ep)

	if socketIs(user.SocketID, ep.ID()) {
		return protocol.OK(MsgSocketUpToDate), nil
	}

	id := ep.ID()
	if _, err := r.store.UpdateUserSocketID(ctx, userID, &id); err != nil {
		return protocol.CallbackResponse{}, storeFailure(OpUpdateSocket, err)
	}
	r.log.Info().Int64("user", userID).Str("socket", id).Msg("transport id reconciled")
	return protocol.OK(MsgSocketUpdated), nil
}

// OnTransportClosed unbinds the closed transport. The stored id is cleared only if
// it still names socketID; a user who already registered a newer transport keeps it.
// Failures are logged, never returned.
func (r *Registry) OnTransportClosed(ctx context.Context, socketID string) {
	r.leave(socketID)

	user, err := r.store.GetUserBySocket(ctx, socketID)
	if err != nil {
		r.log.Error().Err(err).Str("socket", socketID).Msg("failed to look up user for closed transport")
		return
	}
	if user == nil {
		r.log.Debug().Str("socket", socketID).Msg("closed transport was not bound")
		return
	}

	unlock := r.lockUser(user.ID)
	defer unlock()

	current, err := r.store.GetUserByID(ctx, user.ID)
	if err != nil {
		r.log.Error().Err(err).Int64("user", user.ID).Msg("failed to reload user for closed transport")
		return
	}
	if current == nil || !socketIs(current.SocketID, socketID) {
		r.log.Debug().Int64("user", user.ID).Str("socket", socketID).Msg("closed transport already superseded")
		return
	}

	if _, err := r.store.UpdateUserSocketID(ctx, user.ID, nil); err != nil {
		r.log.Error().Err(err).Int64("user", user.ID).Msg("failed to clear transport id")
		return
	}
	r.log.Info().Int64("user", user.ID).Str("socket", socketID).Msg("transport closed, user unbound")
}

// Join adds ep to the user's group. An endpoint belongs to at most one group.
func (r *Registry) Join(userID int64, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.member[ep.ID()]; ok && prev != userID {
		r.removeLocked(prev, ep.ID())
	}
	group, ok := r.groups[userID]
	if !ok {
		group = make(map[string]Endpoint)
		r.groups[userID] = group
	}
	if _, ok := group[ep.ID()]; !ok {
		group[ep.ID()] = ep
		r.member[ep.ID()] = userID
		metrics.SessionsActive.Inc()
	}
}

func (r *Registry) leave(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID, ok := r.member[socketID]; ok {
		r.removeLocked(userID, socketID)
	}
}

func (r *Registry) leaveAll(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for socketID := range r.groups[userID] {
		r.removeLocked(userID, socketID)
	}
}

func (r *Registry) removeLocked(userID int64, socketID string) {
	group := r.groups[userID]
	if _, ok := group[socketID]; !ok {
		return
	}
	delete(group, socketID)
	delete(r.member, socketID)
	if len(group) == 0 {
		delete(r.groups, userID)
	}
	metrics.SessionsActive.Dec()
}

// Members returns the endpoints in the user's group.
func (r *Registry) Members(userID int64) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := make([]Endpoint, 0, len(r.groups[userID]))
	for _, ep := range r.groups[userID] {
		eps = append(eps, ep)
	}
	return eps
}

// Emit pushes event to the user's live session. It returns a *NotConnectedError
// when the user has no live session and a *StoreError when the lookup fails.
func (r *Registry) Emit(ctx context.Context, userID int64, event string, payload any) error {
	err := r.emit(ctx, userID, event, payload)
	metrics.EmitsTotal.WithLabelValues(event, emitResult(err)).Inc()
	return err
}

func (r *Registry) emit(ctx context.Context, userID int64, event string, payload any) error {
	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return storeFailure(OpLoadUser, err)
	}
	if user == nil || user.SocketID == nil {
		return &NotConnectedError{UserID: userID}
	}

	members := r.Members(userID)
	if len(members) == 0 {
		return &NotConnectedError{UserID: userID}
	}

	var delivered int
	var lastErr error
	for _, ep := range members {
		if err := ep.Send(event, payload); err != nil {
			r.log.Warn().Err(err).Int64("user", userID).Str("socket", ep.ID()).Str("event", event).Msg("push failed")
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return &NotConnectedError{UserID: userID, Err: lastErr}
	}

	r.log.Debug().Int64("user", userID).Str("event", event).Int("endpoints", delivered).Msg("event pushed")
	return nil
}

func socketIs(stored *string, id string) bool {
	return stored != nil && *stored == id
}
