package auth

import (
	"strings"
	"sync"
)

// User is the authenticated participant behind an identity.
type User struct {
	ID       string
	Username string
}

// Identity reports the current user and notifies listeners when it changes.
type Identity interface {
	CurrentUser() (User, bool)
	// OnAuthChange registers callback and returns a function that removes it.
	OnAuthChange(callback func(user User, signedIn bool)) func()
}

// SessionIdentity is an Identity fed from validated session tokens.
type SessionIdentity struct {
	mu        sync.Mutex
	user      User
	signedIn  bool
	nextID    int
	listeners map[int]func(User, bool)
}

// NewSessionIdentity returns an identity that starts signed out.
func NewSessionIdentity() *SessionIdentity {
	return &SessionIdentity{listeners: make(map[int]func(User, bool))}
}

// IdentityFromClaims returns an identity signed in as the claims' user.
func IdentityFromClaims(claims SessionClaims) *SessionIdentity {
	identity := NewSessionIdentity()
	identity.SetUser(UserFromClaims(claims))
	return identity
}

// UserFromClaims maps validated session claims to a User.
func UserFromClaims(claims SessionClaims) User {
	return User{
		ID:       strings.TrimSpace(claims.UserID),
		Username: strings.TrimSpace(claims.Username),
	}
}

func (i *SessionIdentity) CurrentUser() (User, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.user, i.signedIn
}

func (i *SessionIdentity) OnAuthChange(callback func(user User, signedIn bool)) func() {
	if callback == nil {
		return func() {}
	}
	i.mu.Lock()
	i.nextID++
	id := i.nextID
	i.listeners[id] = callback
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.listeners, id)
			i.mu.Unlock()
		})
	}
}

// SetUser signs the identity in as user. An empty user id signs it out.
func (i *SessionIdentity) SetUser(user User) {
	if strings.TrimSpace(user.ID) == "" {
		i.Clear()
		return
	}
	i.mu.Lock()
	if i.signedIn && i.user == user {
		i.mu.Unlock()
		return
	}
	i.user = user
	i.signedIn = true
	listeners := i.snapshotListenersLocked()
	i.mu.Unlock()

	for _, listener := range listeners {
		listener(user, true)
	}
}

// Clear signs the identity out.
func (i *SessionIdentity) Clear() {
	i.mu.Lock()
	if !i.signedIn {
		i.mu.Unlock()
		return
	}
	i.user = User{}
	i.signedIn = false
	listeners := i.snapshotListenersLocked()
	i.mu.Unlock()

	for _, listener := range listeners {
		listener(User{}, false)
	}
}

func (i *SessionIdentity) snapshotListenersLocked() []func(User, bool) {
	listeners := make([]func(User, bool), 0, len(i.listeners))
	for _, listener := range i.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}
