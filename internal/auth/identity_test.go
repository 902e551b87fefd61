package auth

import "testing"

func TestSessionIdentityNotifiesListenersOnChange(t *testing.T) {
	identity := NewSessionIdentity()
	if _, signedIn := identity.CurrentUser(); signedIn {
		t.Fatalf("expected a new identity to start signed out")
	}

	type notification struct {
		user     User
		signedIn bool
	}
	var received []notification
	unsubscribe := identity.OnAuthChange(func(user User, signedIn bool) {
		received = append(received, notification{user: user, signedIn: signedIn})
	})

	identity.SetUser(User{ID: "user-1", Username: "Ghost_user"})
	identity.SetUser(User{ID: "user-1", Username: "Ghost_user"})
	identity.Clear()
	identity.Clear()

	if len(received) != 2 {
		t.Fatalf("expected exactly two notifications, got %d", len(received))
	}
	if !received[0].signedIn || received[0].user.ID != "user-1" {
		t.Fatalf("unexpected sign-in notification: %#v", received[0])
	}
	if received[1].signedIn {
		t.Fatalf("expected sign-out notification, got %#v", received[1])
	}

	unsubscribe()
	unsubscribe()
	identity.SetUser(User{ID: "user-2"})
	if len(received) != 2 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", len(received))
	}
	user, signedIn := identity.CurrentUser()
	if !signedIn || user.ID != "user-2" {
		t.Fatalf("unexpected current user %#v (signed in %v)", user, signedIn)
	}
}

func TestIdentityFromClaimsSignsIn(t *testing.T) {
	identity := IdentityFromClaims(SessionClaims{UserID: " user-9 ", Username: "Neo"})
	user, signedIn := identity.CurrentUser()
	if !signedIn || user.ID != "user-9" || user.Username != "Neo" {
		t.Fatalf("unexpected identity %#v (signed in %v)", user, signedIn)
	}

	empty := IdentityFromClaims(SessionClaims{})
	if _, signedIn := empty.CurrentUser(); signedIn {
		t.Fatalf("expected empty claims to leave the identity signed out")
	}
}
