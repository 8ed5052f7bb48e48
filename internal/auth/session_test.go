package auth

import (
	"testing"

	"github.com/npezzotti/blyss-chat/internal/types"
	"github.com/stretchr/testify/assert"
)

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	default:
		t.Fatal("expected a value on the subscription channel")
		return false
	}
}

func TestSession(t *testing.T) {
	s := NewSession()

	_, ok := s.CurrentUser()
	assert.False(t, ok, "expected no user before sign in")
	assert.False(t, s.Authenticated())

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	assert.False(t, receive(t, ch), "expected initial state to be delivered")

	s.SignIn(types.User{Id: "me", Username: "me"}, "tok")
	assert.True(t, receive(t, ch), "expected sign in to be delivered")
	assert.Equal(t, "tok", s.Token())

	user, ok := s.CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "me", user.Id)

	// same user again is not a transition
	s.SignIn(types.User{Id: "me"}, "tok2")
	assert.Len(t, ch, 0, "expected no notification for the same user")
	assert.Equal(t, "tok2", s.Token())

	s.SignOut()
	assert.False(t, receive(t, ch), "expected sign out to be delivered")
	assert.Empty(t, s.Token())

	s.SignOut()
	assert.Len(t, ch, 0, "expected no notification when already signed out")
}

func TestSessionSwitchUser(t *testing.T) {
	s := NewSession()
	s.SignIn(types.User{Id: "a"}, "tok-a")

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	assert.True(t, receive(t, ch))

	s.SignIn(types.User{Id: "b"}, "tok-b")
	// the subscriber fell behind; only the latest value is kept
	assert.True(t, receive(t, ch))
	user, _ := s.CurrentUser()
	assert.Equal(t, "b", user.Id)
}

func TestSessionUnsubscribe(t *testing.T) {
	s := NewSession()
	ch, unsubscribe := s.Subscribe()
	receive(t, ch)
	unsubscribe()

	s.SignIn(types.User{Id: "me"}, "tok")
	assert.Len(t, ch, 0, "expected no notification after unsubscribe")
}

func TestSessionCookie(t *testing.T) {
	c := SessionCookie("abc")
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "abc", c.Value)
}
