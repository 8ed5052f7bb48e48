package auth

import (
	"net/http"
	"sync"

	"github.com/npezzotti/blyss-chat/internal/types"
)

// CookieName is the cookie carrying the session token on REST and push requests.
const CookieName = "token"

func SessionCookie(token string) *http.Cookie {
	return &http.Cookie{Name: CookieName, Value: token}
}

// Provider supplies the identity of the signed in user.
type Provider interface {
	CurrentUser() (types.User, bool)
	Token() string
}

// Session is an in-memory Provider whose authenticated flag can be observed.
type Session struct {
	mu      sync.RWMutex
	user    *types.User
	token   string
	subs    map[int]chan bool
	nextSub int
}

func NewSession() *Session {
	return &Session{
		subs: make(map[int]chan bool),
	}
}

func (s *Session) CurrentUser() (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return types.User{}, false
	}
	return *s.user, true
}

func (s *Session) Authenticated() bool {
	_, ok := s.CurrentUser()
	return ok
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SignIn sets the current identity. Signing in as a different user while
// already authenticated is observed as a sign out followed by a sign in.
func (s *Session) SignIn(user types.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.user
	s.user = &user
	s.token = token

	switch {
	case prev == nil:
		s.notify(true)
	case prev.Id != user.Id:
		s.notify(false)
		s.notify(true)
	}
}

func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user == nil {
		return
	}
	s.user = nil
	s.token = ""
	s.notify(false)
}

// Subscribe returns a channel that receives the authenticated flag whenever it
// changes, starting with the current value. Only the latest value is kept if
// the subscriber falls behind.
func (s *Session) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan bool, 1)
	ch <- s.user != nil

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// notify must be called with s.mu held.
func (s *Session) notify(authenticated bool) {
	for _, ch := range s.subs {
		select {
		case ch <- authenticated:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- authenticated
		}
	}
}
