package push

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/stats"
	"github.com/npezzotti/blyss-chat/internal/testutil"
	"github.com/npezzotti/blyss-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var self = types.User{Id: "me", Username: "me"}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// scheduler records reconnects instead of arming real timers.
type scheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *scheduler) afterFunc(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	return fakeTimer{}
}

func (s *scheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *scheduler) fire(i int) {
	s.mu.Lock()
	f := s.fns[i]
	s.mu.Unlock()
	f()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fixture struct {
	backend *testutil.FakeBackend
	session *auth.Session
	sched   *scheduler
	rec     *recorder
	conn    *Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: testutil.NewFakeBackend(t, self),
		session: auth.NewSession(),
		sched:   &scheduler{},
		rec:     &recorder{},
	}
	f.session.SignIn(self, "session-token")

	base, err := url.Parse(f.backend.Server.URL)
	require.NoError(t, err)

	f.conn = NewConn(testutil.TestLogger(t), WebSocketURL(base), f.session, f.rec.handle, stats.NewLenientMock(), 0)
	f.conn.afterFunc = f.sched.afterFunc
	t.Cleanup(func() { f.conn.Close() })
	return f
}

func (f *fixture) authFrames() int {
	n := 0
	for _, fr := range f.backend.Frames() {
		if fr.Type == string(TypeAuth) {
			n++
		}
	}
	return n
}

func TestConnectWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	f.session.SignOut()

	err := f.conn.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, 0, f.backend.Connects(), "expected no dial without a user")
	assert.Equal(t, 0, f.sched.scheduled(), "expected no reconnect to be scheduled")
}

func TestConnectSendsAuthAndIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.conn.Connect(context.Background()))
	assert.True(t, f.conn.IsOpen())

	require.Eventually(t, func() bool { return f.authFrames() == 1 }, waitFor, tick, "expected auth frame")
	frames := f.backend.Frames()
	assert.Equal(t, "me", frames[0].UserId, "expected auth frame to carry the user id")

	require.NoError(t, f.conn.Connect(context.Background()))
	assert.Equal(t, 1, f.backend.Connects(), "expected second Connect to be a no-op")

	reqs := f.backend.Requests(testutil.RouteWebSocket)
	require.Len(t, reqs, 1)
	assert.Equal(t, "session-token", reqs[0].Cookie, "expected session cookie on the upgrade request")
}

func TestEventsAreDeliveredInOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 1 }, waitFor, tick)

	f.backend.Broadcast(map[string]any{"type": "message", "message": types.Message{Id: "m1", ThreadId: "t1"}})
	f.backend.Broadcast(map[string]any{"type": "typing", "threadId": "t1"})
	f.backend.BroadcastRaw([]byte("garbage"))
	f.backend.Broadcast(map[string]any{"type": "unread_counts", "counts": map[string]int{"t1": 1}})
	f.backend.Broadcast(map[string]any{"type": "message", "message": types.Message{Id: "m2", ThreadId: "t2"}})

	require.Eventually(t, func() bool { return len(f.rec.all()) == 3 }, waitFor, tick)
	events := f.rec.all()
	assert.Equal(t, "m1", events[0].(*MessageEvent).Message.Id)
	assert.Equal(t, types.UnreadCounts{"t1": 1}, events[1].(*UnreadCountsEvent).Counts)
	assert.Equal(t, "m2", events[2].(*MessageEvent).Message.Id)
}

func TestSend(t *testing.T) {
	f := newFixture(t)

	err := f.conn.Send(NewSendMessageFrame("t1", "hello"))
	assert.ErrorIs(t, err, ErrNotOpen, "expected send before connect to fail")

	require.NoError(t, f.conn.Connect(context.Background()))
	require.NoError(t, f.conn.Send(NewSendMessageFrame("t1", "hello")))

	require.Eventually(t, func() bool { return len(f.rec.all()) == 1 }, waitFor, tick, "expected server echo")
	echo := f.rec.all()[0].(*MessageEvent)
	assert.Equal(t, "t1", echo.Message.ThreadId)
	assert.Equal(t, "hello", echo.Message.Content)

	var sends []testutil.Frame
	for _, fr := range f.backend.Frames() {
		if fr.Type == string(TypeSendMessage) {
			sends = append(sends, fr)
		}
	}
	require.Len(t, sends, 1)
	assert.Equal(t, "t1", sends[0].ThreadId)
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 1 }, waitFor, tick)

	f.backend.DropConnections()

	require.Eventually(t, func() bool { return f.sched.scheduled() == 1 }, waitFor, tick, "expected one reconnect to be scheduled")
	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, DefaultReconnectDelay, f.sched.delays[0], "expected fixed 3000ms delay")
	assert.Equal(t, 1, f.backend.Connects(), "expected no reconnect before the delay elapses")

	f.sched.fire(0)

	assert.True(t, f.conn.IsOpen())
	require.Eventually(t, func() bool { return f.backend.Connects() == 2 }, waitFor, tick, "expected exactly one new connection")
	require.Eventually(t, func() bool { return f.authFrames() == 2 }, waitFor, tick, "expected a new auth handshake")
	assert.Equal(t, 1, f.sched.scheduled())
}

func TestNoReconnectAfterSignOut(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 1 }, waitFor, tick)

	f.backend.DropConnections()
	require.Eventually(t, func() bool { return f.sched.scheduled() == 1 }, waitFor, tick)

	f.session.SignOut()
	f.sched.fire(0)

	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, 1, f.backend.Connects(), "expected no connection attempt without a user")
	assert.Equal(t, 1, f.sched.scheduled(), "expected the loop to stop")
}

func TestCloseCancelsReconnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 1 }, waitFor, tick)

	f.backend.DropConnections()
	require.Eventually(t, func() bool { return f.sched.scheduled() == 1 }, waitFor, tick)

	require.NoError(t, f.conn.Close())
	f.sched.fire(0)

	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, 1, f.backend.Connects(), "expected torn down connection to stay down")
}

func TestCloseDoesNotScheduleReconnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 1 }, waitFor, tick)

	f.conn.Close()

	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, 0, f.sched.scheduled(), "expected teardown not to arm a reconnect")
	require.Eventually(t, func() bool { return f.backend.OpenConnections() == 0 }, waitFor, tick)

	// a fresh Connect after teardown starts a new session
	require.NoError(t, f.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.backend.Connects() == 2 }, waitFor, tick)
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	f := newFixture(t)
	f.backend.Server.Close()

	err := f.conn.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Equal(t, 1, f.sched.scheduled(), "expected failed dial to be retried later")

	f.sched.fire(0)
	assert.Equal(t, 2, f.sched.scheduled(), "expected the retry loop to continue while the server is down")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}
