package monitor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/database"
	"github.com/npezzotti/blyss-chat/internal/stats"
	"github.com/npezzotti/blyss-chat/internal/testutil"
	"github.com/npezzotti/blyss-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakePush bool

func (p fakePush) IsOpen() bool { return bool(p) }

type fakeChat struct {
	threads []types.Thread
	unread  int
}

func (c fakeChat) Threads() []types.Thread { return c.threads }
func (c fakeChat) TotalUnread() int        { return c.unread }

func TestNewServer(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)

	s := NewServer(mux, logger, "localhost:6060", Probes{})

	assert.NotNil(t, s.srv, "expected http server to be initialized")
	assert.Equal(t, logger, s.log, "expected logger to be set")
	assert.Equal(t, "localhost:6060", s.srv.Addr, "expected server address to match")

	_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "GET /healthz", pattern)
}

func getHealth(t *testing.T, s *Server) (int, HealthResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp), "expected a JSON body")
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	return rr.Code, resp
}

func TestHealthz(t *testing.T) {
	t.Run("signed in", func(t *testing.T) {
		session := auth.NewSession()
		session.SignIn(types.User{Id: "me", Username: "me"}, "token")

		s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "", Probes{
			Identity: session,
			Push:     fakePush(true),
			Chat:     fakeChat{threads: make([]types.Thread, 3), unread: 7},
		})

		code, resp := getHealth(t, s)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, HealthResponse{
			Status:        "ok",
			Authenticated: true,
			UserId:        "me",
			PushOpen:      true,
			Threads:       3,
			Unread:        7,
		}, resp)
	})

	t.Run("signed out", func(t *testing.T) {
		s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "", Probes{
			Identity: auth.NewSession(),
			Push:     fakePush(false),
		})

		code, resp := getHealth(t, s)
		assert.Equal(t, http.StatusOK, code, "expected a closed push channel not to fail the check")
		assert.False(t, resp.Authenticated)
		assert.False(t, resp.PushOpen)
		assert.Empty(t, resp.UserId)
	})

	t.Run("archive reachable", func(t *testing.T) {
		archive := &database.MockArchive{}
		archive.On("Ping", mock.Anything).Return(nil).Once()

		s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "", Probes{Archive: archive})

		code, resp := getHealth(t, s)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp.Archive)
		archive.AssertExpectations(t)
	})

	t.Run("archive unreachable", func(t *testing.T) {
		archive := &database.MockArchive{}
		archive.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()

		s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "", Probes{Archive: archive})

		code, resp := getHealth(t, s)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "unavailable", resp.Archive)
	})

	t.Run("metrics", func(t *testing.T) {
		su := stats.NewStatsUpdater(nil)
		su.RegisterMetric(stats.MessagesSent)

		s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "", Probes{Stats: su})

		_, resp := getHealth(t, s)
		assert.Contains(t, resp.Metrics, stats.MessagesSent)
		assert.Contains(t, resp.Metrics, "Uptime")
	})
}

func TestDebugVarsAreServed(t *testing.T) {
	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.RegisterMetric(stats.PushConnects)
	su.Run()
	defer su.Stop()
	su.Incr(stats.PushConnects)
	require.Eventually(t, func() bool { return su.Value(stats.PushConnects) == 1 }, time.Second, 10*time.Millisecond)

	s := NewServer(mux, testutil.TestLogger(t), "", Probes{})

	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"), "expected compressed response")

	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)

	var vars map[string]any
	require.NoError(t, json.Unmarshal(body, &vars))
	assert.EqualValues(t, 1, vars[stats.PushConnects])
}

func TestRequestsAreLogged(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := log.New(buf, "", 0)
	s := NewServer(http.NewServeMux(), logger, "", Probes{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Contains(t, buf.String(), "GET /healthz")
}

func Test_errorHandler_Panic(t *testing.T) {
	buf := &bytes.Buffer{}
	s := &Server{log: log.New(buf, "", 0)}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := s.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, rr.Body.String(), "internal server error")
	assert.Contains(t, buf.String(), "panic: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	s := &Server{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := s.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestStartShutdown(t *testing.T) {
	s := NewServer(http.NewServeMux(), testutil.TestLogger(t), "127.0.0.1:0", Probes{})

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Eventually(t, func() bool { return s.Shutdown(ctx) == nil }, time.Second, 10*time.Millisecond)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("expected Start to return after Shutdown")
	}
}
