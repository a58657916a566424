package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/alumni-forum/internal/auth"
	"github.com/npezzotti/alumni-forum/internal/chat"
	"github.com/npezzotti/alumni-forum/internal/config"
	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/npezzotti/alumni-forum/internal/gateway"
	"github.com/npezzotti/alumni-forum/internal/server"
	"github.com/npezzotti/alumni-forum/internal/stats"
	"github.com/npezzotti/alumni-forum/internal/testutil"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testEnv struct {
	app    *ForumApp
	gw     *gateway.Gateway
	broker *server.Broker
	stats  *stats.StatsUpdater
	// token carries a display name, anonToken does not
	token     string
	anonToken string
}

func newTestEnv(t *testing.T, repo database.ForumRepository, keepAlive time.Duration) *testEnv {
	t.Helper()
	return newReapingTestEnv(t, repo, keepAlive, 0)
}

// newReapingTestEnv runs the broker's idle reaper with idleTimeout.
func newReapingTestEnv(t *testing.T, repo database.ForumRepository, keepAlive, idleTimeout time.Duration) *testEnv {
	t.Helper()

	logger := testutil.TestLogger(t)
	registry := chat.NewRegistry(logger, repo)
	store := chat.NewMessageStore(logger, repo, registry)

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)

	broker := server.NewBroker(logger, registry, su, 16, idleTimeout)
	go broker.Run()
	authn := auth.NewJwtAuthenticator(testSigningKey)
	gw := gateway.NewGateway(logger, authn, registry, store, broker)

	app := NewForumApp(mux, logger, gw, repo, &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
		KeepAlive:      keepAlive,
	})
	t.Cleanup(func() {
		broker.Shutdown(context.Background())
		app.accessLog.Close()
	})

	token, err := authn.Issue(types.Identity{UserId: "alum-1", Name: "Ada Lovelace"}, time.Hour)
	require.NoError(t, err)
	anonToken, err := authn.Issue(types.Identity{UserId: "alum-2"}, time.Hour)
	require.NoError(t, err)

	return &testEnv{
		app:       app,
		gw:        gw,
		broker:    broker,
		stats:     su,
		token:     token,
		anonToken: anonToken,
	}
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	e.app.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createRoom(t *testing.T, name string) types.Room {
	t.Helper()
	rr := e.do(http.MethodPost, "/rooms", e.token, CreateRoomRequest{Name: name})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var room types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&room))
	return room
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()
	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
	return apiErr
}

func TestNewForumApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	db := &database.MockForumRepository{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
		KeepAlive:      5 * time.Second,
	}

	app := NewForumApp(mux, logger, nil, db, cfg)
	defer app.accessLog.Close()

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.validate, "expected validator to be initialized")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins)
	assert.Equal(t, cfg.KeepAlive, app.keepAlive)
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		path    string
		mockErr error
	}{
		{
			name: "successful health check",
			path: "/healthz",
		},
		{
			name: "successful health check with prefix",
			path: "/api/chat/healthz",
		},
		{
			name:    "failed health check",
			path:    "/healthz",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockForumRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping").Return(tc.mockErr).Once()

			env := newTestEnv(t, mockRepo, time.Minute)
			rr := env.do(http.MethodGet, tc.path, "", nil)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func TestCreateRoomHandler(t *testing.T) {
	tcases := []struct {
		name       string
		token      string
		body       any
		statusCode int
		errMessage string
	}{
		{
			name:       "successfully creates a room",
			token:      "valid",
			body:       CreateRoomRequest{Name: "Class of 2010"},
			statusCode: http.StatusCreated,
		},
		{
			name:       "fails without token",
			token:      "",
			body:       CreateRoomRequest{Name: "Class of 2010"},
			statusCode: http.StatusUnauthorized,
			errMessage: "unauthorized",
		},
		{
			name:       "fails with invalid token",
			token:      "not-a-jwt",
			body:       CreateRoomRequest{Name: "Class of 2010"},
			statusCode: http.StatusUnauthorized,
			errMessage: "unauthorized",
		},
		{
			name:       "invalid token wins over invalid name",
			token:      "not-a-jwt",
			body:       CreateRoomRequest{Name: ""},
			statusCode: http.StatusUnauthorized,
			errMessage: "unauthorized",
		},
		{
			name:       "fails with empty name",
			token:      "valid",
			body:       CreateRoomRequest{Name: "   "},
			statusCode: http.StatusBadRequest,
			errMessage: "invalid input: room name cannot be empty",
		},
		{
			name:       "fails with long name",
			token:      "valid",
			body:       CreateRoomRequest{Name: strings.Repeat("x", chat.MaxRoomNameLength+1)},
			statusCode: http.StatusBadRequest,
		},
		{
			name:       "fails with invalid json body",
			token:      "valid",
			body:       "invalid json",
			statusCode: http.StatusBadRequest,
			errMessage: "bad request",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)
			token := tc.token
			if token == "valid" {
				token = env.token
			}

			rr := env.do(http.MethodPost, "/rooms", token, tc.body)
			assert.Equal(t, tc.statusCode, rr.Code, rr.Body.String())

			if tc.statusCode == http.StatusCreated {
				var room types.Room
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&room))
				assert.NotEmpty(t, room.Id)
				assert.Equal(t, "Class of 2010", room.Name)
				assert.Equal(t, "alum-1", room.CreatedBy)
				assert.False(t, room.CreatedAt.IsZero())
				return
			}

			apiErr := decodeApiError(t, rr)
			assert.Equal(t, tc.statusCode, apiErr.StatusCode)
			if tc.errMessage != "" {
				assert.Equal(t, tc.errMessage, apiErr.Message)
			}

			rooms, err := env.gw.ListRooms()
			require.NoError(t, err)
			assert.Empty(t, rooms, "expected no room to be created")
		})
	}
}

func TestListRoomsHandler(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)

	rr := env.do(http.MethodGet, "/rooms", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	first := env.createRoom(t, "Class of 2009")
	second := env.createRoom(t, "Class of 2010")

	for _, path := range []string{"/rooms", "/api/chat/rooms"} {
		rr := env.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var rooms []types.Room
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&rooms))
		require.Len(t, rooms, 2)
		assert.Equal(t, second.Id, rooms[0].Id, "expected newest room first")
		assert.Equal(t, first.Id, rooms[1].Id)
	}
}

func TestMessageHandlers(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)
	room := env.createRoom(t, "Class of 2010")
	path := "/rooms/" + room.Id + "/messages"

	rr := env.do(http.MethodPost, path, env.token, SendMessageRequest{Content: "hello", Sender: "Mallory"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var msg types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
	assert.Equal(t, "Ada Lovelace", msg.Sender, "expected display name from token")
	assert.Equal(t, 1, msg.SeqId)
	assert.Equal(t, room.Id, msg.RoomId)

	rr = env.do(http.MethodPost, "/api/chat"+path, env.anonToken, SendMessageRequest{Content: "hi there", Sender: "Grace"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.do(http.MethodPost, path, env.anonToken, SendMessageRequest{Content: "third"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected missing sender to be rejected")

	rr = env.do(http.MethodPost, path, env.anonToken, SendMessageRequest{Content: strings.Repeat("x", chat.MaxContentLength+1), Sender: "Grace"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected oversized content to be rejected")

	rr = env.do(http.MethodPost, path, "", SendMessageRequest{Content: "hi", Sender: "Grace"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var messages []types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "Grace", messages[1].Sender)
	assert.Equal(t, 2, messages[1].SeqId)

	rr = env.do(http.MethodGet, path+"?after=1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	messages = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, 2, messages[0].SeqId)

	for _, bad := range []string{"-1", "abc"} {
		rr = env.do(http.MethodGet, path+"?after="+bad, "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected after=%s to be rejected", bad)
	}
}

func TestMessageHandlers_UnknownRoom(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)

	rr := env.do(http.MethodGet, "/rooms/nowhere/messages", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"status_code":404,"error":"not found"}`, rr.Body.String())

	rr = env.do(http.MethodPost, "/rooms/nowhere/messages", env.token, SendMessageRequest{Content: "hi", Sender: "Grace"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSendMessageHandler_StoreFailure(t *testing.T) {
	repo := &database.MockForumRepository{}
	defer repo.AssertExpectations(t)
	repo.On("GetRoomByExternalId", "r1").Return(database.Room{ExternalId: "r1", Name: "General"}, nil)
	repo.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection reset")).Once()

	env := newTestEnv(t, repo, time.Minute)

	rr := env.do(http.MethodPost, "/rooms/r1/messages", env.token, SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"status_code":500,"error":"internal server error"}`, rr.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)

	req := httptest.NewRequest(http.MethodOptions, "/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")

	rr := httptest.NewRecorder()
	env.app.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestDebugVars(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryForumRepository(), time.Minute)

	rr := env.do(http.MethodGet, "/debug/vars", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var vars map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&vars))
	for _, name := range []string{stats.ActiveSubscriptions, stats.MessagesPublished, stats.MessagesDelivered, stats.SubscribersDropped, "Uptime"} {
		assert.Contains(t, vars, name)
	}
}
