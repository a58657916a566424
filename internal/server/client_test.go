package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/alumni-forum/internal/testutil"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWsServer(t *testing.T, b *Broker, backlog []types.Message, subs chan<- *Subscription) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := b.Subscribe(context.Background(), "lobby")
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			return
		}
		subs <- sub
		NewClient(conn, sub, backlog, 0, testutil.TestLogger(t)).Serve()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err, "expected websocket dial to succeed")
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg types.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestClient_StreamsBacklogThenLive(t *testing.T) {
	b := newTestBroker(t, 8, 0)
	subs := make(chan *Subscription, 1)
	backlog := []types.Message{testMessage("lobby", 1), testMessage("lobby", 2)}

	conn := newWsServer(t, b, backlog, subs)
	sub := <-subs

	assert.Equal(t, 1, readFrame(t, conn).SeqId)
	assert.Equal(t, 2, readFrame(t, conn).SeqId)

	b.Publish(testMessage("lobby", 3))
	msg := readFrame(t, conn)
	assert.Equal(t, 3, msg.SeqId)
	assert.Equal(t, "message 3", msg.Content)

	b.CloseRoom("lobby")
	waitClosed(t, sub)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestClient_PeerCloseUnsubscribes(t *testing.T) {
	b := newTestBroker(t, 8, 0)
	subs := make(chan *Subscription, 1)

	conn := newWsServer(t, b, nil, subs)
	sub := <-subs

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitClosed(t, sub)
	assert.Equal(t, ReasonClient, sub.Reason())
	assert.Equal(t, 0, b.SubscriberCount("lobby"))
}

func Test_closeMessage(t *testing.T) {
	tcs := []struct {
		reason CloseReason
		code   int
	}{
		{ReasonShutdown, websocket.CloseGoingAway},
		{ReasonIdle, websocket.CloseGoingAway},
		{ReasonSlowConsumer, websocket.ClosePolicyViolation},
		{ReasonRoomDeleted, websocket.CloseNormalClosure},
		{ReasonClient, websocket.CloseNormalClosure},
	}

	for _, tc := range tcs {
		t.Run(tc.reason.String(), func(t *testing.T) {
			expected := websocket.FormatCloseMessage(tc.code, tc.reason.String())
			assert.Equal(t, expected, closeMessage(tc.reason))
		})
	}
}
