package services

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pushServer struct {
	url     string
	cookies chan string
	conns   chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()

	ps := &pushServer{
		cookies: make(chan string, 1),
		conns:   make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathPushChannel {
			http.NotFound(w, r)
			return
		}
		cookie, _ := r.Cookie(csrfCookieName)
		if cookie != nil {
			ps.cookies <- cookie.Value
		} else {
			ps.cookies <- ""
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
	}))
	t.Cleanup(server.Close)

	ps.url = "ws" + strings.TrimPrefix(server.URL, "http") + pathPushChannel
	return ps
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("push server never accepted a connection")
		return nil
	}
}

func Test_PushClient_Subscribe_Delivers_Messages_In_Order(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	sub, err := NewPushClient(ps.url, nil, zap.NewNop()).Subscribe(context.Background())
	require.NoError(t, err, "subscribe should connect")
	defer sub.Close()

	conn := ps.accept(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "card_update", "data": {"id": 1}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "delete", "data": {"id": 1}}`)))

	first, err := sub.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "card_update", "data": {"id": 1}}`, string(first))

	second, err := sub.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "delete", "data": {"id": 1}}`, string(second))
}

func Test_PushClient_Subscribe_Sends_Session_Cookies(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	wsURL, err := url.Parse(ps.url)
	require.NoError(t, err)
	httpURL := *wsURL
	httpURL.Scheme = "http"
	jar.SetCookies(&httpURL, []*http.Cookie{{Name: csrfCookieName, Value: "shared", Path: "/"}})

	sub, err := NewPushClient(ps.url, jar, zap.NewNop()).Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "shared", <-ps.cookies, "the API client's cookies travel with the handshake")
}

func Test_PushSubscription_Next_Fails_When_Server_Closes(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	sub, err := NewPushClient(ps.url, nil, zap.NewNop()).Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	conn := ps.accept(t)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	conn.Close()

	_, err = sub.Next()
	assert.Error(t, err, "a dropped connection ends the subscription")
}

func Test_PushSubscription_Close_Is_Idempotent_And_Notifies_Server(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t)
	sub, err := NewPushClient(ps.url, nil, zap.NewNop()).Subscribe(context.Background())
	require.NoError(t, err)
	conn := ps.accept(t)

	require.NoError(t, sub.Close())
	assert.NotPanics(t, func() { sub.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "server sees a normal close, got %v", err)

	_, err = sub.Next()
	assert.Error(t, err)
}

func Test_PushClient_Subscribe_Fails_When_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + pathPushChannel

	_, err := NewPushClient(wsURL, nil, zap.NewNop()).Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrTransport, "a rejected handshake is a transport failure")

	server.Close()
	_, err = NewPushClient(wsURL, nil, zap.NewNop()).Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}
