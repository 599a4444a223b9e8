package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	opened   int
	messages []string
	closed   int
	errs     []error
	open     chan struct{}
	msgs     chan string
}

func newRecorder() *recorder {
	return &recorder{open: make(chan struct{}, 1), msgs: make(chan string, 16)}
}

func (r *recorder) OnOpen(context.Context) {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
	r.open <- struct{}{}
}

func (r *recorder) OnMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.mu.Unlock()
	r.msgs <- string(data)
}

func (r *recorder) OnClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

var upgrader = websocket.Upgrader{}

// echoServer greets each client then acknowledges every command. The mode
// query parameter makes it end the connection right after the greeting.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		switch r.URL.Query().Get("mode") {
		case "normal":
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			_, _, _ = ws.ReadMessage()
			return
		case "drop":
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.WriteMessage(websocket.TextMessage, []byte("ack:"+string(data)))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialer(srv *httptest.Server, query string) DialFunc {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream" + query
	return func(ctx context.Context) (*websocket.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return ws, err
	}
}

func recv(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return ""
	}
}

func TestConn_SendReceiveAndClose(t *testing.T) {
	srv := echoServer(t)
	c := NewConn(dialer(srv, ""), nil)
	rec := newRecorder()

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), rec) }()
	<-rec.open
	assert.Equal(t, "hello", recv(t, rec))

	require.NoError(t, c.Send("provider {g} enable"))
	assert.Equal(t, "ack:provider {g} enable", recv(t, rec))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, <-errc)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.opened)
	assert.Equal(t, 1, rec.closed)
	assert.Empty(t, rec.errs)
	assert.ErrorIs(t, c.Send("late"), ErrClosed)
}

func TestConn_RemoteNormalCloseIsClean(t *testing.T) {
	srv := echoServer(t)
	c := NewConn(dialer(srv, "?mode=normal"), nil)
	rec := newRecorder()

	require.NoError(t, c.Run(context.Background(), rec))
	assert.Equal(t, 1, rec.closed)
	assert.Empty(t, rec.errs)
	assert.Equal(t, []string{"hello"}, rec.messages)
}

func TestConn_AbruptDropIsError(t *testing.T) {
	srv := echoServer(t)
	c := NewConn(dialer(srv, "?mode=drop"), nil)
	rec := newRecorder()

	err := c.Run(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, 0, rec.closed)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], err)
}

func TestConn_DialError(t *testing.T) {
	boom := errors.New("refused")
	c := NewConn(func(context.Context) (*websocket.Conn, error) { return nil, boom }, nil)
	rec := newRecorder()

	assert.ErrorIs(t, c.Run(context.Background(), rec), boom)
	assert.Equal(t, 0, rec.opened)
	assert.Equal(t, []error{boom}, rec.errs)
}

func TestConn_CloseBeforeRun(t *testing.T) {
	srv := echoServer(t)
	c := NewConn(dialer(srv, ""), nil)
	rec := newRecorder()

	require.NoError(t, c.Close())
	require.NoError(t, c.Run(context.Background(), rec))
	assert.Equal(t, 0, rec.opened)
	assert.Equal(t, 1, rec.closed)
	assert.ErrorIs(t, c.Send("x"), ErrClosed)
}

func TestConn_ContextCancelCloses(t *testing.T) {
	srv := echoServer(t)
	c := NewConn(dialer(srv, ""), nil)
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, rec) }()
	<-rec.open
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, 1, rec.closed)
}
