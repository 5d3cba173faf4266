package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(&ServerConfig{Logger: newTestLogger(t)})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func newServerTestChannel(t *testing.T, ts *httptest.Server) *Channel {
	t.Helper()
	c, err := NewChannel(&Config{
		Server: ts.URL,
		Logger: newTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRequestReply(t *testing.T) {
	s, ts := newTestServer(t)
	s.AddURL("echo", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return data, nil
	})
	s.AddURL("ping", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return "pong", nil
	})

	c := newServerTestChannel(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.RequestWait(ctx, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = c.RequestWait(ctx, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))
}

func TestServerBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	c := newServerTestChannel(t, ts)

	got := make(chan observed, 4)
	c.Register(Descriptor{ID: "clock"}, recordingObserver(got))
	require.Eventually(t, func() bool { return s.NumClients() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Broadcast(map[string]interface{}{
		"clock": map[string]string{"value": "12:00:00"},
		"other": 1,
	}, true))

	select {
	case u := <-got:
		assert.JSONEq(t, `{"value":"12:00:00"}`, u.value)
		assert.True(t, u.notify)
		assert.False(t, u.structural)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never reached observer")
	}
}

func TestServerBroadcastFanOut(t *testing.T) {
	s, ts := newTestServer(t)

	const n = 3
	chans := make([]chan observed, n)
	for i := 0; i < n; i++ {
		chans[i] = make(chan observed, 4)
		c := newServerTestChannel(t, ts)
		c.Register(Descriptor{ID: "layout"}, recordingObserver(chans[i]))
	}
	require.Eventually(t, func() bool { return s.NumClients() == n }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Broadcast(map[string]interface{}{
		"layout": map[string]interface{}{"children": []string{"a", "b"}},
	}, false))

	for i, ch := range chans {
		select {
		case u := <-ch:
			assert.False(t, u.notify, "client %d", i)
			assert.True(t, u.structural, "client %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("broadcast never reached client %d", i)
		}
	}
}

func TestServerUnknownURLProducesNoReply(t *testing.T) {
	_, ts := newTestServer(t)
	c := newServerTestChannel(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := c.RequestWait(ctx, "no_such_endpoint", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerHandlerErrorProducesNoReply(t *testing.T) {
	s, ts := newTestServer(t)
	s.AddURL("fails", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return nil, errors.New("backing store unavailable")
	})
	s.AddURL("works", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return "ok", nil
	})

	c := newServerTestChannel(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, err := c.RequestWait(ctx, "fails", nil)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the connection survives a failed handler
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.RequestWait(ctx, "works", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
}

func TestServerHealthAndVersion(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK\n", string(body))

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, BuildVersion, string(body))

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServerRejectsMismatchedProtocol(t *testing.T) {
	_, ts := newTestServer(t)

	wd := websocket.Dialer{Subprotocols: []string{"dashpush-v0"}}
	wsURL := fmt.Sprintf("ws%s%s", ts.URL[len("http"):], DefaultPathSuffix)
	conn, resp, err := wd.Dial(wsURL, nil)
	if conn != nil {
		conn.Close()
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t)
	c := newServerTestChannel(t, ts)

	c.Register(Descriptor{ID: "x"}, func(json.RawMessage, bool, bool) {})
	require.Eventually(t, func() bool { return s.NumClients() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())

	// the client observes the closure and clears its connection handle
	require.Eventually(t, func() bool {
		c.Lock.Lock()
		defer c.Lock.Unlock()
		return c.conn == nil
	}, 5*time.Second, 10*time.Millisecond)
}
