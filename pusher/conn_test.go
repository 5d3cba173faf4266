package pusher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	for _, tc := range []struct {
		server string
		suffix string
		want   string
	}{
		{"vizy.local", "/_push", "ws://vizy.local:80/_push"},
		{"vizy.local:8050", "/_push", "ws://vizy.local:8050/_push"},
		{"http://vizy.local:8050", "/_push", "ws://vizy.local:8050/_push"},
		{"https://vizy.example.com", "/_push", "wss://vizy.example.com:443/_push"},
		{"ws://vizy.local:8050", "/_push", "ws://vizy.local:8050/_push"},
		{"wss://vizy.example.com", "/_push", "wss://vizy.example.com:443/_push"},
		{"http://vizy.local:8050/app/", "/_push", "ws://vizy.local:8050/app/_push"},
	} {
		got, err := endpointURL(tc.server, tc.suffix)
		require.NoError(t, err, "server %q", tc.server)
		assert.Equal(t, tc.want, got, "server %q", tc.server)
	}
}

func TestWebSocketDialerHandshakeFailure(t *testing.T) {
	// a plain HTTP endpoint refuses the upgrade; the dialer must surface
	// the error and release the handshake response
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a websocket endpoint"))
	}))
	t.Cleanup(ts.Close)

	d := &WebSocketDialer{HandshakeTimeout: 5 * time.Second}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	mc, err := d.DialContext(context.Background(), wsURL)
	assert.Error(t, err)
	assert.Nil(t, mc)
}
