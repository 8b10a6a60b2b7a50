package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestDialRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv.URL), 0)
	require.NoError(t, err)
	defer c.Close(StatusNormalClosure, "done")

	require.NoError(t, c.Write(ctx, MessageBinary, []byte("hello")))
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, MessageBinary, typ)
	require.Equal(t, "hello", string(data))
}

func TestProbeSucceeds(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Probe(ctx, wsURL(srv.URL), 0)
	require.NoError(t, err)
}

func TestProbeFailsOnUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Probe(ctx, "ws://127.0.0.1:1", 0)
	require.Error(t, err)
}
