package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

type coderConn struct {
	c *websocket.Conn
}

func (c *coderConn) Read(ctx context.Context) (MessageType, []byte, error) {
	mt, data, err := c.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if mt == websocket.MessageText {
		return MessageText, data, nil
	}
	return MessageBinary, data, nil
}

func (c *coderConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	mt := websocket.MessageBinary
	if typ == MessageText {
		mt = websocket.MessageText
	}
	return c.c.Write(ctx, mt, data)
}

func (c *coderConn) Ping(ctx context.Context) error {
	return c.c.Ping(ctx)
}

func (c *coderConn) Close(code StatusCode, reason string) error {
	return c.c.Close(websocket.StatusCode(code), reason)
}

func dialCoderWebSocket(ctx context.Context, rawurl string, tr *http.Transport) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: tr,
		},
	}
	conn, _, err := websocket.Dial(ctx, rawurl, opts)
	if err != nil {
		return nil, err
	}
	return &coderConn{c: conn}, nil
}
