package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// connPair connects two Conns over a real websocket, server handlers are set by setup
func connPair(t *testing.T, setup func(server *Conn)) (*Conn, func()) {
	serverDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(connection, "server", 3, logrus.WithField("side", "server"))
		setup(conn)
		conn.Handle(context.Background())
	}))
	connection, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	client := NewConn(connection, "client", 3, logrus.WithField("side", "client"))
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		client.Handle(context.Background())
	}()
	return client, func() {
		_ = client.Close(websocket.CloseNormalClosure, "")
		<-clientDone
		<-serverDone
		server.Close()
	}
}

func TestConnRequestIsAnsweredByHandler(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// given
	client, stop := connPair(t, func(server *Conn) {
		server.SetHandler("double", func(_ context.Context, _ *Conn, data json.RawMessage) (any, error) {
			var number int
			if err := json.Unmarshal(data, &number); err != nil {
				return nil, err
			}
			return number * 2, nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// when
	first, firstErr := client.Request(ctx, "double", 21, nil)
	second, secondErr := client.Request(ctx, "double", 5, nil)
	stop()

	// then
	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.Equal(t, "42", string(first))
	assert.Equal(t, "10", string(second))
}

func TestConnRequestReturnsErrorResponses(t *testing.T) {
	// given
	client, stop := connPair(t, func(server *Conn) {
		server.SetHandler("fail", func(context.Context, *Conn, json.RawMessage) (any, error) {
			return nil, &ErrorResponse{Code: "BROKEN", Message: "it broke"}
		})
	})
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// when
	_, failErr := client.Request(ctx, "fail", nil, nil)
	_, unknownErr := client.Request(ctx, "missing", nil, nil)

	// then
	var respErr *ErrorResponse
	require.ErrorAs(t, failErr, &respErr)
	assert.Equal(t, "BROKEN", respErr.Code)
	require.ErrorAs(t, unknownErr, &respErr)
	assert.Equal(t, "UNKNOWN_COMMAND", respErr.Code)
}

func TestConnRequestTimesOutWithoutResponse(t *testing.T) {
	// given
	client, stop := connPair(t, func(server *Conn) {
		server.SetHandler("slow", func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// when
	_, err := client.Request(ctx, "slow", nil, nil)

	// then
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnFailsAfterClose(t *testing.T) {
	// given
	client, stop := connPair(t, func(*Conn) {})
	stop()

	// when
	sendErr := client.Send(context.Background(), map[string]any{"command": "hello"})
	_, requestErr := client.Request(context.Background(), "hello", nil, nil)

	// then
	assert.ErrorIs(t, sendErr, ErrClosed)
	assert.ErrorIs(t, requestErr, ErrClosed)
	assert.True(t, client.Dead())
}
