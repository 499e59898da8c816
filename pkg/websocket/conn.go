package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeper/asmux/pkg/router"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Close codes used by asmux
const (
	CloseReplaced          = 4001
	CloseNotAcknowledged   = 4002
	CloseServiceRestart    = websocket.CloseServiceRestart
	CloseInternalError     = websocket.CloseInternalServerErr
	closeGracePeriod       = time.Second
	commandResponse        = "response"
	commandError           = "error"
	defaultProtocolVersion = 1
)

var (
	// ErrClosed is returned when sending through a closed connection
	ErrClosed = errors.New("websocket connection closed")
	// ErrNotConnected is returned when the appservice has no websocket
	ErrNotConnected = errors.New("websocket not connected")
)

// Message is an inbound websocket message
type Message struct {
	Command string          `json:"command"`
	ID      int64           `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse is returned by Request when the other side answers with an error
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Handler answers a command sent by the other side. The returned value is sent back as
// the response data.
type Handler func(ctx context.Context, conn *Conn, data json.RawMessage) (any, error)

type writeChanRequest struct {
	payload []byte
	errChan chan error
}

// Conn is a command/response connection on top of a websocket
type Conn struct {
	Identifier string
	Protocol   int

	connection *websocket.Conn
	writeChan  chan writeChanRequest
	responses  chan Message
	router     *router.ResponseRouter[Message]
	handlers   map[string]Handler
	heartbeat  time.Duration

	nextID       atomic.Int64
	timeouts     atomic.Int32
	lastReceived atomic.Int64
	dead         atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once

	logger *logrus.Entry
}

// SetHandler registers a handler for a command. Must be called before Handle.
func (c *Conn) SetHandler(command string, handler Handler) {
	c.handlers[command] = handler
}

func (c *Conn) sendWorker() {
	c.logger.Debug("Started websocket sending worker")
	defer c.logger.Debug("Stopped websocket sending worker")
	for {
		select {
		case <-c.closed:
			return
		case request := <-c.writeChan:
			writeErr := c.connection.WriteMessage(websocket.TextMessage, request.payload)
			if writeErr != nil {
				request.errChan <- fmt.Errorf("failed writing message to websocket: %w", writeErr)
				continue
			}
			c.logger.Tracef("Wrote websocket message %s", request.payload)
			request.errChan <- nil
		}
	}
}

// Send writes a message with given top level fields
func (c *Conn) Send(ctx context.Context, msg map[string]any) error {
	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return marshalErr
	}
	request := writeChanRequest{payload: payload, errChan: make(chan error, 1)}
	select {
	case c.writeChan <- request:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-request.errChan:
		return err
	case <-c.closed:
		return ErrClosed
	}
}

// Request sends a command and waits for the response with the same ID. topLevel fields are
// merged into the message itself, next to command and id.
func (c *Conn) Request(ctx context.Context, command string, data any, topLevel map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	mailbox := c.router.Get(key)
	defer c.router.Done(key)

	msg := map[string]any{}
	for k, v := range topLevel {
		msg[k] = v
	}
	msg["command"] = command
	msg["id"] = id
	if data != nil {
		msg["data"] = data
	}
	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case response, ok := <-mailbox:
		if !ok {
			return nil, ErrClosed
		}
		if response.Command == commandError {
			respErr := &ErrorResponse{}
			if err := json.Unmarshal(response.Data, respErr); err != nil {
				respErr.Message = string(response.Data)
			}
			return nil, respErr
		}
		return response.Data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) reply(ctx context.Context, msg Message, result any, handleErr error) {
	if msg.ID == 0 {
		return
	}
	response := map[string]any{"command": commandResponse, "id": msg.ID}
	if handleErr != nil {
		response["command"] = commandError
		code := "M_UNKNOWN"
		var respErr *ErrorResponse
		if errors.As(handleErr, &respErr) {
			code = respErr.Code
		}
		response["data"] = ErrorResponse{Code: code, Message: handleErr.Error()}
	} else if result != nil {
		response["data"] = result
	}
	if err := c.Send(ctx, response); err != nil {
		c.logger.Warnf("Failed to respond to %s #%d: %v", msg.Command, msg.ID, err)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg Message) {
	handler, found := c.handlers[msg.Command]
	if !found {
		c.logger.Debugf("Received unknown command %s", msg.Command)
		c.reply(ctx, msg, nil, &ErrorResponse{Code: "UNKNOWN_COMMAND", Message: "Unknown command " + msg.Command})
		return
	}
	result, handleErr := handler(ctx, c, msg.Data)
	if handleErr != nil {
		c.logger.Warnf("Error handling %s: %v", msg.Command, handleErr)
	}
	c.reply(ctx, msg, result, handleErr)
}

// Handle reads messages until the connection is closed
func (c *Conn) Handle(ctx context.Context) {
	defer close(c.responses)
	defer c.dead.Store(true)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.heartbeat > 0 {
		go c.heartbeatWorker()
	}
	for {
		_, raw, readErr := c.connection.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnf("Websocket read failed: %v", readErr)
			} else {
				c.logger.Debugf("Websocket closed: %v", readErr)
			}
			c.shutdown()
			return
		}
		c.lastReceived.Store(time.Now().UnixNano())
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warnf("Received invalid websocket message: %v", err)
			continue
		}
		c.logger.Tracef("Got websocket message %s", raw)
		switch msg.Command {
		case commandResponse, commandError:
			c.responses <- msg
		default:
			go c.dispatch(ctx, msg)
		}
	}
}

func (c *Conn) heartbeatWorker() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.connection.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(c.heartbeat),
			); err != nil {
				c.logger.Debugf("Failed to send heartbeat: %v", err)
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.connection.Close()
	})
}

// Close sends a close frame with given code and status, then drops the connection
func (c *Conn) Close(code int, status string) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	c.logger.Debugf("Closing websocket with code %d (%s)", code, status)
	writeErr := c.connection.WriteControl(
		websocket.CloseMessage, websocket.FormatCloseMessage(code, status), time.Now().Add(closeGracePeriod),
	)
	c.shutdown()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", writeErr)
	}
	return nil
}

// Closed is closed once the connection is gone
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Dead returns true after the reader loop finished
func (c *Conn) Dead() bool {
	return c.dead.Load()
}

// Timeouts is the number of consecutive unacknowledged transactions
func (c *Conn) Timeouts() int {
	return int(c.timeouts.Load())
}

func (c *Conn) addTimeout() int {
	return int(c.timeouts.Add(1))
}

func (c *Conn) resetTimeouts() {
	c.timeouts.Store(0)
}

// LastReceived returns when the last message was read from the connection
func (c *Conn) LastReceived() time.Time {
	return time.Unix(0, c.lastReceived.Load())
}

// ConnOption customizes a Conn
type ConnOption func(*Conn)

// WithHeartbeat makes the connection send websocket pings in given interval
func WithHeartbeat(interval time.Duration) ConnOption {
	return func(c *Conn) {
		c.heartbeat = interval
	}
}

// NewConn wraps a websocket connection. Handle has to be called to start reading.
func NewConn(connection *websocket.Conn, identifier string, protocol int, logger *logrus.Entry, opts ...ConnOption) *Conn {
	responses := make(chan Message)
	c := &Conn{
		Identifier: identifier,
		Protocol:   protocol,
		connection: connection,
		writeChan:  make(chan writeChanRequest),
		responses:  responses,
		router:     router.NewResponseRouter(responses, func(msg Message) string { return strconv.FormatInt(msg.ID, 10) }),
		handlers:   map[string]Handler{},
		closed:     make(chan struct{}),
		logger:     logger,
	}
	c.lastReceived.Store(time.Now().UnixNano())
	for _, opt := range opts {
		opt(c)
	}
	go c.sendWorker()
	return c
}
