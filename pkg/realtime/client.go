package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/mentor/pkg/realtime/socketio"
)

// ErrNotConnected is returned by every send attempted without a live connection.
var ErrNotConnected = errors.New("realtime: not connected")

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
)

// Config describes how to reach and authenticate against the mentor server.
type Config struct {
	URL       string
	Path      string
	Namespace string
	Token     string
	Header    http.Header

	HandshakeTimeout time.Duration
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Client is the connection manager. It owns at most one authenticated connection
// and dispatches inbound events to the handlers installed with SetHandlers.
type Client struct {
	dialer *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   Handlers

	mu   sync.Mutex
	conn *connection
}

type connection struct {
	ws        *websocket.Conn
	sid       string
	namespace string
	heartbeat time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(opts ...Option) *Client {
	c := &Client{dialer: websocket.DefaultDialer}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHandlers replaces the handler bindings. Events dispatched after the call
// observe the new bindings.
func (c *Client) SetHandlers(h Handlers) {
	if c == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers = h
	c.handlersMu.Unlock()
}

func (c *Client) currentHandlers() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.closed.Load()
}

// SID returns the Socket.IO session id of the live connection.
func (c *Client) SID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.sid
}

// Connect dials and authenticates. When a connection is already live it is kept
// as is and no second handshake happens.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	if c == nil {
		return errors.New("realtime: nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.closed.Load() {
		log.Debug().Str("component", "realtime").Str("sid", c.conn.sid).Msg("already connected")
		return nil
	}

	conn, err := c.handshake(ctx, cfg)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop(conn)

	log.Info().Str("component", "realtime").Str("sid", conn.sid).Msg("connected")
	if h := c.currentHandlers(); h.OnConnect != nil {
		h.OnConnect(conn.sid)
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, cfg Config) (*connection, error) {
	endpoint, err := socketio.EndpointURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ws, resp, err := c.dialer.DialContext(dialCtx, endpoint, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "realtime: dial %s (status %d)", endpoint, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "realtime: dial %s", endpoint)
	}

	fail := func(err error) (*connection, error) {
		_ = ws.Close()
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)

	frame, err := readFrame(ws)
	if err != nil {
		return fail(errors.Wrap(err, "realtime: read open packet"))
	}
	info, err := socketio.DecodeOpen(frame)
	if err != nil {
		return fail(err)
	}

	var auth any
	if cfg.Token != "" {
		auth = map[string]string{"token": cfg.Token}
	}
	connectPacket, err := socketio.EncodeConnect(cfg.Namespace, auth)
	if err != nil {
		return fail(err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, connectPacket); err != nil {
		return fail(errors.Wrap(err, "realtime: send connect packet"))
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "/"
	}
	for {
		frame, err := readFrame(ws)
		if err != nil {
			return fail(errors.Wrap(err, "realtime: await connect ack"))
		}
		switch frame.Engine {
		case socketio.EnginePing:
			_ = ws.WriteMessage(websocket.TextMessage, socketio.Pong())
			continue
		case socketio.EngineClose:
			return fail(errors.New("realtime: server closed during handshake"))
		case socketio.EngineMessage:
		default:
			continue
		}
		switch frame.Type {
		case socketio.Connect:
			var ack struct {
				SID string `json:"sid"`
			}
			_ = json.Unmarshal(frame.Data, &ack)
			_ = ws.SetReadDeadline(time.Time{})
			return &connection{
				ws:        ws,
				sid:       ack.SID,
				namespace: namespace,
				heartbeat: info.HeartbeatDeadline(),
				done:      make(chan struct{}),
			}, nil
		case socketio.ConnectError:
			var rejected ErrorPayload
			_ = json.Unmarshal(frame.Data, &rejected)
			msg := strings.TrimSpace(rejected.Message)
			if msg == "" {
				msg = "connection refused"
			}
			return fail(errors.Errorf("realtime: handshake rejected: %s", msg))
		}
	}
}

func readFrame(ws *websocket.Conn) (socketio.Frame, error) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return socketio.Frame{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return socketio.Decode(data)
	}
}

// Send emits one event. It fails with ErrNotConnected when there is no live
// connection.
func (c *Client) Send(event string, payload any) error {
	if c == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.closed.Load() {
		return errors.Wrapf(ErrNotConnected, "send %s", event)
	}
	frame, err := socketio.EncodeEvent(conn.namespace, event, payload)
	if err != nil {
		return err
	}
	if err := conn.write(frame); err != nil {
		return errors.Wrapf(err, "realtime: send %s", event)
	}
	return nil
}

func (c *Client) Ask(contextID, question string) error {
	return c.Send(EventAsk, AskPayload{CourseID: contextID, Question: question})
}

// SendAudioChunk sends one captured chunk as base64.
func (c *Client) SendAudioChunk(audioBase64 string) error {
	return c.Send(EventAudioChunk, AudioChunkPayload{Audio: audioBase64})
}

func (c *Client) EndAudio(contextID string) error {
	return c.Send(EventAudioEnd, AudioEndPayload{CourseID: contextID})
}

func (c *Client) Stop() error {
	return c.Send(EventStop, nil)
}

// Disconnect closes the live connection. Without one it does nothing.
func (c *Client) Disconnect() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.closing.Store(true)
	if !conn.closed.Load() {
		_ = conn.write(socketio.EncodeDisconnect(conn.namespace))
	}
	conn.close()
	<-conn.done
	log.Info().Str("component", "realtime").Str("sid", conn.sid).Msg("disconnected")
	return nil
}

func (c *Client) readLoop(conn *connection) {
	var loopErr error
	defer func() {
		conn.close()
		close(conn.done)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if conn.closing.Load() {
			return
		}
		log.Warn().Err(loopErr).Str("component", "realtime").Str("sid", conn.sid).Msg("connection lost")
		if h := c.currentHandlers(); h.OnDisconnect != nil {
			h.OnDisconnect(loopErr)
		}
	}()

	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(conn.heartbeat))
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			loopErr = err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		frame, err := socketio.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "realtime").Msg("dropping malformed frame")
			continue
		}

		switch frame.Engine {
		case socketio.EnginePing:
			if err := conn.write(socketio.Pong()); err != nil {
				loopErr = err
				return
			}
			continue
		case socketio.EngineClose:
			loopErr = errors.New("realtime: server closed the transport")
			return
		case socketio.EngineMessage:
		default:
			continue
		}

		switch frame.Type {
		case socketio.Event:
			name, args, err := frame.EventName()
			if err != nil {
				log.Warn().Err(err).Str("component", "realtime").Msg("dropping malformed event")
				continue
			}
			if err := c.currentHandlers().dispatch(name, args); err != nil {
				log.Warn().Err(err).Str("component", "realtime").Str("event", name).Msg("event not dispatched")
			}
		case socketio.Disconnect:
			loopErr = errors.New("realtime: server disconnected the namespace")
			return
		}
	}
}

func (conn *connection) write(frame []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if conn.closed.Load() {
		return ErrNotConnected
	}
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, frame)
}

func (conn *connection) close() {
	conn.closeOnce.Do(func() {
		conn.writeMu.Lock()
		conn.closed.Store(true)
		_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.writeMu.Unlock()
		_ = conn.ws.Close()
	})
}
