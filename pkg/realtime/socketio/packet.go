// Package socketio encodes and decodes the Engine.IO v4 / Socket.IO v5 text frames
// used by the mentor server over a plain websocket transport.
package socketio

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	Connect      byte = '0'
	Disconnect   byte = '1'
	Event        byte = '2'
	Ack          byte = '3'
	ConnectError byte = '4'
	BinaryEvent  byte = '5'
	BinaryAck    byte = '6'
)

var ErrEmptyFrame = errors.New("socketio: empty frame")

// OpenInfo is the payload of the Engine.IO open packet.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// HeartbeatDeadline is how long the client may wait for the next server ping.
func (o OpenInfo) HeartbeatDeadline() time.Duration {
	interval := o.PingInterval
	if interval <= 0 {
		interval = 25000
	}
	timeout := o.PingTimeout
	if timeout <= 0 {
		timeout = 20000
	}
	return time.Duration(interval+timeout) * time.Millisecond
}

// Frame is one decoded websocket text frame.
type Frame struct {
	Engine byte
	// The fields below are only set for Engine.IO message frames.
	Type      byte
	Namespace string
	AckID     int64
	HasAck    bool
	Data      json.RawMessage
}

// EventName returns the event name and arguments of an EVENT frame.
func (f Frame) EventName() (string, []json.RawMessage, error) {
	if f.Engine != EngineMessage || f.Type != Event {
		return "", nil, errors.Errorf("socketio: frame is not an event (engine=%c type=%c)", f.Engine, f.Type)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(f.Data, &parts); err != nil {
		return "", nil, errors.Wrap(err, "socketio: decode event array")
	}
	if len(parts) == 0 {
		return "", nil, errors.New("socketio: event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, errors.Wrap(err, "socketio: decode event name")
	}
	return name, parts[1:], nil
}

// Decode parses a websocket text frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	f := Frame{Engine: raw[0], Namespace: "/"}
	body := raw[1:]
	switch f.Engine {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		f.Data = append(json.RawMessage(nil), body...)
		return f, nil
	case EngineMessage:
	default:
		return Frame{}, errors.Errorf("socketio: unknown engine packet type %q", f.Engine)
	}

	if len(body) == 0 {
		return Frame{}, errors.New("socketio: message frame without socket packet")
	}
	f.Type = body[0]
	if f.Type < Connect || f.Type > BinaryAck {
		return Frame{}, errors.Errorf("socketio: unknown socket packet type %q", f.Type)
	}
	if f.Type == BinaryEvent || f.Type == BinaryAck {
		return Frame{}, errors.New("socketio: binary packets are not supported")
	}
	rest := body[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			f.Namespace = string(rest)
			rest = nil
		} else {
			f.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return Frame{}, errors.Wrap(err, "socketio: parse ack id")
		}
		f.AckID = id
		f.HasAck = true
		rest = rest[digits:]
	}
	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Frame{}, errors.New("socketio: invalid json payload")
		}
		f.Data = append(json.RawMessage(nil), rest...)
	}
	return f, nil
}

// DecodeOpen parses the payload of an Engine.IO open frame.
func DecodeOpen(f Frame) (OpenInfo, error) {
	if f.Engine != EngineOpen {
		return OpenInfo{}, errors.Errorf("socketio: expected open packet, got %q", f.Engine)
	}
	var info OpenInfo
	if err := json.Unmarshal(f.Data, &info); err != nil {
		return OpenInfo{}, errors.Wrap(err, "socketio: decode open payload")
	}
	return info, nil
}

// EncodeConnect builds the namespace CONNECT packet carrying the auth object.
func EncodeConnect(namespace string, auth any) ([]byte, error) {
	buf := []byte{EngineMessage, Connect}
	buf = appendNamespace(buf, namespace)
	if auth != nil {
		b, err := json.Marshal(auth)
		if err != nil {
			return nil, errors.Wrap(err, "socketio: encode auth")
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// EncodeDisconnect builds the namespace DISCONNECT packet.
func EncodeDisconnect(namespace string) []byte {
	return appendNamespace([]byte{EngineMessage, Disconnect}, namespace)
}

// EncodeEvent builds an EVENT packet: 42["name",payload].
func EncodeEvent(namespace string, name string, payload any) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("socketio: event name is empty")
	}
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "socketio: encode event %s", name)
	}
	buf := appendNamespace([]byte{EngineMessage, Event}, namespace)
	return append(buf, b...), nil
}

// Pong is the reply to a server ping.
func Pong() []byte { return []byte{EnginePong} }

func appendNamespace(buf []byte, namespace string) []byte {
	if namespace == "" || namespace == "/" {
		return buf
	}
	if !strings.HasPrefix(namespace, "/") {
		namespace = "/" + namespace
	}
	buf = append(buf, namespace...)
	return append(buf, ',')
}

// EndpointURL turns a server base URL (http, https, ws or wss) into the Engine.IO
// websocket endpoint.
func EndpointURL(base string, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("socketio: empty server url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "socketio: parse server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("socketio: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("socketio: server url has no host")
	}
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
