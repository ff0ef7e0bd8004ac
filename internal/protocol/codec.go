package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec reads and writes Frames as UTF-8 JSON text messages over a
// websocket connection. Writes are serialized through a single lock so at
// most one frame is ever in flight on the wire at a time.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serializes and sends a frame as a text message.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send is a convenience wrapper that builds a frame from a tag and payload
// before writing it.
func (c *Codec) Send(tag string, payload any) error {
	f, err := NewFrame(tag, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// ReadFrame reads and deserializes the next frame from the websocket.
// Unknown tags are returned as a decoded Frame (not an error) so that
// callers can reply with ERROR{UNKNOWN_MESSAGE} per the protocol's
// "continue" policy rather than tearing down the connection.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ErrInvalidMessage{Err: err}
	}
	return &f, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
