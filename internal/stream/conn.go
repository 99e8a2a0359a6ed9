package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Conn wraps a media stream websocket. Writes are serialized and the
// connection is closed at most once.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
	closeCode int
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, logger: zap.NewNop()}
}

// ReadMessage reads the next text frame. A positive timeout bounds the wait
// for this message only.
func (c *Conn) ReadMessage(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, c.mapReadErr(err)
	}
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.mapReadErr(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// ReadEvent reads the next live media stream event without a deadline.
// Frames that fail to parse are skipped, so the only error it returns is a
// read failure wrapping protocol.ErrStreamClosed.
func (c *Conn) ReadEvent() (protocol.Event, error) {
	for {
		data, err := c.ReadMessage(0)
		if err != nil {
			return protocol.Event{}, err
		}
		ev, err := protocol.ParseEvent(data)
		switch {
		case err == nil:
			return ev, nil
		case errors.Is(err, protocol.ErrUnsupportedEvent):
			continue
		case errors.Is(err, protocol.ErrMalformedJSON), errors.Is(err, protocol.ErrMissingPayload):
			c.logger.Warn("skipping invalid media stream frame", zap.Error(err))
			continue
		default:
			return protocol.Event{}, err
		}
	}
}

func (c *Conn) WriteEvent(ev protocol.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("%w: write after close", protocol.ErrStreamClosed)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrStreamClosed, err)
	}
	return nil
}

// CloseWithCode sends a close frame with code and closes the socket. Only
// the first call has any effect; secondary errors are swallowed.
func (c *Conn) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeMu.Unlock()

		werr := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = fmt.Errorf("send close frame: %w", werr)
		}
		_ = c.ws.Close()
	})
	return err
}

// CloseCode returns the code passed to the first CloseWithCode call, or 0.
func (c *Conn) CloseCode() int {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func (c *Conn) mapReadErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", errReadTimeout, err)
	}
	return fmt.Errorf("%w: %v", protocol.ErrStreamClosed, err)
}

var errReadTimeout = errors.New("read timeout")
