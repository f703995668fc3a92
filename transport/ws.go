package transport

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSChannel adapts a websocket connection to the Channel interface. Frames
// travel as binary websocket messages; the websocket's ordering guarantee
// provides the reliable ordered delivery the protocol depends on.
type WSChannel struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	mu     sync.Mutex
	recv   Receiver
	closed bool
}

// NewWSChannel wraps an established websocket connection. The caller must
// invoke ReadPump (typically in its own goroutine) to start inbound
// delivery.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Send implements Channel.
func (w *WSChannel) Send(msg Message) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrChannelClosed
	}
	w.mu.Unlock()

	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	// gorilla permits one concurrent writer only.
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SetReceiver implements Channel.
func (w *WSChannel) SetReceiver(r Receiver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recv = r
}

// ReadPump reads frames until the connection fails or is closed, delivering
// each decoded message to the receiver. It returns the terminal read error.
func (w *WSChannel) ReadPump() error {
	for {
		_, frame, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "ReadPump",
					"error":    err.Error(),
				}).Warn("Websocket closed unexpectedly")
			}
			return err
		}

		msg, err := Decode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ReadPump",
				"error":    err.Error(),
			}).Warn("Dropping undecodable frame")
			continue
		}

		w.mu.Lock()
		recv := w.recv
		w.mu.Unlock()
		if recv != nil {
			recv(msg)
		}
	}
}

// Close implements Channel.
func (w *WSChannel) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close()
}
