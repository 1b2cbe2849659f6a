package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const (
	SocketMessageTypeAuth    = "auth"
	SocketMessageTypeAuthOk  = "auth_ok"
	SocketMessageTypeAuthErr = "auth_err"
	SocketMessageTypePing    = "ping"
	SocketMessageTypePong    = "pong"
	SocketMessageTypeUpdate  = "update"
)

// SocketMessage is one frame of the platform socket protocol. All frames
// share this shape; `type` selects which fields are meaningful.
type SocketMessage struct {
	Type         string         `json:"type"`
	SessionKey   string         `json:"session_key,omitempty"`
	ConnectionId string         `json:"connection_id,omitempty"`
	Token        string         `json:"token,omitempty"`
	Category     string         `json:"category,omitempty"`
	Action       string         `json:"action,omitempty"`
	Identity     string         `json:"identity,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// SocketConn is one live connection to the platform socket endpoint.
// Send and Receive may be called from different goroutines; Receive must
// not be called concurrently with itself.
type SocketConn interface {
	Send(message *SocketMessage) error
	Receive() (*SocketMessage, error)
	Close() error
}

// (ctx, platformUrl)
type SocketDialFunc func(ctx context.Context, platformUrl string) (SocketConn, error)

type WsSocketSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// ReadTimeout must exceed the heartbeat interval or healthy idle
	// connections get torn down between pings.
	ReadTimeout time.Duration
}

func DefaultWsSocketSettings() *WsSocketSettings {
	return &WsSocketSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        75 * time.Second,
	}
}

// NewWsDialFunc returns a dialer for the platform websocket endpoint.
func NewWsDialFunc(settings *WsSocketSettings) SocketDialFunc {
	return func(ctx context.Context, platformUrl string) (SocketConn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, platformUrl, nil)
		if err != nil {
			return nil, err
		}
		return &wsSocketConn{
			ws:       ws,
			settings: settings,
		}, nil
	}
}

type wsSocketConn struct {
	ws       *websocket.Conn
	settings *WsSocketSettings

	sendLock sync.Mutex
}

func (self *wsSocketConn) Send(message *SocketMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, payload)
}

func (self *wsSocketConn) Receive() (*SocketMessage, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, payload, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			// keepalive frame
			glog.V(2).Infof("[tr]ping<-\n")
			continue
		}

		message := &SocketMessage{}
		if err := json.Unmarshal(payload, message); err != nil {
			glog.Infof("[tr]drop malformed frame = %s\n", err)
			continue
		}
		return message, nil
	}
}

func (self *wsSocketConn) Close() error {
	return self.ws.Close()
}

// NewSocketPipe returns two connected in-process socket ends. Frames sent
// on one end are received on the other. Closing either end closes both.
func NewSocketPipe() (*PipeSocketConn, *PipeSocketConn) {
	a := make(chan *SocketMessage, 8)
	b := make(chan *SocketMessage, 8)
	done := make(chan struct{})
	closeOnce := &sync.Once{}

	clientEnd := &PipeSocketConn{
		sendCh:    a,
		receiveCh: b,
		done:      done,
		closeOnce: closeOnce,
	}
	serverEnd := &PipeSocketConn{
		sendCh:    b,
		receiveCh: a,
		done:      done,
		closeOnce: closeOnce,
	}
	return clientEnd, serverEnd
}

type PipeSocketConn struct {
	sendCh    chan *SocketMessage
	receiveCh chan *SocketMessage
	done      chan struct{}
	closeOnce *sync.Once
}

func (self *PipeSocketConn) Send(message *SocketMessage) error {
	// a closed pipe always refuses the frame, even when buffer remains
	select {
	case <-self.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case self.sendCh <- message:
		return nil
	case <-self.done:
		return ErrConnectionClosed
	}
}

func (self *PipeSocketConn) Receive() (*SocketMessage, error) {
	select {
	case message := <-self.receiveCh:
		return message, nil
	case <-self.done:
		return nil, ErrConnectionClosed
	}
}

func (self *PipeSocketConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	return nil
}
