package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSocketPipe(t *testing.T) {
	clientEnd, serverEnd := NewSocketPipe()

	go func() {
		for {
			message, err := serverEnd.Receive()
			if err != nil {
				return
			}
			serverEnd.Send(&SocketMessage{
				Type:  SocketMessageTypePong,
				Error: message.Type,
			})
		}
	}()

	assert.Equal(t, nil, clientEnd.Send(&SocketMessage{Type: SocketMessageTypePing}))
	reply, err := clientEnd.Receive()
	assert.Equal(t, nil, err)
	assert.Equal(t, SocketMessageTypePong, reply.Type)
	assert.Equal(t, SocketMessageTypePing, reply.Error)

	// closing one end closes both
	assert.Equal(t, nil, clientEnd.Close())
	_, err = clientEnd.Receive()
	assert.Equal(t, true, errors.Is(err, ErrConnectionClosed))
	err = serverEnd.Send(&SocketMessage{Type: SocketMessageTypePing})
	assert.Equal(t, true, errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, nil, serverEnd.Close())
}

func TestSocketPipeCloseUnblocks(t *testing.T) {
	clientEnd, serverEnd := NewSocketPipe()

	unblocked := make(chan error, 1)
	go func() {
		_, err := serverEnd.Receive()
		unblocked <- err
	}()

	time.Sleep(20 * time.Millisecond)
	clientEnd.Close()

	select {
	case err := <-unblocked:
		assert.Equal(t, true, errors.Is(err, ErrConnectionClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for receive to unblock")
	}
}

func TestSocketMessageJson(t *testing.T) {
	// ping frames stay minimal on the wire
	payload, err := json.Marshal(&SocketMessage{Type: SocketMessageTypePing})
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"type":"ping"}`, string(payload))

	payload, err = json.Marshal(&SocketMessage{
		Type:     SocketMessageTypeUpdate,
		Category: "campaign",
		Action:   "update",
		Identity: "c-1",
		Priority: "high",
		Token:    "signed-token",
		Payload:  map[string]any{"status": "paused"},
	})
	assert.Equal(t, nil, err)

	message := &SocketMessage{}
	assert.Equal(t, nil, json.Unmarshal(payload, message))
	assert.Equal(t, SocketMessageTypeUpdate, message.Type)
	assert.Equal(t, "campaign", message.Category)
	assert.Equal(t, "c-1", message.Identity)
	assert.Equal(t, "high", message.Priority)
	assert.Equal(t, "signed-token", message.Token)
	assert.Equal(t, "paused", message.Payload["status"])
}
