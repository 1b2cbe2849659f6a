package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/nats-io/nats.go"
)

type NatsChangeFeedSettings struct {
	Url           string
	SubjectPrefix string
	// BufferSize bounds records held per subscription while the consumer
	// catches up. Overflow is dropped, never blocked on, so a slow
	// consumer cannot stall the feed connection.
	BufferSize    int
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNatsChangeFeedSettings() *NatsChangeFeedSettings {
	return &NatsChangeFeedSettings{
		Url:           nats.DefaultURL,
		SubjectPrefix: "changes",
		BufferSize:    64,
		MaxReconnects: 5,
		ReconnectWait: 2 * time.Second,
	}
}

// natsConn is the slice of the NATS client the feed uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close()
}

type natsSubscription interface {
	Unsubscribe() error
}

// natsConnect allows overriding the connection creation for testing.
var natsConnect = func(settings *NatsChangeFeedSettings) (natsConn, error) {
	conn, err := nats.Connect(
		settings.Url,
		nats.MaxReconnects(settings.MaxReconnects),
		nats.ReconnectWait(settings.ReconnectWait),
	)
	if err != nil {
		return nil, err
	}
	return &liveNatsConn{conn: conn}, nil
}

type liveNatsConn struct {
	conn *nats.Conn
}

func (self *liveNatsConn) Publish(subject string, data []byte) error {
	return self.conn.Publish(subject, data)
}

func (self *liveNatsConn) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	return self.conn.Subscribe(subject, handler)
}

func (self *liveNatsConn) Close() {
	self.conn.Close()
}

// NatsChangeFeed adapts a NATS subject tree (`<prefix>.<collection>`) into
// the change feed interface.
type NatsChangeFeed struct {
	settings *NatsChangeFeedSettings
	conn     natsConn
}

func NewNatsChangeFeedWithDefaults(url string) (*NatsChangeFeed, error) {
	settings := DefaultNatsChangeFeedSettings()
	if url != "" {
		settings.Url = url
	}
	return NewNatsChangeFeed(settings)
}

func NewNatsChangeFeed(settings *NatsChangeFeedSettings) (*NatsChangeFeed, error) {
	conn, err := natsConnect(settings)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsChangeFeed{
		settings: settings,
		conn:     conn,
	}, nil
}

func (self *NatsChangeFeed) subject(collection string) string {
	return fmt.Sprintf("%s.%s", self.settings.SubjectPrefix, collection)
}

func (self *NatsChangeFeed) Publish(collection string, record ChangeRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return self.conn.Publish(self.subject(collection), payload)
}

// deliver decodes one subject message into the subscription buffer. It runs
// on the connection's handler goroutine, so a full buffer drops the record
// instead of blocking.
func (self *NatsChangeFeed) deliver(collection string, inner chan ChangeRecord, msg *nats.Msg) {
	var record ChangeRecord
	if err := json.Unmarshal(msg.Data, &record); err != nil {
		glog.Infof("[feed]drop malformed record on %s = %s\n", msg.Subject, err)
		return
	}
	if record.Collection == "" {
		record.Collection = collection
	}
	select {
	case inner <- record:
	default:
		glog.Infof("[feed]drop on %s, subscriber buffer full\n", msg.Subject)
	}
}

func (self *NatsChangeFeed) Subscribe(ctx context.Context, collection string) (<-chan ChangeRecord, func(), error) {
	subject := self.subject(collection)

	inner := make(chan ChangeRecord, self.settings.BufferSize)
	sub, err := self.conn.Subscribe(subject, func(msg *nats.Msg) {
		self.deliver(collection, inner, msg)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	out := make(chan ChangeRecord)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case record := <-inner:
				select {
				case out <- record:
				case <-subCtx.Done():
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, subCancel, nil
}

func (self *NatsChangeFeed) Close() error {
	self.conn.Close()
	return nil
}
