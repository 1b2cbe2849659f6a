package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/nats-io/nats.go"
)

// fakeNatsConn stands in for the broker connection so the feed can be
// exercised without a server.
type fakeNatsConn struct {
	stateLock    sync.Mutex
	published    map[string][][]byte
	handlers     map[string]nats.MsgHandler
	subscribeErr error
	unsubscribed []string
	closed       bool
}

func newFakeNatsConn() *fakeNatsConn {
	return &fakeNatsConn{
		published: map[string][][]byte{},
		handlers:  map[string]nats.MsgHandler{},
	}
}

func (self *fakeNatsConn) Publish(subject string, data []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.published[subject] = append(self.published[subject], data)
	return nil
}

func (self *fakeNatsConn) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.subscribeErr != nil {
		return nil, self.subscribeErr
	}
	self.handlers[subject] = handler
	return &fakeNatsSubscription{conn: self, subject: subject}, nil
}

func (self *fakeNatsConn) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
}

func (self *fakeNatsConn) failSubscribe(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscribeErr = err
}

// deliver invokes the registered handler the way the broker would, on the
// caller's goroutine.
func (self *fakeNatsConn) deliver(subject string, data []byte) {
	self.stateLock.Lock()
	handler := self.handlers[subject]
	self.stateLock.Unlock()
	if handler != nil {
		handler(&nats.Msg{Subject: subject, Data: data})
	}
}

func (self *fakeNatsConn) publishedData(subject string) [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([][]byte{}, self.published[subject]...)
}

func (self *fakeNatsConn) unsubscribedSubjects() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.unsubscribed...)
}

func (self *fakeNatsConn) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

type fakeNatsSubscription struct {
	conn    *fakeNatsConn
	subject string
}

func (self *fakeNatsSubscription) Unsubscribe() error {
	self.conn.stateLock.Lock()
	defer self.conn.stateLock.Unlock()
	self.conn.unsubscribed = append(self.conn.unsubscribed, self.subject)
	delete(self.conn.handlers, self.subject)
	return nil
}

func newFakeNatsFeed(t *testing.T) (*NatsChangeFeed, *fakeNatsConn, func()) {
	fake := newFakeNatsConn()
	previousConnect := natsConnect
	natsConnect = func(settings *NatsChangeFeedSettings) (natsConn, error) {
		return fake, nil
	}
	feed, err := NewNatsChangeFeed(DefaultNatsChangeFeedSettings())
	assert.Equal(t, nil, err)
	return feed, fake, func() {
		natsConnect = previousConnect
	}
}

func TestNatsChangeFeedPublish(t *testing.T) {
	feed, fake, restore := newFakeNatsFeed(t)
	defer restore()

	err := feed.Publish("campaigns", ChangeRecord{
		Kind:   ChangeKindInsert,
		NewRow: map[string]any{"id": "c-1"},
	})
	assert.Equal(t, nil, err)

	// records land on the collection's subject under the prefix
	payloads := fake.publishedData("changes.campaigns")
	assert.Equal(t, 1, len(payloads))
	var record ChangeRecord
	err = json.Unmarshal(payloads[0], &record)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeKindInsert, record.Kind)
	assert.Equal(t, "c-1", record.NewRow["id"])
}

func TestNatsChangeFeedSubscribe(t *testing.T) {
	feed, fake, restore := newFakeNatsFeed(t)
	defer restore()

	ctx := context.Background()
	records, stop, err := feed.Subscribe(ctx, "campaigns")
	assert.Equal(t, nil, err)
	defer stop()

	// a record without a collection is stamped with the subscription's
	payload, err := json.Marshal(ChangeRecord{
		Kind:   ChangeKindInsert,
		NewRow: map[string]any{"id": "c-1"},
	})
	assert.Equal(t, nil, err)
	fake.deliver("changes.campaigns", payload)

	record := awaitRecord(t, records)
	assert.Equal(t, "campaigns", record.Collection)
	assert.Equal(t, ChangeKindInsert, record.Kind)
	assert.Equal(t, "c-1", record.NewRow["id"])

	// an explicit collection from the producer is kept
	payload, err = json.Marshal(ChangeRecord{
		Collection: "analytics",
		Kind:       ChangeKindUpdate,
		NewRow:     map[string]any{"id": "c-2"},
	})
	assert.Equal(t, nil, err)
	fake.deliver("changes.campaigns", payload)

	record = awaitRecord(t, records)
	assert.Equal(t, "analytics", record.Collection)
}

func TestNatsChangeFeedMalformed(t *testing.T) {
	feed, fake, restore := newFakeNatsFeed(t)
	defer restore()

	ctx := context.Background()
	records, stop, err := feed.Subscribe(ctx, "campaigns")
	assert.Equal(t, nil, err)
	defer stop()

	// garbage on the subject is skipped, later records still flow
	fake.deliver("changes.campaigns", []byte("{not json"))

	payload, err := json.Marshal(ChangeRecord{
		Kind:   ChangeKindUpdate,
		NewRow: map[string]any{"id": "c-2"},
	})
	assert.Equal(t, nil, err)
	fake.deliver("changes.campaigns", payload)

	record := awaitRecord(t, records)
	assert.Equal(t, ChangeKindUpdate, record.Kind)
	assert.Equal(t, "c-2", record.NewRow["id"])
}

func TestNatsChangeFeedOverflow(t *testing.T) {
	feed, _, restore := newFakeNatsFeed(t)
	defer restore()

	inner := make(chan ChangeRecord, 1)

	first, err := json.Marshal(ChangeRecord{
		Kind:   ChangeKindInsert,
		NewRow: map[string]any{"id": "c-1"},
	})
	assert.Equal(t, nil, err)
	second, err := json.Marshal(ChangeRecord{
		Kind:   ChangeKindInsert,
		NewRow: map[string]any{"id": "c-2"},
	})
	assert.Equal(t, nil, err)

	feed.deliver("campaigns", inner, &nats.Msg{Subject: "changes.campaigns", Data: first})
	// a full buffer drops the record instead of blocking the handler
	feed.deliver("campaigns", inner, &nats.Msg{Subject: "changes.campaigns", Data: second})
	assert.Equal(t, 1, len(inner))

	record := <-inner
	assert.Equal(t, "c-1", record.NewRow["id"])

	// once the consumer catches up, delivery resumes
	feed.deliver("campaigns", inner, &nats.Msg{Subject: "changes.campaigns", Data: second})
	assert.Equal(t, 1, len(inner))
	record = <-inner
	assert.Equal(t, "c-2", record.NewRow["id"])
}

func TestNatsChangeFeedStop(t *testing.T) {
	feed, fake, restore := newFakeNatsFeed(t)
	defer restore()

	records, stop, err := feed.Subscribe(context.Background(), "campaigns")
	assert.Equal(t, nil, err)

	cancelCtx, cancel := context.WithCancel(context.Background())
	contactRecords, stopContacts, err := feed.Subscribe(cancelCtx, "contacts")
	assert.Equal(t, nil, err)
	defer stopContacts()

	// the stop handle releases the broker subscription and closes the stream
	stop()
	select {
	case _, ok := <-records:
		assert.Equal(t, false, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	assert.Equal(t, []string{"changes.campaigns"}, fake.unsubscribedSubjects())

	// cancelling the subscription context does the same
	cancel()
	select {
	case _, ok := <-contactRecords:
		assert.Equal(t, false, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	assert.Equal(t, []string{"changes.campaigns", "changes.contacts"}, fake.unsubscribedSubjects())

	assert.Equal(t, nil, feed.Close())
	assert.Equal(t, true, fake.isClosed())
}

func TestNatsChangeFeedSubscribeError(t *testing.T) {
	feed, fake, restore := newFakeNatsFeed(t)
	defer restore()

	fake.failSubscribe(errors.New("permissions violation"))
	_, _, err := feed.Subscribe(context.Background(), "campaigns")
	assert.NotEqual(t, nil, err)
}

func TestNatsChangeFeedConnect(t *testing.T) {
	previousConnect := natsConnect
	defer func() {
		natsConnect = previousConnect
	}()

	urls := []string{}
	natsConnect = func(settings *NatsChangeFeedSettings) (natsConn, error) {
		urls = append(urls, settings.Url)
		return newFakeNatsConn(), nil
	}

	feed, err := NewNatsChangeFeedWithDefaults("")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, feed.Close())
	feed, err = NewNatsChangeFeedWithDefaults("nats://feed.internal:4222")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, feed.Close())
	assert.Equal(t, []string{nats.DefaultURL, "nats://feed.internal:4222"}, urls)

	// a failed dial surfaces from the constructor
	natsConnect = func(settings *NatsChangeFeedSettings) (natsConn, error) {
		return nil, errors.New("no route to broker")
	}
	_, err = NewNatsChangeFeedWithDefaults("")
	assert.NotEqual(t, nil, err)
}
