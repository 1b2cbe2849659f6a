package realtime

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

func changeTopic(collection string) string {
	return "changes." + collection
}

// ChannelChangeFeed is an in-process change feed for local development and
// tests. Records published to a collection fan out to all of its
// subscribers.
type ChannelChangeFeed struct {
	pubSub *gochannel.GoChannel
}

func NewChannelChangeFeed() *ChannelChangeFeed {
	return &ChannelChangeFeed{
		pubSub: gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}),
	}
}

func (self *ChannelChangeFeed) Publish(collection string, record ChangeRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return self.pubSub.Publish(changeTopic(collection), msg)
}

func (self *ChannelChangeFeed) Subscribe(ctx context.Context, collection string) (<-chan ChangeRecord, func(), error) {
	subCtx, subCancel := context.WithCancel(ctx)
	messages, err := self.pubSub.Subscribe(subCtx, changeTopic(collection))
	if err != nil {
		subCancel()
		return nil, nil, err
	}

	out := make(chan ChangeRecord)
	go func() {
		defer close(out)
		for msg := range messages {
			var record ChangeRecord
			if err := json.Unmarshal(msg.Payload, &record); err != nil {
				glog.Infof("[feed]drop malformed record = %s\n", err)
				msg.Ack()
				continue
			}
			if record.Collection == "" {
				record.Collection = collection
			}
			msg.Ack()
			select {
			case out <- record:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, subCancel, nil
}

func (self *ChannelChangeFeed) Close() error {
	return self.pubSub.Close()
}
