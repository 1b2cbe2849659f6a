package realtime

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/golang/glog"
)

var collectionRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

type FanInSettings struct {
	// CategoryForCollection maps a watched collection to the category its
	// updates dispatch under. Unmapped collections dispatch under the
	// collection name itself.
	CategoryForCollection map[string]Category
	// DropCallback observes validation drops
	DropCallback func(err error)
}

func DefaultFanInSettings() *FanInSettings {
	return &FanInSettings{
		CategoryForCollection: map[string]Category{},
	}
}

// FanIn normalizes both inbound sources into update envelopes and hands
// them to the process sink. A message is either fully converted or fully
// dropped; nothing partially validated reaches the sink.
type FanIn struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *FanInSettings
	process  func(*UpdateEnvelope)
}

func NewFanInWithDefaults(ctx context.Context, process func(*UpdateEnvelope)) *FanIn {
	return NewFanIn(ctx, DefaultFanInSettings(), process)
}

func NewFanIn(ctx context.Context, settings *FanInSettings, process func(*UpdateEnvelope)) *FanIn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &FanIn{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		process:  process,
	}
}

// WatchFeed subscribes to one collection and pumps validated envelopes
// into the sink until the feed closes or the fan-in stops.
func (self *FanIn) WatchFeed(feed ChangeFeed, collection string) error {
	if !collectionRe.MatchString(collection) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}

	records, stop, err := feed.Subscribe(self.ctx, collection)
	if err != nil {
		return err
	}

	go func() {
		defer stop()

		for {
			select {
			case <-self.ctx.Done():
				return
			case record, ok := <-records:
				if !ok {
					glog.V(2).Infof("[ff]feed %s closed\n", collection)
					return
				}
				envelope, err := self.envelopeFromChange(collection, record)
				if err != nil {
					glog.Infof("[ff]drop feed %s = %s\n", collection, err)
					self.dropped(err)
					continue
				}
				self.process(envelope)
			}
		}
	}()
	return nil
}

// HandleSocketMessage converts one socket update frame and hands it to
// the sink. Malformed frames are logged and dropped.
func (self *FanIn) HandleSocketMessage(message *SocketMessage) {
	envelope, err := EnvelopeFromSocketMessage(message)
	if err != nil {
		glog.Infof("[ff]drop socket = %s\n", err)
		self.dropped(err)
		return
	}
	self.process(envelope)
}

func (self *FanIn) dropped(err error) {
	if self.settings.DropCallback != nil {
		self.settings.DropCallback(err)
	}
}

func (self *FanIn) envelopeFromChange(collection string, record ChangeRecord) (*UpdateEnvelope, error) {
	if record.Collection != "" && record.Collection != collection {
		return nil, fmt.Errorf("%w: collection %q on %q subscription", ErrInvalidChangeRecord, record.Collection, collection)
	}
	if !record.Kind.IsValid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidChangeRecord, record.Kind)
	}
	if record.NewRow == nil && record.OldRow == nil {
		return nil, fmt.Errorf("%w: no row data", ErrInvalidChangeRecord)
	}
	if record.Kind == ChangeKindDelete && record.OldRow == nil {
		return nil, fmt.Errorf("%w: delete without old row", ErrInvalidChangeRecord)
	}

	category, ok := self.settings.CategoryForCollection[collection]
	if !ok {
		category = Category(collection)
	}

	envelope := NewUpdateEnvelope(category, record.Kind.Action(), OriginChangeFeed)
	envelope.Identity = identityFromRows(record.NewRow, record.OldRow)
	envelope.Payload = map[string]any{
		"collection": collection,
	}
	if record.NewRow != nil {
		envelope.Payload["new_row"] = record.NewRow
	}
	if record.OldRow != nil {
		envelope.Payload["old_row"] = record.OldRow
	}
	if !record.OccurredAt.IsZero() {
		envelope.OccurredAt = record.OccurredAt
	}
	return envelope, nil
}

// EnvelopeFromSocketMessage validates one raw socket frame into an update
// envelope. All checks run before anything is built.
func EnvelopeFromSocketMessage(message *SocketMessage) (*UpdateEnvelope, error) {
	if message.Type != SocketMessageTypeUpdate {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidSocketFrame, message.Type)
	}
	if message.Category == "" {
		return nil, ErrMissingCategory
	}
	action := Action(message.Action)
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, message.Action)
	}

	envelope := NewUpdateEnvelope(Category(message.Category), action, OriginSocket)
	envelope.Identity = message.Identity
	envelope.Priority = ParsePriority(message.Priority)
	envelope.AuthToken = message.Token
	if message.Payload != nil {
		envelope.Payload = message.Payload
	}
	return envelope, nil
}

func identityFromRows(newRow map[string]any, oldRow map[string]any) string {
	for _, row := range []map[string]any{newRow, oldRow} {
		if row == nil {
			continue
		}
		id, ok := row["id"]
		if !ok {
			continue
		}
		switch v := id.(type) {
		case string:
			return v
		case float64:
			// row ids decoded from json arrive as float64
			return strconv.FormatInt(int64(v), 10)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

func (self *FanIn) Close() {
	self.cancel()
}
