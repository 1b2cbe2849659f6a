package realtime

import (
	"context"
	"time"
)

// ChangeKind is the row-level operation reported by the managed database
// change feed.
type ChangeKind string

const (
	ChangeKindInsert ChangeKind = "insert"
	ChangeKindUpdate ChangeKind = "update"
	ChangeKindDelete ChangeKind = "delete"
)

func (self ChangeKind) IsValid() bool {
	switch self {
	case ChangeKindInsert, ChangeKindUpdate, ChangeKindDelete:
		return true
	default:
		return false
	}
}

// Action maps the feed operation onto the update action vocabulary.
func (self ChangeKind) Action() Action {
	switch self {
	case ChangeKindInsert:
		return ActionInsert
	case ChangeKindDelete:
		return ActionDelete
	default:
		return ActionUpdate
	}
}

// ChangeRecord is one row change from the feed. OldRow is present for
// updates and deletes when the feed provides it.
type ChangeRecord struct {
	Collection string         `json:"collection"`
	Kind       ChangeKind     `json:"kind"`
	NewRow     map[string]any `json:"new_row,omitempty"`
	OldRow     map[string]any `json:"old_row,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty"`
}

// ChangeFeed streams row changes for a collection. Subscribe returns a
// receive channel and a stop function that releases the subscription;
// the channel is closed after stop or when ctx ends.
type ChangeFeed interface {
	Subscribe(ctx context.Context, collection string) (<-chan ChangeRecord, func(), error)
}
