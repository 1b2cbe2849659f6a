package realtime

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOptimisticStoreValidation(t *testing.T) {
	store := NewOptimisticStore()

	envelope := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginLocal)
	stored, err := store.Add(envelope)
	assert.Equal(t, nil, stored)
	assert.Equal(t, true, errors.Is(err, ErrOptimisticIdentity))

	envelope = NewUpdateEnvelope("", ActionUpdate, OriginLocal)
	envelope.Identity = "c1"
	stored, err = store.Add(envelope)
	assert.Equal(t, nil, stored)
	assert.Equal(t, true, errors.Is(err, ErrOptimisticCategory))

	envelope = NewUpdateEnvelope(CategoryCampaign, Action("publish"), OriginLocal)
	envelope.Identity = "c1"
	stored, err = store.Add(envelope)
	assert.Equal(t, nil, stored)
	assert.Equal(t, true, errors.Is(err, ErrOptimisticAction))

	assert.Equal(t, 0, store.PendingCount())
}

func TestOptimisticStoreNormalization(t *testing.T) {
	store := NewOptimisticStore()

	envelope := &UpdateEnvelope{
		Category: CategoryCampaign,
		Action:   ActionUpdate,
		Identity: "c1",
		// wrong on purpose, the store forces local origin
		Origin:  OriginSocket,
		Payload: map[string]any{"status": "sending"},
	}
	stored, err := store.Add(envelope)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, stored.Optimistic)
	assert.Equal(t, OriginLocal, stored.Origin)
	assert.Equal(t, PriorityMedium, stored.Priority)
	assert.NotEqual(t, Id{}, stored.MessageId)
	assert.Equal(t, false, stored.OccurredAt.IsZero())
	// the caller's envelope is not mutated
	assert.Equal(t, false, envelope.Optimistic)
	assert.Equal(t, OriginSocket, envelope.Origin)
	// and mutating the caller's payload later does not reach the store
	envelope.Payload["status"] = "failed"
	assert.Equal(t, "sending", stored.Payload["status"])

	assert.Equal(t, true, store.Pending("c1"))
	assert.Equal(t, 1, store.PendingCount())
}

func TestOptimisticStoreReplaceNotDuplicate(t *testing.T) {
	store := NewOptimisticStore()

	first := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginLocal)
	first.Identity = "c1"
	_, err := store.Add(first)
	assert.Equal(t, nil, err)

	second := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginLocal)
	second.Identity = "c1"
	second.Payload = map[string]any{"status": "sent"}
	stored, err := store.Add(second)
	assert.Equal(t, nil, err)

	assert.Equal(t, 1, store.PendingCount())
	assert.Equal(t, "sent", stored.Payload["status"])
}

func TestOptimisticStoreRemoveAndReconcile(t *testing.T) {
	store := NewOptimisticStore()

	envelope := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginLocal)
	envelope.Identity = "c1"
	_, err := store.Add(envelope)
	assert.Equal(t, nil, err)

	assert.Equal(t, false, store.Reconcile("unknown"))
	assert.Equal(t, true, store.Reconcile("c1"))
	assert.Equal(t, false, store.Pending("c1"))
	assert.Equal(t, false, store.Reconcile("c1"))

	envelope = NewUpdateEnvelope(CategoryContact, ActionInsert, OriginLocal)
	envelope.Identity = "c2"
	_, err = store.Add(envelope)
	assert.Equal(t, nil, err)

	identities := store.PendingIdentities()
	assert.Equal(t, 1, len(identities))
	assert.Equal(t, "c2", identities[0])

	assert.Equal(t, false, store.Remove("unknown"))
	assert.Equal(t, true, store.Remove("c2"))
	assert.Equal(t, 0, store.PendingCount())
}
