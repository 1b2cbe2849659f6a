package realtime

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestUpdateLog(t *testing.T) {
	log := NewUpdateLog(4)

	assert.Equal(t, 0, log.Len())
	assert.Equal(t, 4, log.Capacity())
	assert.Equal(t, 0, len(log.Snapshot()))

	envelopes := []*UpdateEnvelope{}
	for i := 0; i < 7; i += 1 {
		envelope := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginChangeFeed)
		envelope.Identity = fmt.Sprintf("row-%d", i)
		envelopes = append(envelopes, envelope)
	}

	// under capacity, nothing is evicted
	for i := 0; i < 4; i += 1 {
		evicted := log.Append(envelopes[i])
		assert.Equal(t, nil, evicted)
		assert.Equal(t, i+1, log.Len())
	}

	snapshot := log.Snapshot()
	assert.Equal(t, 4, len(snapshot))
	for i := 0; i < 4; i += 1 {
		assert.Equal(t, envelopes[i].Identity, snapshot[i].Identity)
	}

	// past capacity, the oldest entry is evicted first
	for i := 4; i < 7; i += 1 {
		evicted := log.Append(envelopes[i])
		assert.NotEqual(t, nil, evicted)
		assert.Equal(t, envelopes[i-4].Identity, evicted.Identity)
		assert.Equal(t, 4, log.Len())
	}

	snapshot = log.Snapshot()
	assert.Equal(t, 4, len(snapshot))
	for i := 0; i < 4; i += 1 {
		assert.Equal(t, envelopes[i+3].Identity, snapshot[i].Identity)
	}
}
