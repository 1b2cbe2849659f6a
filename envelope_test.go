package realtime

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	assert.NotEqual(t, Id{}, id)

	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, fromBytes)

	_, err = IdFromBytes([]byte{0x01})
	assert.NotEqual(t, nil, err)

	_, err = ParseId("not an id")
	assert.NotEqual(t, nil, err)

	idJson, err := json.Marshal(id)
	assert.Equal(t, nil, err)
	var decoded Id
	err = json.Unmarshal(idJson, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, id, decoded)

	err = decoded.UnmarshalJSON([]byte("42"))
	assert.NotEqual(t, nil, err)
}

func TestEnvelopeEnums(t *testing.T) {
	assert.Equal(t, true, ActionInsert.IsValid())
	assert.Equal(t, true, ActionSecurityAlert.IsValid())
	assert.Equal(t, false, Action("publish").IsValid())

	assert.Equal(t, true, OriginChangeFeed.IsValid())
	assert.Equal(t, false, Origin("webhook").IsValid())

	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityMedium, ParsePriority(""))
	assert.Equal(t, PriorityMedium, ParsePriority("urgent"))

	assert.Equal(t, SecurityLevelHigh, ParseSecurityLevel("high"))
	assert.Equal(t, SecurityLevelMedium, ParseSecurityLevel("paranoid"))
}

func TestEnvelopeClone(t *testing.T) {
	envelope := NewUpdateEnvelope(CategoryCampaign, ActionUpdate, OriginSocket)
	envelope.Identity = "c1"
	envelope.Payload = map[string]any{"status": "sending"}

	clone := envelope.Clone()
	clone.Identity = "c2"
	clone.Origin = OriginLocal
	clone.Payload["status"] = "sent"

	assert.Equal(t, "c1", envelope.Identity)
	assert.Equal(t, OriginSocket, envelope.Origin)
	assert.Equal(t, envelope.MessageId, clone.MessageId)
	// the payload map is not shared with the clone
	assert.Equal(t, "sending", envelope.Payload["status"])
	assert.Equal(t, "sent", clone.Payload["status"])
}

func TestEnvelopeJson(t *testing.T) {
	envelope := NewUpdateEnvelope(CategoryPayment, ActionInsert, OriginChangeFeed)
	envelope.Identity = "p1"
	envelope.Payload = map[string]any{"amount": "12.50"}

	envelopeJson, err := json.Marshal(envelope)
	assert.Equal(t, nil, err)

	decoded := &UpdateEnvelope{}
	err = json.Unmarshal(envelopeJson, decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, envelope.MessageId, decoded.MessageId)
	assert.Equal(t, CategoryPayment, decoded.Category)
	assert.Equal(t, ActionInsert, decoded.Action)
	assert.Equal(t, "p1", decoded.Identity)
	assert.Equal(t, "12.50", decoded.Payload["amount"])
}

func TestNewSecurityAlert(t *testing.T) {
	alert := NewSecurityAlert("rate_limit_exceeded", map[string]any{
		"source": "socket:campaign",
	})

	assert.Equal(t, CategorySecurityAlert, alert.Category)
	assert.Equal(t, ActionSecurityAlert, alert.Action)
	assert.Equal(t, OriginLocal, alert.Origin)
	assert.Equal(t, PriorityHigh, alert.Priority)
	assert.Equal(t, "rate_limit_exceeded", alert.Payload["reason"])
	assert.Equal(t, "socket:campaign", alert.Payload["source"])
	assert.Equal(t, false, alert.Optimistic)
}
