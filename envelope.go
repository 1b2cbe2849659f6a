package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// Category names the business domain of a change ("campaign", "payment", ...).
// The core routes on it but never interprets it, so the set is open:
// callers may define their own values beyond the predeclared ones.
type Category string

const (
	CategoryCampaign      Category = "campaign"
	CategoryContact       Category = "contact"
	CategoryPayment       Category = "payment"
	CategorySystem        Category = "system"
	CategorySecurityAlert Category = "security-alert"
)

type Action string

const (
	ActionInsert        Action = "insert"
	ActionUpdate        Action = "update"
	ActionDelete        Action = "delete"
	ActionSecurityAlert Action = "security-alert"
)

func (self Action) IsValid() bool {
	switch self {
	case ActionInsert, ActionUpdate, ActionDelete, ActionSecurityAlert:
		return true
	default:
		return false
	}
}

type Origin string

const (
	OriginChangeFeed Origin = "change-feed"
	OriginSocket     Origin = "socket"
	OriginLocal      Origin = "local"
)

func (self Origin) IsValid() bool {
	switch self {
	case OriginChangeFeed, OriginSocket, OriginLocal:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (self Priority) IsValid() bool {
	switch self {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// ParsePriority maps a wire value to a Priority, defaulting to medium.
func ParsePriority(priorityStr string) Priority {
	priority := Priority(priorityStr)
	if priority.IsValid() {
		return priority
	}
	return PriorityMedium
}

// UpdateEnvelope is the canonical unit flowing through the pipeline,
// regardless of which source produced it.
type UpdateEnvelope struct {
	MessageId  Id             `json:"message_id"`
	Category   Category       `json:"category"`
	Action     Action         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	// Identity correlates an optimistic envelope with its authoritative
	// counterpart. Required when Optimistic is set.
	Identity   string   `json:"identity,omitempty"`
	Optimistic bool     `json:"optimistic,omitempty"`
	Origin     Origin   `json:"origin"`
	Priority   Priority `json:"priority"`
	AuthToken  string   `json:"auth_token,omitempty"`
}

func NewUpdateEnvelope(category Category, action Action, origin Origin) *UpdateEnvelope {
	return &UpdateEnvelope{
		MessageId:  NewId(),
		Category:   category,
		Action:     action,
		OccurredAt: time.Now(),
		Origin:     origin,
		Priority:   PriorityMedium,
	}
}

// Clone copies the envelope, including its own copy of the payload map.
func (self *UpdateEnvelope) Clone() *UpdateEnvelope {
	clone := *self
	clone.Payload = maps.Clone(self.Payload)
	return &clone
}

func (self *UpdateEnvelope) String() string {
	return fmt.Sprintf("%s/%s<-%s(%s)", self.Category, self.Action, self.Origin, self.MessageId)
}

// NewSecurityAlert synthesizes a local high-priority envelope for a security
// rejection so consumers observe it like any other update.
func NewSecurityAlert(reason string, details map[string]any) *UpdateEnvelope {
	payload := map[string]any{
		"reason": reason,
	}
	for k, v := range details {
		payload[k] = v
	}
	return &UpdateEnvelope{
		MessageId:  NewId(),
		Category:   CategorySecurityAlert,
		Action:     ActionSecurityAlert,
		Payload:    payload,
		OccurredAt: time.Now(),
		Origin:     OriginLocal,
		Priority:   PriorityHigh,
	}
}
