package realtime

import (
	"fmt"
)

// UpdateLog is a bounded append-only history of processed envelopes.
// Appending past capacity evicts the oldest entry. The log is owned by
// the dispatcher, which serializes all access; it carries no lock of
// its own.
type UpdateLog struct {
	entries []*UpdateEnvelope
	// head is the next write index
	head int
	size int
}

func NewUpdateLog(capacity int) *UpdateLog {
	if capacity < 1 {
		panic(fmt.Errorf("Update log capacity must be positive: %d", capacity))
	}
	return &UpdateLog{
		entries: make([]*UpdateEnvelope, capacity),
	}
}

// Append stores the envelope and returns the evicted entry when the log
// was already at capacity, else nil.
func (self *UpdateLog) Append(envelope *UpdateEnvelope) *UpdateEnvelope {
	var evicted *UpdateEnvelope
	if self.size == len(self.entries) {
		evicted = self.entries[self.head]
	}
	self.entries[self.head] = envelope
	self.head = (self.head + 1) % len(self.entries)
	if self.size < len(self.entries) {
		self.size += 1
	}
	return evicted
}

// Snapshot returns the stored envelopes oldest first.
func (self *UpdateLog) Snapshot() []*UpdateEnvelope {
	snapshot := make([]*UpdateEnvelope, 0, self.size)
	tail := (self.head - self.size + len(self.entries)) % len(self.entries)
	for i := 0; i < self.size; i += 1 {
		snapshot = append(snapshot, self.entries[(tail+i)%len(self.entries)])
	}
	return snapshot
}

func (self *UpdateLog) Len() int {
	return self.size
}

func (self *UpdateLog) Capacity() int {
	return len(self.entries)
}
