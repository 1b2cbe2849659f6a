package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// OptimisticStore tracks locally predicted updates until an authoritative
// envelope with the same identity supersedes them. At most one entry is
// live per identity; adding again replaces, never duplicates.
type OptimisticStore struct {
	stateLock sync.Mutex
	entries   map[string]*UpdateEnvelope
}

func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{
		entries: map[string]*UpdateEnvelope{},
	}
}

// Add validates and stores a predicted update keyed by identity. The
// returned envelope is the normalized copy the caller feeds to the
// dispatcher for instant consumer feedback.
func (self *OptimisticStore) Add(envelope *UpdateEnvelope) (*UpdateEnvelope, error) {
	if envelope.Identity == "" {
		glog.Infof("[o]add rejected = %s\n", ErrOptimisticIdentity)
		return nil, ErrOptimisticIdentity
	}
	if envelope.Category == "" {
		glog.Infof("[o]add rejected = %s\n", ErrOptimisticCategory)
		return nil, ErrOptimisticCategory
	}
	if !envelope.Action.IsValid() {
		glog.Infof("[o]add rejected = %s\n", ErrOptimisticAction)
		return nil, ErrOptimisticAction
	}

	stored := envelope.Clone()
	stored.Optimistic = true
	stored.Origin = OriginLocal
	if (stored.MessageId == Id{}) {
		stored.MessageId = NewId()
	}
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = time.Now()
	}
	if !stored.Priority.IsValid() {
		stored.Priority = PriorityMedium
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries[stored.Identity] = stored
	return stored, nil
}

// Remove is the caller-driven cancellation path, for predictions known to
// have failed before any authoritative event would arrive.
func (self *OptimisticStore) Remove(identity string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entries[identity]; !ok {
		return false
	}
	delete(self.entries, identity)
	return true
}

// Reconcile clears the pending entry for identity once an authoritative
// envelope has been processed. Returns whether an entry was cleared.
func (self *OptimisticStore) Reconcile(identity string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entries[identity]; !ok {
		return false
	}
	delete(self.entries, identity)
	glog.V(2).Infof("[o]reconciled %s\n", identity)
	return true
}

func (self *OptimisticStore) Pending(identity string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.entries[identity]
	return ok
}

func (self *OptimisticStore) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *OptimisticStore) PendingIdentities() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}
