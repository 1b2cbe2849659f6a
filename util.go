package realtime

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// CallbackList is a registry of callbacks that snapshots on read, so
// callbacks can be added or removed while a notification is in flight.
// Entries are keyed by an id because function values are not comparable.
type CallbackList[T any] struct {
	stateLock sync.Mutex
	order     []Id
	callbacks map[Id]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		order:     []Id{},
		callbacks: map[Id]T{},
	}
}

// Get returns the callbacks in registration order.
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := NewId()
	self.order = append(self.order, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, id := range self.order {
		if id == callbackId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.order)
}

// HandleCallback runs a consumer callback and recovers from panics so
// one misbehaving consumer cannot take down the dispatch loop.
func HandleCallback(tag string, do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[%s]callback panic = %s\n", tag, ErrorJson(r, debug.Stack()))
		}
	}()
	do()
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}
