/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/nanofaas/control-plane/pkg/controlplane/types"
)

// Item is a task waiting in the sync queue.
type Item struct {
	Task       *types.InvocationTask
	EnqueuedAt time.Time

	// element is the item's position in the list, nil once removed.
	element *list.Element
}

// boundedList is a mutex-guarded FIFO with a fixed capacity and O(1) removal of the head by identity.
type boundedList struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
}

func newBoundedList(capacity int) *boundedList {
	return &boundedList{items: list.New(), capacity: capacity}
}

// pushBack appends item unless the list is full.
func (l *boundedList) pushBack(item *Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items.Len() >= l.capacity {
		return false
	}
	item.element = l.items.PushBack(item)
	return true
}

// peekHead returns the head without removing it.
func (l *boundedList) peekHead() *Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.items.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Item)
}

// removeHead removes item if it is still the head of the list.
func (l *boundedList) removeHead(item *Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.items.Front()
	if front == nil || front != item.element {
		return false
	}
	l.items.Remove(front)
	item.element = nil
	return true
}

// drain removes and returns every item.
func (l *boundedList) drain() []*Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	drained := make([]*Item, 0, l.items.Len())
	for e := l.items.Front(); e != nil; e = e.Next() {
		item := e.Value.(*Item)
		item.element = nil
		drained = append(drained, item)
	}
	l.items.Init()
	return drained
}

func (l *boundedList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Len()
}
